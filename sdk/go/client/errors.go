package client

import "errors"

var (
	ErrClientClosed   = errors.New("client is closed")
	ErrNotRunning     = errors.New("client is not running")
	ErrAlreadyRunning = errors.New("client is already running")
	ErrJoinTimeout    = errors.New("join timeout")
	ErrConnectionLost = errors.New("connection lost")
	ErrInvalidConfig  = errors.New("invalid client configuration")
)
