package server

import "errors"

var (
	ErrHostClosed         = errors.New("host is closed")
	ErrHostNotRunning     = errors.New("host is not running")
	ErrHostAlreadyRunning = errors.New("host is already running")
	ErrInvalidConfig      = errors.New("invalid host configuration")
)
