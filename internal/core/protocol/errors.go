package protocol

import "errors"

var (
	ErrConnectionClosed = errors.New("protocol: connection is closed")
	ErrTransportClosed  = errors.New("protocol: transport is closed")
	ErrMessageTooLarge  = errors.New("protocol: message too large")
	ErrInvalidChannel   = errors.New("protocol: invalid channel")
	ErrMalformedFrame   = errors.New("protocol: malformed frame")
	ErrUnsupportedKind  = errors.New("protocol: unsupported transport kind")
	ErrInvalidConfig    = errors.New("protocol: invalid config")
	ErrAddressInUse     = errors.New("protocol: address in use")
	ErrNoListener       = errors.New("protocol: nothing listening")
)
