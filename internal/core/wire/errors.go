package wire

import "errors"

var (
	// ErrOverflow is raised (as a panic) when a write exceeds buffer capacity.
	ErrOverflow = errors.New("wire: buffer capacity exceeded")
	// ErrUnderflow is latched when a read runs past the written data.
	ErrUnderflow = errors.New("wire: read past end of buffer")
	// ErrCorrupt is latched when a decoded header is out of range.
	ErrCorrupt = errors.New("wire: corrupt payload")
)
