package persist

import "errors"

var (
	ErrNotFound         = errors.New("persist: snapshot not found")
	ErrBadMagic         = errors.New("persist: not a world snapshot")
	ErrVersion          = errors.New("persist: unsupported snapshot version")
	ErrSchemaMismatch   = errors.New("persist: snapshot was saved with another schema")
	ErrInvalidKey       = errors.New("persist: invalid key")
	ErrUnknownChildSlot = errors.New("persist: unknown child slot")
)
