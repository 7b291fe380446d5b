package schema

import "errors"

var (
	ErrFrozen            = errors.New("schema: registry is frozen")
	ErrNotFrozen         = errors.New("schema: registry is not frozen")
	ErrDuplicateClass    = errors.New("schema: duplicate class")
	ErrDuplicateProperty = errors.New("schema: duplicate property")
	ErrDuplicateFunction = errors.New("schema: duplicate function")
	ErrTooManyProperties = errors.New("schema: more than 64 properties")
	ErrTooManyFunctions  = errors.New("schema: more than 255 functions")
	ErrTooManyChildren   = errors.New("schema: more than 254 static children")
	ErrNestedChildren    = errors.New("schema: static children cannot declare children")
	ErrUnknownClass      = errors.New("schema: unknown class")
	ErrInvalidKind       = errors.New("schema: invalid kind")
	ErrInvalidArray      = errors.New("schema: invalid array declaration")
)
