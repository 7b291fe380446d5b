package replication

import "errors"

var (
	ErrKindMismatch    = errors.New("replication: value kind mismatch")
	ErrUnknownProperty = errors.New("replication: unknown property")
	ErrNotArray        = errors.New("replication: property is not an array")
	ErrIsArray         = errors.New("replication: property is an array")
	ErrUnknownSlot     = errors.New("replication: unknown child slot")
	ErrCorrupt         = errors.New("replication: corrupt payload")
)
