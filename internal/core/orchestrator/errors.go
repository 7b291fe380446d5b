package orchestrator

import "errors"

var (
	ErrInvalidConfig      = errors.New("orchestrator: invalid config")
	ErrRegistryNotFrozen  = errors.New("orchestrator: registry is not frozen")
	ErrServerFull         = errors.New("orchestrator: every peer slot is taken")
	ErrUnknownPeer        = errors.New("orchestrator: unknown peer")
	ErrUnknownEntity      = errors.New("orchestrator: unknown entity")
	ErrUnknownFunction    = errors.New("orchestrator: unknown function")
	ErrPermissionDenied   = errors.New("orchestrator: call not permitted")
	ErrSchemaMismatch     = errors.New("orchestrator: schema fingerprint mismatch")
	ErrUnexpectedChannel  = errors.New("orchestrator: unexpected channel")
	ErrMalformed          = errors.New("orchestrator: malformed packet")
	ErrNotJoined          = errors.New("orchestrator: peer has not joined")
	ErrRejected           = errors.New("orchestrator: join rejected")
	ErrDuplicateEntity    = errors.New("orchestrator: entity id already in use")
	ErrDespawned          = errors.New("orchestrator: entity is despawned")
	ErrAddressesExhausted = errors.New("orchestrator: no free local id")
	ErrEntityTooLarge     = errors.New("orchestrator: entity exceeds the export buffer")
)
