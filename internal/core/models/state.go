package models

// Tick identifies one discrete authoritative simulation step.
type Tick int32

// NoTick is the value of a tick counter that has never advanced.
const NoTick Tick = -1

// SpawnState tracks the visibility of one entity for one peer.
type SpawnState uint8

const (
	NotSpawned SpawnState = iota
	Spawning
	Spawned
	Despawning
)

func (s SpawnState) String() string {
	switch s {
	case NotSpawned:
		return "not_spawned"
	case Spawning:
		return "spawning"
	case Spawned:
		return "spawned"
	case Despawning:
		return "despawning"
	default:
		return "unknown"
	}
}

// SessionStatus is the lifecycle state of a peer session.
type SessionStatus uint8

const (
	StatusInitial SessionStatus = iota
	StatusInWorld
	StatusDisconnected
)

func (s SessionStatus) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusInWorld:
		return "in_world"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
