// Package orchestrator drives replication one tick at a time.
//
// An Authority owns the simulation and exports per-peer tick packets. A
// Replica runs on each peer, imports those packets, predicts the entities it
// owns and reconciles them against confirmed state. Neither type is safe
// for concurrent use: a single fixed-step driver calls Step and feeds
// packets in between steps.
package orchestrator

import (
	"fmt"
	"time"
)

// TimeoutPolicy decides what happens to the entities of a timed-out peer.
type TimeoutPolicy string

const (
	// TimeoutDespawn removes every entity owned by the peer.
	TimeoutDespawn TimeoutPolicy = "despawn"
	// TimeoutRelease clears the owner so the entities stay in the world
	// without input authority.
	TimeoutRelease TimeoutPolicy = "release"
)

func (p TimeoutPolicy) Valid() bool {
	return p == TimeoutDespawn || p == TimeoutRelease
}

const (
	recordSlots = 32
	// maxInputLen bounds one buffered input frame.
	maxInputLen = 256
	// maxInputsPerPacket bounds the redundancy of one input packet.
	maxInputsPerPacket = 32
	// packetOverhead covers the tick, a full bitmask and every serializer byte.
	packetOverhead = 4 + 1 + 8*8 + 512
)

type AuthorityConfig struct {
	TickRate int
	// AckTimeoutTicks disconnects a peer whose last ack is older than this.
	AckTimeoutTicks int
	TimeoutPolicy   TimeoutPolicy
	// MaxPacketBytes bounds a tick packet. An entity that does not fit is
	// deferred to a later tick, except the first one of a packet.
	MaxPacketBytes int
	// ExportBufferBytes is the scratch space for one peer's entity payloads.
	ExportBufferBytes int
}

func DefaultAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{
		TickRate:          30,
		AckTimeoutTicks:   150,
		TimeoutPolicy:     TimeoutDespawn,
		MaxPacketBytes:    1200,
		ExportBufferBytes: 64 << 10,
	}
}

// TickInterval is the wall-clock length of one tick.
func (c AuthorityConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

func (c AuthorityConfig) Validate() error {
	switch {
	case c.TickRate <= 0 || c.TickRate > 0xFFFF:
		return fmt.Errorf("%w: tick rate %d", ErrInvalidConfig, c.TickRate)
	case c.AckTimeoutTicks <= 0:
		return fmt.Errorf("%w: ack timeout %d ticks", ErrInvalidConfig, c.AckTimeoutTicks)
	case !c.TimeoutPolicy.Valid():
		return fmt.Errorf("%w: timeout policy %q", ErrInvalidConfig, c.TimeoutPolicy)
	case c.MaxPacketBytes < 16:
		return fmt.Errorf("%w: max packet %d bytes", ErrInvalidConfig, c.MaxPacketBytes)
	case c.ExportBufferBytes < c.MaxPacketBytes:
		return fmt.Errorf("%w: export buffer smaller than a packet", ErrInvalidConfig)
	}
	return nil
}

type ReplicaConfig struct {
	Name     string
	TickRate int
	// Lookahead is how many ticks the predicted tick runs ahead of the
	// confirmed one.
	Lookahead int
	// RedundantInputs is the number of recent inputs bundled per packet.
	RedundantInputs         int
	InterpolationDelayTicks int
	MaxPacketBytes          int
}

func DefaultReplicaConfig() ReplicaConfig {
	return ReplicaConfig{
		TickRate:                30,
		Lookahead:               3,
		RedundantInputs:         4,
		InterpolationDelayTicks: 2,
		MaxPacketBytes:          64 << 10,
	}
}

func (c ReplicaConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

func (c ReplicaConfig) Validate() error {
	switch {
	case c.TickRate <= 0:
		return fmt.Errorf("%w: tick rate %d", ErrInvalidConfig, c.TickRate)
	case c.Lookahead < 0 || c.Lookahead >= 32:
		return fmt.Errorf("%w: lookahead %d", ErrInvalidConfig, c.Lookahead)
	case c.RedundantInputs < 1 || c.RedundantInputs > maxInputsPerPacket:
		return fmt.Errorf("%w: redundant inputs %d", ErrInvalidConfig, c.RedundantInputs)
	case c.InterpolationDelayTicks < 0:
		return fmt.Errorf("%w: interpolation delay %d", ErrInvalidConfig, c.InterpolationDelayTicks)
	case c.MaxPacketBytes < 64:
		return fmt.Errorf("%w: max packet %d bytes", ErrInvalidConfig, c.MaxPacketBytes)
	}
	return nil
}
