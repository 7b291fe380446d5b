package models

import "fmt"

// EntityID is the authority-side global identifier of a replicated entity.
// Zero is reserved and never assigned.
type EntityID uint64

// InvalidEntity is the reserved zero id.
const InvalidEntity EntityID = 0

// LocalID is a compact per-peer entity address in the range 1..511.
type LocalID uint16

const (
	// InvalidLocal is returned when an address could not be assigned.
	InvalidLocal LocalID = 0
	// MaxLocalID is the largest address a peer can hold.
	MaxLocalID LocalID = 511
	// LocalIDSlots is the number of addressable slots, including the reserved zero.
	LocalIDSlots = 512
)

// PeerSlot is the bit position of a peer inside interest masks.
type PeerSlot uint8

// MaxPeers bounds the number of simultaneously connected peers to the width
// of an interest mask.
const MaxPeers = 64

// NoPeer marks an entity without an owning peer.
const NoPeer PeerSlot = 0xFF

// Bit returns the interest mask bit of the slot.
func (s PeerSlot) Bit() uint64 {
	if s >= MaxPeers {
		return 0
	}
	return 1 << s
}

// ChildSlot addresses the root (0) or one of its static children (1..n).
type ChildSlot uint8

// RootSlot addresses the root entity itself.
const RootSlot ChildSlot = 0

func (id EntityID) String() string {
	return fmt.Sprintf("entity#%d", uint64(id))
}
