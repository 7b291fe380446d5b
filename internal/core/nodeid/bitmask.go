// Package nodeid assigns compact per-peer entity addresses.
//
// A Bitmask is 512 bits split into 8 groups of 64. The same structure
// serves as an allocator of 9-bit ids and as the wire-level set of entities
// updated in a tick.
package nodeid

import (
	"math/bits"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/wire"
)

const (
	Groups        = 8
	BitsPerGroup  = 64
	Capacity      = Groups * BitsPerGroup
	maxEncodeSize = 1 + Groups*8
)

// Bitmask is a fixed 512-bit set.
type Bitmask struct {
	groups [Groups]uint64
}

func (m *Bitmask) Set(id models.LocalID) {
	if int(id) >= Capacity {
		return
	}
	m.groups[id>>6] |= 1 << (id & 63)
}

func (m *Bitmask) Clear(id models.LocalID) {
	if int(id) >= Capacity {
		return
	}
	m.groups[id>>6] &^= 1 << (id & 63)
}

func (m *Bitmask) Has(id models.LocalID) bool {
	if int(id) >= Capacity {
		return false
	}
	return m.groups[id>>6]&(1<<(id&63)) != 0
}

// Reset clears every bit.
func (m *Bitmask) Reset() {
	m.groups = [Groups]uint64{}
}

// Empty reports whether no bit is set.
func (m *Bitmask) Empty() bool {
	for _, g := range m.groups {
		if g != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (m *Bitmask) Count() int {
	n := 0
	for _, g := range m.groups {
		n += bits.OnesCount64(g)
	}
	return n
}

// ForEach visits set ids in ascending order until fn returns false.
func (m *Bitmask) ForEach(fn func(id models.LocalID) bool) {
	for gi, g := range m.groups {
		for g != 0 {
			bit := bits.TrailingZeros64(g)
			if !fn(models.LocalID(gi*BitsPerGroup + bit)) {
				return
			}
			g &= g - 1
		}
	}
}

// groupMask has bit i set when group i holds at least one id.
func (m *Bitmask) groupMask() uint8 {
	var mask uint8
	for i, g := range m.groups {
		if g != 0 {
			mask |= 1 << i
		}
	}
	return mask
}

// EncodedSize is the number of bytes Encode will write.
func (m *Bitmask) EncodedSize() int {
	return 1 + 8*bits.OnesCount8(m.groupMask())
}

// Encode writes a one-byte mask of non-empty groups followed by one uint64
// per present group, lowest group first.
func (m *Bitmask) Encode(b *wire.Buffer) {
	mask := m.groupMask()
	b.WriteU8(mask)
	for i, g := range m.groups {
		if mask&(1<<i) != 0 {
			b.WriteU64(g)
		}
	}
}

// Decode replaces the set with the one read from b. A group flagged as
// present but encoded empty is corrupt.
func (m *Bitmask) Decode(b *wire.Buffer) error {
	m.Reset()
	mask := b.ReadU8()
	for i := 0; i < Groups; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		g := b.ReadU64()
		if err := b.Err(); err != nil {
			return err
		}
		if g == 0 {
			b.Fail(wire.ErrCorrupt)
			return wire.ErrCorrupt
		}
		m.groups[i] = g
	}
	return b.Err()
}
