package replication

import (
	"fmt"
	"math/bits"

	"github.com/zeusync/replicore/internal/core/arraysync"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/schema"
	"github.com/zeusync/replicore/internal/core/wire"
)

// Serializer bits of one entity in a tick packet.
const (
	SerSpawn      uint8 = 1 << 0
	SerProperties uint8 = 1 << 1
	SerDespawn    uint8 = 1 << 2

	serKnown = SerSpawn | SerProperties | SerDespawn
)

// SectionEnd terminates the property sections of an entity.
const SectionEnd = 0xFF

const spawnOwned = 1 << 0

// SpawnHeaderSize is class id + global id + parent + flags.
const SpawnHeaderSize = 2 + 8 + 2 + 1

// ValidSerializerMask rejects unknown bits and empty masks.
func ValidSerializerMask(m uint8) bool {
	return m != 0 && m&^serKnown == 0
}

// SpawnHeader precedes the first property section of a spawned entity.
type SpawnHeader struct {
	ClassID uint16
	Global  models.EntityID
	Parent  models.LocalID
	Owned   bool
}

func (h SpawnHeader) Encode(b *wire.Buffer) {
	b.WriteU16(h.ClassID)
	b.WriteU64(uint64(h.Global))
	b.WriteU16(uint16(h.Parent))
	var flags uint8
	if h.Owned {
		flags |= spawnOwned
	}
	b.WriteU8(flags)
}

func DecodeSpawnHeader(b *wire.Buffer) (SpawnHeader, error) {
	h := SpawnHeader{
		ClassID: b.ReadU16(),
		Global:  models.EntityID(b.ReadU64()),
		Parent:  models.LocalID(b.ReadU16()),
	}
	flags := b.ReadU8()
	if err := b.Err(); err != nil {
		return h, err
	}
	if h.Global == models.InvalidEntity || h.Parent > models.MaxLocalID {
		return h, fmt.Errorf("%w: spawn header %+v", ErrCorrupt, h)
	}
	h.Owned = flags&spawnOwned != 0
	return h, nil
}

// ExportMask narrows a requested mask to what can be written for a peer:
// array bits survive only while the array has something to send.
func ExportMask(e *Entity, mask uint64, peer int) uint64 {
	arrays := mask & e.class.ArrayMask
	for arrays != 0 {
		idx := bits.TrailingZeros64(arrays)
		arrays &= arrays - 1
		if !e.arrays[idx].NeedsExport(peer) {
			mask &^= 1 << idx
		}
	}
	return mask
}

// WriteSection writes one node's property section. Scalars are encoded
// from the value cache; arrays export their next payload for the peer
// within their declared budget.
func WriteSection(b *wire.Buffer, e *Entity, mask uint64, peer int, tick models.Tick) error {
	b.WriteU8(uint8(e.slot))
	b.WriteU64(mask)
	for m := mask; m != 0; m &= m - 1 {
		idx := bits.TrailingZeros64(m)
		p := e.class.Properties[idx]
		if p.Kind != schema.KindArray {
			e.values[idx].Encode(b)
			continue
		}
		if _, err := e.arrays[idx].Export(peer, tick, p.Budget, b); err != nil {
			return fmt.Errorf("%s.%s: %w", e.class.Name, p.Name, err)
		}
	}
	return nil
}

// SectionSize bounds what WriteSection writes for mask.
func SectionSize(e *Entity, mask uint64) int {
	n := 1 + 8
	for m := mask; m != 0; m &= m - 1 {
		idx := bits.TrailingZeros64(m)
		p := e.class.Properties[idx]
		if p.Kind == schema.KindArray {
			n += arraysync.MaxExportSize(p.Budget, e.arrays[idx].ElemSize())
			continue
		}
		n += e.values[idx].EncodedSize()
	}
	return n
}

// EndSections terminates an entity's property sections.
func EndSections(b *wire.Buffer) { b.WriteU8(SectionEnd) }

// ReadSections decodes property sections into root and its static
// children. The first error leaves the buffer position meaningless, so
// callers must stop reading the packet.
func ReadSections(b *wire.Buffer, root *Entity) error {
	for {
		slot := b.ReadU8()
		if err := b.Err(); err != nil {
			return err
		}
		if slot == SectionEnd {
			return nil
		}
		e := root.Child(models.ChildSlot(slot))
		if e == nil {
			return fmt.Errorf("%w: %w: slot %d of %s", ErrCorrupt, ErrUnknownSlot, slot, root.class.Name)
		}
		mask := b.ReadU64()
		if err := b.Err(); err != nil {
			return err
		}
		if mask&^e.class.AllMask != 0 {
			return fmt.Errorf("%w: mask %#x for %s", ErrCorrupt, mask, e.class.Name)
		}
		if err := readSection(b, e, mask); err != nil {
			return err
		}
	}
}

func readSection(b *wire.Buffer, e *Entity, mask uint64) error {
	for m := mask; m != 0; m &= m - 1 {
		idx := bits.TrailingZeros64(m)
		p := e.class.Properties[idx]
		if p.Kind == schema.KindArray {
			change, err := e.arrays[idx].Apply(b)
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %w", ErrCorrupt, e.class.Name, p.Name, err)
			}
			e.hooks.arrayChanged(e, p, change)
			continue
		}
		v := DecodeValue(p.Kind, b)
		if err := b.Err(); err != nil {
			return err
		}
		e.apply(p, v)
	}
	return nil
}

// WriteArgs encodes call arguments against a function signature.
func WriteArgs(b *wire.Buffer, fn *schema.Function, args []Value) error {
	if len(args) != len(fn.Args) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrKindMismatch, fn.Name, len(fn.Args), len(args))
	}
	for i, k := range fn.Args {
		if args[i].kind != k {
			return fmt.Errorf("%w: %s argument %d is %s, got %s", ErrKindMismatch, fn.Name, i, k, args[i].kind)
		}
	}
	for _, a := range args {
		a.Encode(b)
	}
	return nil
}

// ReadArgs decodes call arguments against a function signature.
func ReadArgs(b *wire.Buffer, fn *schema.Function) ([]Value, error) {
	args := make([]Value, len(fn.Args))
	for i, k := range fn.Args {
		args[i] = DecodeValue(k, b)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return args, nil
}
