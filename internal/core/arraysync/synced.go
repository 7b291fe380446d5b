package arraysync

import (
	"fmt"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/wire"
)

// Synced is the element-agnostic view of an Array held by entities.
type Synced interface {
	Len() int
	Cap() int
	ElemSize() int
	SetOnDirty(fn func())

	Attach(peer int)
	Detach(peer int)
	NeedsExport(peer int) bool
	Export(peer int, tick models.Tick, budget int, b *wire.Buffer) (bool, error)
	Ack(peer int, tick models.Tick)
	Apply(b *wire.Buffer) (Change, error)

	// Save writes the live contents as length + elements.
	Save(b *wire.Buffer)
	// Restore replaces the contents from a Save payload.
	Restore(b *wire.Buffer) error
	// Dump returns a copy of the live elements as a typed slice.
	Dump() any
}

var _ Synced = (*Array[int32])(nil)

func (a *Array[T]) Save(b *wire.Buffer) {
	b.WriteI32(int32(a.length))
	for i := 0; i < a.length; i++ {
		a.codec.Write(b, a.items[i])
	}
}

func (a *Array[T]) Restore(b *wire.Buffer) error {
	n := int(b.ReadI32())
	if b.Err() != nil {
		return b.Err()
	}
	if n < 0 || n > len(a.items) {
		return fmt.Errorf("%w: length %d of %d", ErrCorruptHeader, n, len(a.items))
	}
	values := make([]T, n)
	for i := range values {
		values[i] = a.codec.Read(b)
	}
	if b.Err() != nil {
		return b.Err()
	}
	return a.Load(values)
}

func (a *Array[T]) Dump() any { return a.Values() }
