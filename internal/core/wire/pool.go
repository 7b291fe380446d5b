package wire

import "github.com/zeusync/replicore/pkg/generic"

// BufferPool hands out fixed-capacity buffers. Buffers are reset, not
// cleared, when taken from the pool.
type BufferPool struct {
	capacity int
	pool     *generic.Pool[*Buffer]
}

func NewBufferPool(capacity int) *BufferPool {
	return &BufferPool{
		capacity: capacity,
		pool: generic.NewResetPool(
			func() *Buffer { return NewBuffer(capacity) },
			func(b *Buffer) { b.Reset() },
		),
	}
}

// Capacity is the size of every buffer in the pool.
func (p *BufferPool) Capacity() int { return p.capacity }

func (p *BufferPool) Get() *Buffer { return p.pool.Get() }

// Put returns b to the pool. Buffers of a foreign capacity are dropped.
func (p *BufferPool) Put(b *Buffer) {
	if b == nil || b.Cap() != p.capacity {
		return
	}
	p.pool.Put(b)
}
