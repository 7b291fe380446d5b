package generic

import "sync"

// Pool is a typed wrapper over sync.Pool. An optional reset hook runs on
// every Get so callers always receive an object in its initial state.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

func NewPool[T any](generate func() T) *Pool[T] {
	return NewResetPool(generate, nil)
}

func NewResetPool[T any](generate func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
		reset: reset,
	}
}

// NewHotPool pre-populates the pool with hotSize objects.
func NewHotPool[T any](generate func() T, reset func(T), hotSize int) *Pool[T] {
	p := NewResetPool[T](generate, reset)
	for i := 0; i < hotSize; i++ {
		p.pool.Put(generate())
	}
	return p
}

func (p *Pool[T]) Get() T {
	value := p.pool.Get().(T)
	if p.reset != nil {
		p.reset(value)
	}
	return value
}

func (p *Pool[T]) Put(value T) {
	p.pool.Put(value)
}
