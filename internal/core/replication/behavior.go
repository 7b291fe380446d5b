package replication

import (
	"github.com/zeusync/replicore/internal/core/arraysync"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/schema"
)

// Behavior is the per-entity simulation supplied by the scene host. The
// same behavior runs on the authority and, for owned entities, on the
// predicting peer, so it must be deterministic given its inputs.
type Behavior interface {
	ApplyInput(e *Entity, tick models.Tick, input []byte)
	Simulate(e *Entity, tick models.Tick)
}

// InputSampler is implemented by behaviors that produce input on the
// owning peer.
type InputSampler interface {
	SampleInput(e *Entity, tick models.Tick) []byte
}

// CallHandler is implemented by behaviors that accept remote calls.
type CallHandler interface {
	HandleCall(e *Entity, fn *schema.Function, caller models.PeerSlot, args []Value)
}

// BehaviorFactory builds the behavior of a freshly spawned entity. A nil
// behavior leaves the entity passive.
type BehaviorFactory func(class *schema.Class) Behavior

// Hooks observe entity lifecycle and property changes. Any field may be nil.
type Hooks struct {
	OnSpawn       func(e *Entity)
	OnDespawn     func(e *Entity)
	OnChange      func(e *Entity, p *schema.Property, old, new Value)
	OnArrayChange func(e *Entity, p *schema.Property, change arraysync.Change)
}

func (h *Hooks) changed(e *Entity, p *schema.Property, old, new Value) {
	if h != nil && h.OnChange != nil && p.Notify {
		h.OnChange(e, p, old, new)
	}
}

func (h *Hooks) arrayChanged(e *Entity, p *schema.Property, change arraysync.Change) {
	if h != nil && h.OnArrayChange != nil && p.Notify && !change.Empty() {
		h.OnArrayChange(e, p, change)
	}
}

// Spawned fires the spawn hook.
func (h *Hooks) Spawned(e *Entity) {
	if h != nil && h.OnSpawn != nil {
		h.OnSpawn(e)
	}
}

// Despawned fires the despawn hook.
func (h *Hooks) Despawned(e *Entity) {
	if h != nil && h.OnDespawn != nil {
		h.OnDespawn(e)
	}
}
