package orchestrator

import (
	"fmt"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/nodeid"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
	"github.com/zeusync/replicore/internal/core/wire"
)

// decode applies a state payload. The first error leaves the buffer
// position untrusted, so the rest of the packet is abandoned.
func (r *Replica) decode(b *wire.Buffer) error {
	r.created = r.created[:0]

	var mask nodeid.Bitmask
	if err := mask.Decode(b); err != nil {
		return err
	}
	if mask.Has(models.InvalidLocal) {
		return fmt.Errorf("%w: reserved local id in packet", replication.ErrCorrupt)
	}
	sers := b.ReadRaw(mask.Count())
	if err := b.Err(); err != nil {
		return err
	}

	var err error
	i := 0
	mask.ForEach(func(local models.LocalID) bool {
		err = r.importEntity(b, local, sers[i])
		i++
		return err == nil
	})
	if err != nil {
		return err
	}
	if b.Unread() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", replication.ErrCorrupt, b.Unread())
	}
	return nil
}

func (r *Replica) importEntity(b *wire.Buffer, local models.LocalID, ser uint8) error {
	if !replication.ValidSerializerMask(ser) {
		return fmt.Errorf("%w: serializer mask %#x for local %d", replication.ErrCorrupt, ser, local)
	}
	if ser&replication.SerDespawn != 0 {
		if ser != replication.SerDespawn {
			return fmt.Errorf("%w: despawn combined with %#x", replication.ErrCorrupt, ser)
		}
		r.remove(local)
		return nil
	}

	e := r.entities[local]
	if ser&replication.SerSpawn != 0 {
		h, err := replication.DecodeSpawnHeader(b)
		if err != nil {
			return err
		}
		class, ok := r.registry.ClassByID(h.ClassID)
		if !ok {
			return fmt.Errorf("%w: %w: id %d", replication.ErrCorrupt, schema.ErrUnknownClass, h.ClassID)
		}
		if e == nil || e.ID() != h.Global || e.Class() != class {
			r.remove(local)
			e = r.create(class, h.Global, local)
		}
		r.setOwned(e, h.Owned)
		e.SetParent(models.InvalidEntity)
		if h.Parent != models.InvalidLocal {
			if p := r.entities[h.Parent]; p != nil {
				e.SetParent(p.ID())
			}
		}
	}
	if e == nil {
		return fmt.Errorf("%w: properties for unknown local %d", replication.ErrCorrupt, local)
	}
	return replication.ReadSections(b, e)
}

func (r *Replica) create(class *schema.Class, id models.EntityID, local models.LocalID) *replication.Entity {
	e := replication.NewEntity(class, id)
	e.SetLocal(local)
	if r.factory != nil {
		for _, n := range e.Nodes() {
			n.SetBehavior(r.factory(n.Class()))
		}
	}
	e.SetHooks(r.hooks)
	r.entities[local] = e
	r.byGlobal[id] = e
	r.created = append(r.created, local)
	return e
}

func (r *Replica) remove(local models.LocalID) {
	e := r.entities[local]
	if e == nil {
		return
	}
	r.entities[local] = nil
	if r.byGlobal[e.ID()] == e {
		delete(r.byGlobal, e.ID())
	}
	r.stats.Despawns++
	r.hooks.Despawned(e)
}

// setOwned applies the owned flag of a spawn header. Gaining or losing
// ownership starts prediction from scratch.
func (r *Replica) setOwned(e *replication.Entity, owned bool) {
	if owned == r.owned(e) {
		return
	}
	if owned {
		e.SetOwner(r.slot)
	} else {
		e.SetOwner(models.NoPeer)
	}
	for _, n := range e.Nodes() {
		n.ResetPrediction()
	}
}
