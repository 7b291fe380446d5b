// Package persist saves and restores authority worlds. A world is captured
// as msgpack documents, one per live entity, and stored lz4-compressed.
package persist

import (
	"fmt"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/orchestrator"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
	"github.com/zeusync/replicore/internal/core/wire"
)

const formatVersion = 1

// World is a point-in-time copy of every live entity. Owners are not kept
// since sessions do not survive a restart.
type World struct {
	Version     int        `msgpack:"version"`
	Fingerprint uint64     `msgpack:"fingerprint"`
	Tick        int32      `msgpack:"tick"`
	Entities    []Document `msgpack:"entities"`
}

// Document is one entity with its static children.
type Document struct {
	ID        uint64 `msgpack:"id"`
	Class     string `msgpack:"class"`
	Parent    uint64 `msgpack:"parent,omitempty"`
	WorldRoot bool   `msgpack:"world_root,omitempty"`
	// Interest is only stored when it was set explicitly.
	Interest       uint64 `msgpack:"interest,omitempty"`
	PinnedInterest bool   `msgpack:"pinned_interest,omitempty"`
	Nodes          []Node `msgpack:"nodes"`
}

// Node holds the properties of the root (slot 0) or one static child.
// Arrays are kept in their binary Save form.
type Node struct {
	Slot   uint8             `msgpack:"slot"`
	Values map[string]any    `msgpack:"values"`
	Arrays map[string][]byte `msgpack:"arrays,omitempty"`
}

// Capture copies the authority's live entities in spawn order, so parents
// always precede their dynamic children.
func Capture(a *orchestrator.Authority) (*World, error) {
	w := &World{
		Version:     formatVersion,
		Fingerprint: a.Registry().Fingerprint(),
		Tick:        int32(a.Tick()),
	}
	var err error
	a.Entities(func(e *replication.Entity) bool {
		var d Document
		if d, err = capture(e); err != nil {
			return false
		}
		w.Entities = append(w.Entities, d)
		return true
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func capture(e *replication.Entity) (Document, error) {
	d := Document{
		ID:        uint64(e.ID()),
		Class:     e.Class().Name,
		Parent:    uint64(e.Parent()),
		WorldRoot: e.WorldRoot(),
	}
	if e.InterestPinned() {
		d.Interest = e.Interest()
		d.PinnedInterest = true
	}
	for _, n := range e.Nodes() {
		node := Node{Slot: uint8(n.Slot()), Values: make(map[string]any)}
		for _, p := range n.Class().Properties {
			if p.Kind != schema.KindArray {
				node.Values[p.Name] = n.Get(int(p.Index)).Interface()
				continue
			}
			arr, err := n.Array(int(p.Index))
			if err != nil {
				return d, err
			}
			b := wire.NewBuffer(4 + arr.ElemSize()*arr.Cap())
			arr.Save(b)
			if node.Arrays == nil {
				node.Arrays = make(map[string][]byte)
			}
			node.Arrays[p.Name] = append([]byte(nil), b.Bytes()...)
		}
		d.Nodes = append(d.Nodes, node)
	}
	return d, nil
}

// Restore spawns every saved entity under its original id. The authority
// should hold no entities with colliding ids.
func Restore(a *orchestrator.Authority, w *World) ([]*replication.Entity, error) {
	if w.Version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, w.Version)
	}
	if w.Fingerprint != a.Registry().Fingerprint() {
		return nil, fmt.Errorf("%w: %#x, registry has %#x", ErrSchemaMismatch, w.Fingerprint, a.Registry().Fingerprint())
	}
	out := make([]*replication.Entity, 0, len(w.Entities))
	for _, d := range w.Entities {
		opts := []orchestrator.SpawnOption{orchestrator.WithID(models.EntityID(d.ID))}
		if d.Parent != 0 {
			opts = append(opts, orchestrator.WithParent(models.EntityID(d.Parent)))
		}
		if d.PinnedInterest {
			opts = append(opts, orchestrator.WithInterest(d.Interest))
		}
		if d.WorldRoot {
			opts = append(opts, orchestrator.AsWorldRoot())
		}
		e, err := a.Spawn(d.Class, opts...)
		if err != nil {
			return out, fmt.Errorf("restore %d: %w", d.ID, err)
		}
		out = append(out, e)
		if err := load(e, d); err != nil {
			return out, fmt.Errorf("restore %s: %w", e.ID(), err)
		}
	}
	return out, nil
}

func load(e *replication.Entity, d Document) error {
	for _, node := range d.Nodes {
		n := e.Child(models.ChildSlot(node.Slot))
		if n == nil {
			return fmt.Errorf("%w: %d of %s", ErrUnknownChildSlot, node.Slot, d.Class)
		}
		if err := n.LoadScalars(node.Values); err != nil {
			return err
		}
		for name, raw := range node.Arrays {
			arr, err := n.ArrayByName(name)
			if err != nil {
				return err
			}
			if err := arr.Restore(wire.Wrap(raw)); err != nil {
				return fmt.Errorf("%s.%s: %w", n.Class().Name, name, err)
			}
		}
	}
	return nil
}
