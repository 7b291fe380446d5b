package replication

import (
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/zeusync/replicore/internal/core/arraysync"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/schema"
)

// AllPeers is the default interest mask of a new entity.
const AllPeers = ^uint64(0)

// Entity is one replicated object. Static children are created with their
// root and addressed by slot; dynamic children and the parent are kept as
// ids and resolved through the owning world's table.
type Entity struct {
	id    models.EntityID
	local models.LocalID
	class *schema.Class

	root     *Entity
	slot     models.ChildSlot
	children []*Entity
	parent   models.EntityID
	dynamic  map[models.EntityID]struct{}

	values  []Value
	arrays  []arraysync.Synced
	dirty   uint64
	seq     uint64
	propSeq []uint64
	// dirtySlots is kept on roots only.
	dirtySlots slotSet

	interest       uint64
	interestPinned bool
	worldRoot      bool
	owner          models.PeerSlot
	enabled        bool

	behavior Behavior
	hooks    *Hooks

	inputs      InputBuffer
	predictions PredictionBuffer
	snapshots   SnapshotRing

	// confirmed holds the last authoritative scalars of a predicted entity.
	confirmed    []Value
	hasConfirmed bool
}

// NewEntity creates an entity and its static children with zeroed values.
// The registry the class came from must be frozen.
func NewEntity(class *schema.Class, id models.EntityID) *Entity {
	e := newNode(class, id, nil, models.RootSlot)
	for i, childClass := range class.Children {
		e.children = append(e.children, newNode(childClass, id, e, models.ChildSlot(i+1)))
	}
	return e
}

func newNode(class *schema.Class, id models.EntityID, root *Entity, slot models.ChildSlot) *Entity {
	e := &Entity{
		id:       id,
		class:    class,
		root:     root,
		slot:     slot,
		values:   make([]Value, len(class.Properties)),
		arrays:   make([]arraysync.Synced, len(class.Properties)),
		propSeq:  make([]uint64, len(class.Properties)),
		interest: AllPeers,
		owner:    models.NoPeer,
		enabled:  true,
	}
	for _, p := range class.Properties {
		if p.Kind == schema.KindArray {
			arr := newArray(p)
			prop := p
			arr.SetOnDirty(func() { e.touch(prop) })
			e.arrays[p.Index] = arr
			continue
		}
		e.values[p.Index] = Zero(p.Kind)
	}
	return e
}

func newArray(p *schema.Property) arraysync.Synced {
	switch p.Elem {
	case schema.KindBool:
		return arraysync.New[bool](arraysync.BoolCodec{}, p.Capacity)
	case schema.KindUint8:
		return arraysync.New[uint8](arraysync.Uint8Codec{}, p.Capacity)
	case schema.KindFloat32:
		return arraysync.New[float32](arraysync.Float32Codec{}, p.Capacity)
	case schema.KindVec3:
		return arraysync.New[mgl32.Vec3](arraysync.Vec3Codec{}, p.Capacity)
	case schema.KindVec3Half:
		return arraysync.New[mgl32.Vec3](arraysync.Vec3HalfCodec{}, p.Capacity)
	default:
		return arraysync.New[int32](arraysync.Int32Codec{}, p.Capacity)
	}
}

func (e *Entity) ID() models.EntityID        { return e.id }
func (e *Entity) Local() models.LocalID      { return e.local }
func (e *Entity) SetLocal(id models.LocalID) { e.local = id }
func (e *Entity) Class() *schema.Class       { return e.class }
func (e *Entity) Slot() models.ChildSlot     { return e.slot }
func (e *Entity) IsRoot() bool               { return e.root == nil }

// Root returns the entity owning the serializer context.
func (e *Entity) Root() *Entity {
	if e.root == nil {
		return e
	}
	return e.root
}

// Children returns the static children in slot order.
func (e *Entity) Children() []*Entity { return e.children }

// Child resolves a slot: 0 is the entity itself, k is static child k.
func (e *Entity) Child(slot models.ChildSlot) *Entity {
	if slot == models.RootSlot {
		return e
	}
	i := int(slot) - 1
	if i >= len(e.children) {
		return nil
	}
	return e.children[i]
}

// Nodes returns the root followed by its static children.
func (e *Entity) Nodes() []*Entity {
	out := make([]*Entity, 0, 1+len(e.children))
	out = append(out, e)
	return append(out, e.children...)
}

func (e *Entity) Parent() models.EntityID      { return e.parent }
func (e *Entity) SetParent(id models.EntityID) { e.parent = id }

func (e *Entity) AddDynamicChild(id models.EntityID) {
	if e.dynamic == nil {
		e.dynamic = make(map[models.EntityID]struct{})
	}
	e.dynamic[id] = struct{}{}
}

func (e *Entity) RemoveDynamicChild(id models.EntityID) { delete(e.dynamic, id) }

// DynamicChildren returns the dynamic child ids in ascending order.
func (e *Entity) DynamicChildren() []models.EntityID {
	out := make([]models.EntityID, 0, len(e.dynamic))
	for id := range e.dynamic {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Entity) Owner() models.PeerSlot { return e.owner }

// SetOwner changes the owning peer of the entity and its static children.
func (e *Entity) SetOwner(slot models.PeerSlot) {
	for _, n := range e.Nodes() {
		n.owner = slot
	}
}

func (e *Entity) OwnedBy(slot models.PeerSlot) bool {
	return slot != models.NoPeer && e.owner == slot
}

func (e *Entity) Enabled() bool          { return e.enabled }
func (e *Entity) SetEnabled(on bool)     { e.enabled = on }
func (e *Entity) Behavior() Behavior     { return e.behavior }
func (e *Entity) SetBehavior(b Behavior) { e.behavior = b }

// SetHooks installs hooks on the entity and its static children.
func (e *Entity) SetHooks(h *Hooks) {
	for _, n := range e.Nodes() {
		n.hooks = h
	}
}

func (e *Entity) Inputs() *InputBuffer           { return &e.inputs }
func (e *Entity) Predictions() *PredictionBuffer { return &e.predictions }
func (e *Entity) Snapshots() *SnapshotRing       { return &e.snapshots }

// WorldRoot marks an entity that every peer always receives.
func (e *Entity) WorldRoot() bool      { return e.worldRoot }
func (e *Entity) SetWorldRoot(on bool) { e.worldRoot = on }
func (e *Entity) Interest() uint64     { return e.interest }
func (e *Entity) InterestPinned() bool { return e.interestPinned }

// SetInterest assigns the peer mask and propagates it to static children
// that have not pinned their own.
func (e *Entity) SetInterest(mask uint64) {
	e.interest = mask
	for _, c := range e.children {
		if !c.interestPinned {
			c.interest = mask
		}
	}
}

// InheritInterest copies a parent's mask unless this entity pinned its own.
func (e *Entity) InheritInterest(mask uint64) {
	if !e.interestPinned {
		e.SetInterest(mask)
	}
}

// PinInterest overrides the inherited mask.
func (e *Entity) PinInterest(mask uint64) {
	e.interestPinned = true
	e.SetInterest(mask)
}

// InterestedIn reports whether a peer in slot with the given layers should
// see the entity. World roots bypass every gate.
func (e *Entity) InterestedIn(slot models.PeerSlot, layers uint64) bool {
	if e.worldRoot {
		return true
	}
	return e.interest&slot.Bit() != 0 && e.class.Admits(layers)
}

func (e *Entity) property(idx int) (*schema.Property, error) {
	if idx < 0 || idx >= len(e.class.Properties) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrUnknownProperty, e.class.Name, idx)
	}
	return e.class.Properties[idx], nil
}

// Index resolves a property name.
func (e *Entity) Index(name string) (int, error) {
	p, ok := e.class.Property(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, e.class.Name, name)
	}
	return int(p.Index), nil
}

// Get returns the value of a scalar property, or the zero Value.
func (e *Entity) Get(idx int) Value {
	if idx < 0 || idx >= len(e.values) {
		return Value{}
	}
	return e.values[idx]
}

func (e *Entity) GetByName(name string) (Value, error) {
	idx, err := e.Index(name)
	if err != nil {
		return Value{}, err
	}
	return e.values[idx], nil
}

// Values exposes the value cache. Array slots hold the zero Value.
func (e *Entity) Values() []Value { return e.values }

// Set writes a scalar property and marks it dirty. Writing the current
// value is a no-op.
func (e *Entity) Set(idx int, v Value) error {
	p, err := e.property(idx)
	if err != nil {
		return err
	}
	if p.Kind == schema.KindArray {
		return fmt.Errorf("%w: %s.%s", ErrIsArray, e.class.Name, p.Name)
	}
	if v.kind != p.Kind {
		return fmt.Errorf("%w: %s.%s is %s, got %s", ErrKindMismatch, e.class.Name, p.Name, p.Kind, v.kind)
	}
	old := e.values[idx]
	if old.Equal(v) {
		return nil
	}
	e.values[idx] = v
	e.touch(p)
	e.hooks.changed(e, p, old, v)
	return nil
}

func (e *Entity) SetByName(name string, v Value) error {
	idx, err := e.Index(name)
	if err != nil {
		return err
	}
	return e.Set(idx, v)
}

// Array returns the synced array behind an array property.
func (e *Entity) Array(idx int) (arraysync.Synced, error) {
	p, err := e.property(idx)
	if err != nil {
		return nil, err
	}
	if p.Kind != schema.KindArray {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotArray, e.class.Name, p.Name)
	}
	return e.arrays[idx], nil
}

func (e *Entity) ArrayByName(name string) (arraysync.Synced, error) {
	idx, err := e.Index(name)
	if err != nil {
		return nil, err
	}
	return e.Array(idx)
}

// ArrayOf returns the typed array behind an array property.
func ArrayOf[T comparable](e *Entity, name string) (*arraysync.Array[T], error) {
	s, err := e.ArrayByName(name)
	if err != nil {
		return nil, err
	}
	arr, ok := s.(*arraysync.Array[T])
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s holds %T", ErrKindMismatch, e.class.Name, name, s)
	}
	return arr, nil
}

func (e *Entity) touch(p *schema.Property) {
	e.seq++
	e.propSeq[p.Index] = e.seq
	e.dirty |= p.Bit()
	e.Root().dirtySlots.set(e.slot)
}

// Dirty returns the properties written since the last TakeDirty.
func (e *Entity) Dirty() uint64 { return e.dirty }

// TakeDirty returns and clears the dirty mask.
func (e *Entity) TakeDirty() uint64 {
	d := e.dirty
	e.dirty = 0
	return d
}

// DirtySlots calls fn for every node of this root written since the last
// call, then forgets them.
func (e *Entity) DirtySlots(fn func(n *Entity)) {
	e.dirtySlots.drain(func(slot models.ChildSlot) {
		if n := e.Child(slot); n != nil {
			fn(n)
		}
	})
}

// HasDirty reports whether any node of this root was written.
func (e *Entity) HasDirty() bool { return !e.dirtySlots.empty() }

// Seq is the write counter of this node.
func (e *Entity) Seq() uint64 { return e.seq }

// PropSeq is the counter value of the last write to a property.
func (e *Entity) PropSeq(idx int) uint64 { return e.propSeq[idx] }

// apply stores a value decoded from the authority. It fires change hooks
// but leaves dirty tracking alone.
func (e *Entity) apply(p *schema.Property, v Value) {
	old := e.values[p.Index]
	e.values[p.Index] = v
	if !old.Equal(v) {
		e.hooks.changed(e, p, old, v)
	}
}

// Restore overwrites the given properties from a buffered value set
// without firing hooks.
func (e *Entity) Restore(values []Value, mask uint64) {
	for _, p := range e.class.Properties {
		if mask&p.Bit() != 0 && int(p.Index) < len(values) {
			e.values[p.Index] = values[p.Index]
		}
	}
}

// Interpolated returns the render value of a property at a fractional
// tick. Properties that are not interpolated return the latest snapshot
// value, or the live value when nothing was recorded.
func (e *Entity) Interpolated(idx int, renderTick float64) Value {
	p, err := e.property(idx)
	if err != nil || p.Kind == schema.KindArray {
		return Value{}
	}
	from, to, t, ok := e.snapshots.Bracket(renderTick)
	if !ok {
		return e.values[idx]
	}
	if !p.Interpolate {
		latest, _ := e.snapshots.Latest()
		return latest.Values[idx]
	}
	if p.InterpSpeed > 0 {
		t *= p.InterpSpeed
		if t > 1 {
			t = 1
		}
	}
	return Lerp(from.Values[idx], to.Values[idx], t)
}

// SaveConfirmed copies the current scalars into the confirmed buffer.
func (e *Entity) SaveConfirmed() {
	e.confirmed = append(e.confirmed[:0], e.values...)
	e.hasConfirmed = true
}

// LoadConfirmed overwrites the scalars with the confirmed buffer without
// firing hooks. It reports false when nothing was confirmed yet.
func (e *Entity) LoadConfirmed() bool {
	if !e.hasConfirmed {
		return false
	}
	copy(e.values, e.confirmed)
	return true
}

// ResetPrediction forgets confirmed values, predictions and inputs.
func (e *Entity) ResetPrediction() {
	e.confirmed = e.confirmed[:0]
	e.hasConfirmed = false
	e.predictions.Reset()
	e.inputs.Reset()
}

// Dump returns every property by name. Arrays appear as typed slices.
func (e *Entity) Dump() map[string]any {
	out := make(map[string]any, len(e.class.Properties))
	for _, p := range e.class.Properties {
		if p.Kind == schema.KindArray {
			out[p.Name] = e.arrays[p.Index].Dump()
			continue
		}
		out[p.Name] = e.values[p.Index].Interface()
	}
	return out
}

// LoadScalars restores scalar properties from a Dump-shaped map. Unknown
// names and array properties are skipped. Nothing is marked dirty.
func (e *Entity) LoadScalars(doc map[string]any) error {
	for name, raw := range doc {
		p, ok := e.class.Property(name)
		if !ok || p.Kind == schema.KindArray {
			continue
		}
		v, err := FromInterface(p.Kind, raw)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", e.class.Name, name, err)
		}
		e.values[p.Index] = v
	}
	return nil
}
