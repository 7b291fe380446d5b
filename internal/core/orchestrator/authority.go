package orchestrator

import (
	"fmt"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"
	"github.com/zeusync/replicore/internal/core/arraysync"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
	"github.com/zeusync/replicore/internal/core/wire"
)

// Downlink hands authority packets to the transport. data is only valid
// for the duration of the call.
type Downlink interface {
	Send(slot models.PeerSlot, ch protocol.Channel, data []byte)
}

// DownlinkFunc adapts a function to Downlink.
type DownlinkFunc func(slot models.PeerSlot, ch protocol.Channel, data []byte)

func (f DownlinkFunc) Send(slot models.PeerSlot, ch protocol.Channel, data []byte) {
	f(slot, ch, data)
}

type AuthorityStats struct {
	Ticks       uint64
	PacketsOut  uint64
	BytesOut    uint64
	Deferred    uint64
	TimedOut    uint64
	Disconnects uint64

	DroppedInputs uint64
	DroppedCalls  uint64
	DecodeErrors  uint64
}

type pendingCall struct {
	caller models.PeerSlot
	target models.EntityID
	fn     *schema.Function
	args   []replication.Value
}

// Authority owns the simulation and every peer session.
type Authority struct {
	cfg      AuthorityConfig
	registry *schema.Registry
	downlink Downlink
	logger   log.Log

	factory      replication.BehaviorFactory
	hooks        *replication.Hooks
	onJoin       func(s *Session)
	onDisconnect func(s *Session, reason string)

	tick   models.Tick
	nextID models.EntityID

	live       *orderedmap.OrderedMap[models.EntityID, *replication.Entity]
	entities   map[models.EntityID]*replication.Entity
	pendingAdd []*replication.Entity
	iterating  bool

	despawned    map[models.EntityID]struct{}
	despawnQueue []models.EntityID

	sessions [models.MaxPeers]*Session
	byID     map[string]*Session

	inCalls  []pendingCall
	outCalls []pendingCall

	scratch *wire.Buffer
	pool    *wire.BufferPool
	sers    []uint8
	frames  []inputFrame

	stats AuthorityStats
}

func NewAuthority(cfg AuthorityConfig, registry *schema.Registry, downlink Downlink, logger log.Log) (*Authority, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !registry.Frozen() {
		return nil, ErrRegistryNotFrozen
	}
	if err := checkBudgets(registry, cfg.ExportBufferBytes); err != nil {
		return nil, err
	}
	return &Authority{
		cfg:       cfg,
		registry:  registry,
		downlink:  downlink,
		logger:    logger.With(log.String("component", "authority")),
		nextID:    1,
		live:      orderedmap.NewOrderedMap[models.EntityID, *replication.Entity](),
		entities:  make(map[models.EntityID]*replication.Entity),
		despawned: make(map[models.EntityID]struct{}),
		byID:      make(map[string]*Session),
		scratch:   wire.NewBuffer(cfg.ExportBufferBytes),
		pool:      wire.NewBufferPool(cfg.ExportBufferBytes + packetOverhead),
	}, nil
}

// checkBudgets rejects array budgets that could not be exported even into
// an empty buffer.
func checkBudgets(registry *schema.Registry, size int) error {
	for _, c := range registry.Classes() {
		for _, p := range c.Properties {
			if p.Kind != schema.KindArray {
				continue
			}
			need := replication.SpawnHeaderSize + 1 + 8 + arraysync.MaxExportSize(p.Budget, p.Elem.ElementSize()) + 1
			if need > size {
				return fmt.Errorf("%w: %s.%s budget %d exceeds export buffer of %d bytes",
					ErrInvalidConfig, c.Name, p.Name, p.Budget, size)
			}
		}
	}
	return nil
}

// SetFactory installs the behavior factory used by Spawn.
func (a *Authority) SetFactory(f replication.BehaviorFactory) { a.factory = f }

// SetHooks installs lifecycle hooks on every entity spawned afterwards.
func (a *Authority) SetHooks(h *replication.Hooks) { a.hooks = h }

// OnJoin registers a callback fired once a peer's handshake is accepted.
func (a *Authority) OnJoin(fn func(s *Session)) { a.onJoin = fn }

// OnDisconnect registers a callback fired after a session ends.
func (a *Authority) OnDisconnect(fn func(s *Session, reason string)) { a.onDisconnect = fn }

func (a *Authority) Config() AuthorityConfig     { return a.cfg }
func (a *Authority) Registry() *schema.Registry { return a.registry }
func (a *Authority) Tick() models.Tick          { return a.tick }
func (a *Authority) Stats() AuthorityStats      { return a.stats }

type spawnOptions struct {
	id          models.EntityID
	owner       models.PeerSlot
	parent      models.EntityID
	interest    uint64
	hasInterest bool
	behavior    replication.Behavior
	worldRoot   bool
}

type SpawnOption func(*spawnOptions)

// WithOwner gives a peer input authority over the entity.
func WithOwner(slot models.PeerSlot) SpawnOption {
	return func(o *spawnOptions) { o.owner = slot }
}

// WithParent attaches the entity as a dynamic child. It inherits the
// parent's interest mask unless WithInterest overrides it.
func WithParent(id models.EntityID) SpawnOption {
	return func(o *spawnOptions) { o.parent = id }
}

func WithInterest(mask uint64) SpawnOption {
	return func(o *spawnOptions) {
		o.interest = mask
		o.hasInterest = true
	}
}

// WithBehavior overrides the factory for the root node.
func WithBehavior(b replication.Behavior) SpawnOption {
	return func(o *spawnOptions) { o.behavior = b }
}

// WithID spawns under a fixed global id, used when restoring a saved
// world. Later automatic ids continue above the highest fixed one.
func WithID(id models.EntityID) SpawnOption {
	return func(o *spawnOptions) { o.id = id }
}

// AsWorldRoot makes the entity visible to every peer regardless of interest.
func AsWorldRoot() SpawnOption {
	return func(o *spawnOptions) { o.worldRoot = true }
}

// Spawn creates an entity of a registered class. During Step the entity
// joins the live set after the current simulation pass.
func (a *Authority) Spawn(className string, opts ...SpawnOption) (*replication.Entity, error) {
	class, ok := a.registry.Class(className)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownClass, className)
	}
	o := spawnOptions{owner: models.NoPeer}
	for _, opt := range opts {
		opt(&o)
	}

	var parent *replication.Entity
	if o.parent != models.InvalidEntity {
		parent = a.entities[o.parent]
		if parent == nil {
			return nil, fmt.Errorf("%w: parent %s", ErrUnknownEntity, o.parent)
		}
		if _, dead := a.despawned[o.parent]; dead {
			return nil, fmt.Errorf("%w: parent %s", ErrDespawned, o.parent)
		}
	}
	if o.owner != models.NoPeer && a.session(o.owner) == nil {
		return nil, fmt.Errorf("%w: slot %d", ErrUnknownPeer, o.owner)
	}

	id := o.id
	if id == models.InvalidEntity {
		id = a.nextID
		a.nextID++
	} else {
		if _, taken := a.entities[id]; taken {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEntity, id)
		}
		if id >= a.nextID {
			a.nextID = id + 1
		}
	}
	e := replication.NewEntity(class, id)
	for _, n := range e.Nodes() {
		if a.factory != nil {
			n.SetBehavior(a.factory(n.Class()))
		}
	}
	if o.behavior != nil {
		e.SetBehavior(o.behavior)
	}
	e.SetHooks(a.hooks)
	e.SetWorldRoot(o.worldRoot)
	if parent != nil {
		e.SetParent(parent.ID())
		parent.AddDynamicChild(id)
		e.InheritInterest(parent.Interest())
	}
	if o.hasInterest {
		e.PinInterest(o.interest)
	}
	if o.owner != models.NoPeer {
		e.SetOwner(o.owner)
		a.session(o.owner).owned[id] = struct{}{}
	}

	a.entities[id] = e
	if a.iterating {
		a.pendingAdd = append(a.pendingAdd, e)
	} else {
		a.live.Set(id, e)
	}
	a.hooks.Spawned(e)
	return e, nil
}

// Entity returns a spawned entity that has not been despawned.
func (a *Authority) Entity(id models.EntityID) (*replication.Entity, bool) {
	e, ok := a.entities[id]
	if !ok {
		return nil, false
	}
	if _, dead := a.despawned[id]; dead {
		return nil, false
	}
	return e, true
}

// Entities visits live entities in spawn order until fn returns false.
func (a *Authority) Entities(fn func(e *replication.Entity) bool) {
	for el := a.live.Front(); el != nil; el = el.Next() {
		if _, dead := a.despawned[el.Key]; dead {
			continue
		}
		if !fn(el.Value) {
			return
		}
	}
}

// Despawn removes an entity and its dynamic children from every peer. The
// entity stops simulating at once but is only finalized after every
// connected peer acknowledged the removal.
func (a *Authority) Despawn(id models.EntityID) error {
	e, ok := a.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if _, dead := a.despawned[id]; dead {
		return nil
	}
	for _, child := range e.DynamicChildren() {
		if err := a.Despawn(child); err != nil {
			return err
		}
	}
	a.despawned[id] = struct{}{}
	a.despawnQueue = append(a.despawnQueue, id)
	e.SetEnabled(false)
	if parent := a.entities[e.Parent()]; parent != nil {
		parent.RemoveDynamicChild(id)
	}
	if s := a.session(e.Owner()); s != nil {
		delete(s.owned, id)
	}
	return nil
}

// SetOwner moves input authority to another peer, or clears it with
// models.NoPeer. Both the old and the new owner receive a fresh spawn
// carrying the owned flag.
func (a *Authority) SetOwner(id models.EntityID, slot models.PeerSlot) error {
	e, ok := a.Entity(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if slot != models.NoPeer && a.session(slot) == nil {
		return fmt.Errorf("%w: slot %d", ErrUnknownPeer, slot)
	}
	old := e.Owner()
	if old == slot {
		return nil
	}
	if s := a.session(old); s != nil {
		delete(s.owned, id)
	}
	e.SetOwner(slot)
	for _, n := range e.Nodes() {
		n.Inputs().Reset()
	}
	if s := a.session(slot); s != nil {
		s.owned[id] = struct{}{}
	}
	for _, s := range []*Session{a.session(old), a.session(slot)} {
		if s == nil {
			continue
		}
		if l, ok := s.links[id]; ok && (l.state == models.Spawning || l.state == models.Spawned) {
			s.respawn(l)
		}
	}
	return nil
}

// SetInterest pins an entity's peer mask and hands it down to dynamic
// children that did not pin their own.
func (a *Authority) SetInterest(id models.EntityID, mask uint64) error {
	e, ok := a.Entity(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	e.PinInterest(mask)
	a.inheritInterest(e)
	return nil
}

func (a *Authority) inheritInterest(e *replication.Entity) {
	for _, id := range e.DynamicChildren() {
		child := a.entities[id]
		if child == nil || child.InterestPinned() {
			continue
		}
		child.InheritInterest(e.Interest())
		a.inheritInterest(child)
	}
}

// SetLayers changes a peer's interest layers. Properties that become
// visible are queued for every entity the peer holds.
func (a *Authority) SetLayers(slot models.PeerSlot, layers uint64) error {
	s := a.session(slot)
	if s == nil {
		return fmt.Errorf("%w: slot %d", ErrUnknownPeer, slot)
	}
	s.Layers = layers
	for _, l := range s.links {
		if l.state == models.Despawning {
			continue
		}
		for i, n := range l.entity.Nodes() {
			l.pending[i] |= n.Class().VisibleMask(layers, l.owned) &^ n.Class().ArrayMask
		}
	}
	return nil
}

func (a *Authority) session(slot models.PeerSlot) *Session {
	if slot >= models.MaxPeers {
		return nil
	}
	return a.sessions[slot]
}

// Session returns the session in a peer slot.
func (a *Authority) Session(slot models.PeerSlot) (*Session, bool) {
	s := a.session(slot)
	return s, s != nil
}

func (a *Authority) SessionByID(id string) (*Session, bool) {
	s, ok := a.byID[id]
	return s, ok
}

// Sessions returns the connected sessions in slot order.
func (a *Authority) Sessions() []*Session {
	out := make([]*Session, 0, len(a.byID))
	for _, s := range a.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Connect opens a session in the lowest free slot. An empty peerID gets a
// random one. The session receives nothing until the peer joins.
func (a *Authority) Connect(peerID string) (*Session, error) {
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if s, ok := a.byID[peerID]; ok {
		return s, nil
	}
	for i, s := range a.sessions {
		if s != nil {
			continue
		}
		slot := models.PeerSlot(i)
		s = newSession(peerID, slot, a.tick, a.logger.With(
			log.String("peer", peerID),
			log.Uint8("slot", uint8(slot)),
		))
		a.sessions[i] = s
		a.byID[peerID] = s
		s.logger.Debug("Peer connected")
		return s, nil
	}
	return nil, ErrServerFull
}

// Disconnect ends a session and applies the timeout policy to the
// entities it owned.
func (a *Authority) Disconnect(slot models.PeerSlot, reason string) error {
	s := a.session(slot)
	if s == nil {
		return fmt.Errorf("%w: slot %d", ErrUnknownPeer, slot)
	}
	s.Status = models.StatusDisconnected
	a.sessions[slot] = nil
	delete(a.byID, s.ID)
	s.dropAll()

	for id := range s.owned {
		e, ok := a.Entity(id)
		if !ok {
			continue
		}
		e.SetOwner(models.NoPeer)
		for _, n := range e.Nodes() {
			n.Inputs().Reset()
		}
		if a.cfg.TimeoutPolicy == TimeoutDespawn {
			_ = a.Despawn(id)
		}
	}
	s.owned = map[models.EntityID]struct{}{}

	a.stats.Disconnects++
	s.logger.Info("Peer disconnected",
		log.String("reason", reason),
		log.Int32("tick", int32(a.tick)),
		log.String("policy", string(a.cfg.TimeoutPolicy)),
	)
	if a.onDisconnect != nil {
		a.onDisconnect(s, reason)
	}
	return nil
}

// Call queues an authority-to-peer remote call. It is sent reliably during
// the next Step to every peer that holds the entity.
func (a *Authority) Call(id models.EntityID, function string, args ...replication.Value) error {
	e, ok := a.Entity(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	fn, ok := e.Class().Function(function)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownFunction, e.Class().Name, function)
	}
	if fn.Permission != schema.PermAuthority {
		return fmt.Errorf("%w: %s.%s runs on the authority", ErrPermissionDenied, e.Class().Name, function)
	}
	b := a.pool.Get()
	defer a.pool.Put(b)
	if err := replication.WriteArgs(b, fn, args); err != nil {
		return err
	}
	a.outCalls = append(a.outCalls, pendingCall{
		caller: models.NoPeer,
		target: id,
		fn:     fn,
		args:   append([]replication.Value(nil), args...),
	})
	return nil
}

// Step advances the authority by one tick.
func (a *Authority) Step() {
	a.tick++
	a.checkTimeouts()
	a.simulate()
	a.foldDirty()
	for _, s := range a.sessions {
		if s != nil && s.Status == models.StatusInWorld {
			a.export(s)
		}
	}
	a.drainCalls()
	a.finalizeDespawns()
	a.stats.Ticks++
}

func (a *Authority) checkTimeouts() {
	limit := models.Tick(a.cfg.AckTimeoutTicks)
	for _, s := range a.sessions {
		if s == nil || a.tick-s.LastAckTick <= limit {
			continue
		}
		a.stats.TimedOut++
		s.logger.Warn("Peer ack timed out",
			log.Int32("tick", int32(a.tick)),
			log.Int32("last_ack", int32(s.LastAckTick)),
		)
		_ = a.Disconnect(s.Slot, "ack timeout")
	}
}

func (a *Authority) simulate() {
	a.iterating = true
	for el := a.live.Front(); el != nil; el = el.Next() {
		e := el.Value
		if !e.Enabled() {
			continue
		}
		owned := e.Owner() != models.NoPeer
		for _, n := range e.Nodes() {
			b := n.Behavior()
			if b == nil {
				continue
			}
			if owned {
				if input, ok := n.Inputs().Get(a.tick); ok {
					b.ApplyInput(n, a.tick, input)
				}
			}
			b.Simulate(n, a.tick)
		}
	}
	a.iterating = false

	for _, e := range a.pendingAdd {
		a.live.Set(e.ID(), e)
	}
	clear(a.pendingAdd)
	a.pendingAdd = a.pendingAdd[:0]
}

// foldDirty moves this tick's writes into every peer's pending masks.
func (a *Authority) foldDirty() {
	for el := a.live.Front(); el != nil; el = el.Next() {
		e := el.Value
		if !e.HasDirty() {
			continue
		}
		e.DirtySlots(func(n *replication.Entity) {
			dirty := n.TakeDirty() &^ n.Class().ArrayMask
			if dirty == 0 {
				return
			}
			for _, s := range a.sessions {
				if s == nil {
					continue
				}
				l, ok := s.links[e.ID()]
				if !ok || l.state == models.Despawning {
					continue
				}
				l.pending[n.Slot()] |= dirty
			}
		})
	}
}

func (a *Authority) finalizeDespawns() {
	kept := a.despawnQueue[:0]
	for _, id := range a.despawnQueue {
		if a.linked(id) {
			kept = append(kept, id)
			continue
		}
		e := a.entities[id]
		delete(a.entities, id)
		delete(a.despawned, id)
		a.live.Delete(id)
		a.hooks.Despawned(e)
	}
	a.despawnQueue = kept
}

func (a *Authority) linked(id models.EntityID) bool {
	for _, s := range a.sessions {
		if s == nil {
			continue
		}
		if _, ok := s.links[id]; ok {
			return true
		}
	}
	return false
}
