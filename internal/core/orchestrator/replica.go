package orchestrator

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
	"github.com/zeusync/replicore/internal/core/wire"
)

// Uplink hands replica packets to the transport. data is only valid for
// the duration of the call.
type Uplink interface {
	Send(ch protocol.Channel, data []byte)
}

// UplinkFunc adapts a function to Uplink.
type UplinkFunc func(ch protocol.Channel, data []byte)

func (f UplinkFunc) Send(ch protocol.Channel, data []byte) { f(ch, data) }

type ReplicaStats struct {
	Imports      uint64
	StalePackets uint64
	DecodeErrors uint64

	Mispredictions uint64
	Resimulations  uint64
	// ResimulatedTicks counts every tick replayed during resimulation.
	ResimulatedTicks uint64

	Spawns     uint64
	Despawns   uint64
	InputsSent uint64
	AcksSent   uint64
	Calls      uint64
}

// CallFunc receives authority calls that no behavior handled.
type CallFunc func(e *replication.Entity, fn *schema.Function, args []replication.Value)

// Replica mirrors the authority's world on one peer.
type Replica struct {
	cfg      ReplicaConfig
	registry *schema.Registry
	uplink   Uplink
	logger   log.Log

	factory replication.BehaviorFactory
	hooks   *replication.Hooks
	onCall  CallFunc

	slot     models.PeerSlot
	joined   bool
	tickRate int

	entities [models.LocalIDSlots]*replication.Entity
	byGlobal map[models.EntityID]*replication.Entity
	created  []models.LocalID

	confirmed  models.Tick
	predicted  models.Tick
	lastImport time.Time

	pending     []byte
	pendingTick models.Tick
	hasPending  bool
	calls       [][]byte

	out    *wire.Buffer
	frames []inputFrame
	stats  ReplicaStats
}

func NewReplica(cfg ReplicaConfig, registry *schema.Registry, uplink Uplink, logger log.Log) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !registry.Frozen() {
		return nil, ErrRegistryNotFrozen
	}
	return &Replica{
		cfg:       cfg,
		registry:  registry,
		uplink:    uplink,
		logger:    logger.With(log.String("component", "replica")),
		slot:      models.NoPeer,
		tickRate:  cfg.TickRate,
		byGlobal:  make(map[models.EntityID]*replication.Entity),
		confirmed: models.NoTick,
		predicted: models.NoTick,
		out:       wire.NewBuffer(cfg.MaxPacketBytes),
	}, nil
}

func (r *Replica) SetFactory(f replication.BehaviorFactory) { r.factory = f }
func (r *Replica) SetHooks(h *replication.Hooks)           { r.hooks = h }
func (r *Replica) OnCall(fn CallFunc)                      { r.onCall = fn }

func (r *Replica) Slot() models.PeerSlot        { return r.slot }
func (r *Replica) Joined() bool                 { return r.joined }
func (r *Replica) ConfirmedTick() models.Tick   { return r.confirmed }
func (r *Replica) PredictedTick() models.Tick   { return r.predicted }
func (r *Replica) Stats() ReplicaStats          { return r.stats }
func (r *Replica) Registry() *schema.Registry   { return r.registry }

// TickInterval follows the rate announced by the authority.
func (r *Replica) TickInterval() time.Duration {
	return time.Second / time.Duration(r.tickRate)
}

// Join sends the handshake carrying the schema fingerprint.
func (r *Replica) Join() {
	r.out.Reset()
	writeJoin(r.out, joinMsg{Fingerprint: r.registry.Fingerprint(), Name: r.cfg.Name})
	r.uplink.Send(protocol.ChannelControl, r.out.Bytes())
}

// Leave tells the authority the peer is going away.
func (r *Replica) Leave() {
	r.out.Reset()
	writeLeave(r.out)
	r.uplink.Send(protocol.ChannelControl, r.out.Bytes())
	r.joined = false
}

// Entity returns the entity at a local id.
func (r *Replica) Entity(local models.LocalID) (*replication.Entity, bool) {
	if local > models.MaxLocalID {
		return nil, false
	}
	e := r.entities[local]
	return e, e != nil
}

// EntityByGlobal looks an entity up by its authority id.
func (r *Replica) EntityByGlobal(id models.EntityID) (*replication.Entity, bool) {
	e, ok := r.byGlobal[id]
	return e, ok
}

// Entities visits entities in local id order until fn returns false.
func (r *Replica) Entities(fn func(e *replication.Entity) bool) {
	for _, e := range r.entities {
		if e != nil && !fn(e) {
			return
		}
	}
}

// Receive accepts one packet from the authority. State packets are held
// until the next Step; only the newest one is kept.
func (r *Replica) Receive(ch protocol.Channel, data []byte) error {
	switch ch {
	case protocol.ChannelControl:
		return r.receiveControl(wire.Wrap(data))
	case protocol.ChannelState:
		if len(data) < 4 {
			r.stats.DecodeErrors++
			return fmt.Errorf("%w: state packet of %d bytes", ErrMalformed, len(data))
		}
		tick := models.Tick(int32(binary.LittleEndian.Uint32(data)))
		if tick <= r.confirmed || (r.hasPending && tick <= r.pendingTick) {
			r.stats.StalePackets++
			return nil
		}
		r.pending = append(r.pending[:0], data...)
		r.pendingTick = tick
		r.hasPending = true
		return nil
	case protocol.ChannelCall:
		r.calls = append(r.calls, append([]byte(nil), data...))
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedChannel, ch)
	}
}

func (r *Replica) receiveControl(b *wire.Buffer) error {
	typ := controlType(b.ReadU8())
	if err := b.Err(); err != nil {
		return err
	}
	switch typ {
	case msgWelcome:
		m, err := readWelcome(b)
		if err != nil {
			return err
		}
		r.slot = m.Slot
		r.tickRate = int(m.TickRate)
		r.joined = true
		r.logger.Info("Joined authority",
			log.Uint8("slot", uint8(m.Slot)),
			log.Int32("tick", int32(m.Tick)),
			log.Uint16("tick_rate", m.TickRate),
		)
		return nil
	case msgReject:
		reason := b.ReadString()
		r.joined = false
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	default:
		return fmt.Errorf("%w: control type %d", ErrMalformed, typ)
	}
}

// Step runs one peer tick: import the newest state packet, reconcile
// predicted entities, execute authority calls, then advance prediction
// and send inputs and the ack.
func (r *Replica) Step(now time.Time) {
	if !r.joined {
		return
	}
	if r.hasPending {
		r.importPending(now)
	}
	r.executeCalls()
	if r.confirmed == models.NoTick {
		return
	}
	r.advance()
	r.sendAck()
}

func (r *Replica) owned(e *replication.Entity) bool {
	return e.OwnedBy(r.slot)
}

func (r *Replica) importPending(now time.Time) {
	r.hasPending = false
	b := wire.Wrap(r.pending)
	tick := models.Tick(b.ReadI32())

	for _, e := range r.entities {
		if e != nil && r.owned(e) {
			for _, n := range e.Nodes() {
				n.LoadConfirmed()
			}
		}
	}

	if err := r.decode(b); err != nil {
		r.stats.DecodeErrors++
		r.logger.Warn("Aborted tick import",
			log.Int32("tick", int32(tick)),
			log.Int32("confirmed", int32(r.confirmed)),
			log.Error(err),
		)
		r.rollback()
		return
	}

	r.confirmed = tick
	r.lastImport = now
	r.stats.Imports++
	for _, local := range r.created {
		r.stats.Spawns++
		r.hooks.Spawned(r.entities[local])
	}
	r.reconcile()

	for _, e := range r.entities {
		if e == nil || r.owned(e) {
			continue
		}
		for _, n := range e.Nodes() {
			n.Snapshots().Record(tick, n.Values())
		}
	}
}

// rollback undoes a failed import: entities created by it disappear and
// owned entities return to their predicted state.
func (r *Replica) rollback() {
	for _, local := range r.created {
		if e := r.entities[local]; e != nil {
			delete(r.byGlobal, e.ID())
			r.entities[local] = nil
		}
	}
	r.created = r.created[:0]
	for _, e := range r.entities {
		if e == nil || !r.owned(e) {
			continue
		}
		for _, n := range e.Nodes() {
			if values, ok := n.Predictions().At(r.predicted); ok {
				n.Restore(values, n.Class().AllMask&^n.Class().ArrayMask)
			}
		}
	}
}

// reconcile compares owned entities against their predictions at the
// confirmed tick and resimulates the ones that diverged.
func (r *Replica) reconcile() {
	c := r.confirmed
	for _, e := range r.entities {
		if e == nil || !r.owned(e) {
			continue
		}
		for _, n := range e.Nodes() {
			n.SaveConfirmed()
		}

		if r.predicted >= c && !r.mispredicted(e, c) {
			for _, n := range e.Nodes() {
				if values, ok := n.Predictions().At(r.predicted); ok {
					n.Restore(values, n.Class().PredictMask)
				}
			}
			continue
		}

		if r.predicted >= c {
			r.stats.Mispredictions++
		}
		replayed := 0
		for t := c + 1; t <= r.predicted; t++ {
			r.simulateOwned(e, t, false)
			replayed++
		}
		if replayed > 0 {
			r.stats.Resimulations++
			r.stats.ResimulatedTicks += uint64(replayed)
			r.logger.Debug("Resimulated entity",
				log.Uint64("entity", uint64(e.ID())),
				log.Int32("confirmed", int32(c)),
				log.Int("ticks", replayed),
			)
		}
	}
	if r.predicted < c {
		r.predicted = c
	}
}

func (r *Replica) mispredicted(e *replication.Entity, tick models.Tick) bool {
	for _, n := range e.Nodes() {
		class := n.Class()
		if class.PredictMask == 0 {
			continue
		}
		values, ok := n.Predictions().At(tick)
		if !ok {
			return true
		}
		for _, p := range class.Properties {
			if !p.Predict {
				continue
			}
			if !n.Get(int(p.Index)).WithinTolerance(values[p.Index], p.Tolerance) {
				return true
			}
		}
	}
	return false
}

// simulateOwned runs one predicted tick of an owned entity. Fresh ticks
// sample new input; replayed ticks reuse the buffered one.
func (r *Replica) simulateOwned(e *replication.Entity, tick models.Tick, sample bool) {
	for _, n := range e.Nodes() {
		b := n.Behavior()
		if b == nil {
			continue
		}
		if sample {
			if sampler, ok := b.(replication.InputSampler); ok {
				n.Inputs().Put(tick, sampler.SampleInput(n, tick))
			}
		}
		if input, ok := n.Inputs().Get(tick); ok {
			b.ApplyInput(n, tick, input)
		}
		b.Simulate(n, tick)
		n.Predictions().Record(tick, n.Values())
	}
}

// advance moves the predicted tick to confirmed+lookahead, at least one
// tick per step, and sends the recent inputs of every owned node.
func (r *Replica) advance() {
	steps := int(r.confirmed + models.Tick(r.cfg.Lookahead) - r.predicted)
	if steps < 1 {
		steps = 1
	}
	if limit := replication.PredictionSlots / 2; steps > limit {
		steps = limit
	}
	for i := 0; i < steps; i++ {
		r.predicted++
		for _, e := range r.entities {
			if e != nil && r.owned(e) {
				r.simulateOwned(e, r.predicted, true)
			}
		}
	}

	for _, e := range r.entities {
		if e == nil || !r.owned(e) {
			continue
		}
		for _, n := range e.Nodes() {
			if _, ok := n.Behavior().(replication.InputSampler); ok {
				r.sendInputs(e, n)
			}
		}
	}
}

func (r *Replica) sendInputs(root, n *replication.Entity) {
	r.frames = r.frames[:0]
	n.Inputs().Recent(r.predicted, r.cfg.RedundantInputs, func(tick models.Tick, data []byte) {
		if len(data) <= maxInputLen {
			r.frames = append(r.frames, inputFrame{Tick: tick, Data: data})
		}
	})
	if len(r.frames) == 0 {
		return
	}
	r.out.Reset()
	writeInputs(r.out, root.Local(), n.Slot(), r.frames)
	r.uplink.Send(protocol.ChannelInput, r.out.Bytes())
	r.stats.InputsSent++
}

func (r *Replica) sendAck() {
	r.out.Reset()
	r.out.WriteI32(int32(r.confirmed))
	r.uplink.Send(protocol.ChannelAck, r.out.Bytes())
	r.stats.AcksSent++
}

func (r *Replica) executeCalls() {
	for _, data := range r.calls {
		if err := r.executeCall(wire.Wrap(data)); err != nil {
			r.logger.Warn("Dropped authority call", log.Error(err))
		}
	}
	clear(r.calls)
	r.calls = r.calls[:0]
}

func (r *Replica) executeCall(b *wire.Buffer) error {
	h, err := readCallHeader(b)
	if err != nil {
		return err
	}
	e := r.entities[h.Local]
	if e == nil {
		r.logger.Debug("Call for unknown entity", log.Uint16("local", uint16(h.Local)))
		return nil
	}
	fn, ok := e.Class().FunctionAt(h.Fn)
	if !ok {
		return fmt.Errorf("%w: %s has no function %d", ErrMalformed, e.Class().Name, h.Fn)
	}
	args, err := replication.ReadArgs(b, fn)
	if err != nil {
		return err
	}
	r.stats.Calls++
	if handler, ok := e.Behavior().(replication.CallHandler); ok {
		handler.HandleCall(e, fn, models.NoPeer, args)
		return nil
	}
	if r.onCall != nil {
		r.onCall(e, fn, args)
	}
	return nil
}

// Call invokes a peer-callable function on the authority. Owner functions
// require the peer to own the entity.
func (r *Replica) Call(local models.LocalID, function string, args ...replication.Value) error {
	e, ok := r.Entity(local)
	if !ok {
		return fmt.Errorf("%w: local %d", ErrUnknownEntity, local)
	}
	fn, ok := e.Class().Function(function)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownFunction, e.Class().Name, function)
	}
	if !permitted(fn, e, r.slot) {
		return fmt.Errorf("%w: %s.%s requires %s", ErrPermissionDenied, e.Class().Name, function, fn.Permission)
	}
	r.out.Reset()
	writeCallHeader(r.out, callHeader{Local: local, Fn: fn.Index})
	if err := replication.WriteArgs(r.out, fn, args); err != nil {
		return err
	}
	r.uplink.Send(protocol.ChannelCall, r.out.Bytes())
	return nil
}

// RenderTick is the fractional tick non-owned entities are drawn at: the
// latest confirmed tick minus the interpolation delay plus the elapsed
// fraction of the current tick.
func (r *Replica) RenderTick(now time.Time) float64 {
	if r.confirmed == models.NoTick {
		return 0
	}
	frac := float64(now.Sub(r.lastImport)) / float64(r.TickInterval())
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return float64(r.confirmed) - float64(r.cfg.InterpolationDelayTicks) + frac
}

// RenderValue returns what to draw for a property: the predicted value of
// owned entities, the interpolated one for everything else.
func (r *Replica) RenderValue(local models.LocalID, slot models.ChildSlot, property string, now time.Time) (replication.Value, error) {
	e, ok := r.Entity(local)
	if !ok {
		return replication.Value{}, fmt.Errorf("%w: local %d", ErrUnknownEntity, local)
	}
	n := e.Child(slot)
	if n == nil {
		return replication.Value{}, fmt.Errorf("%w: %w: slot %d", ErrUnknownEntity, replication.ErrUnknownSlot, slot)
	}
	idx, err := n.Index(property)
	if err != nil {
		return replication.Value{}, err
	}
	if r.owned(e) {
		return n.Get(idx), nil
	}
	return n.Interpolated(idx, r.RenderTick(now)), nil
}
