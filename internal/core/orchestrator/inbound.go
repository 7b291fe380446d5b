package orchestrator

import (
	"fmt"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
	"github.com/zeusync/replicore/internal/core/wire"
)

// HandlePacket processes one packet received from a peer. Malformed
// packets are counted and reported; they never affect other sessions.
// Unauthorized or dangling references are logged and skipped.
func (a *Authority) HandlePacket(slot models.PeerSlot, ch protocol.Channel, data []byte) error {
	s := a.session(slot)
	if s == nil {
		return fmt.Errorf("%w: slot %d", ErrUnknownPeer, slot)
	}
	b := wire.Wrap(data)

	var err error
	switch ch {
	case protocol.ChannelControl:
		err = a.handleControl(s, b)
	case protocol.ChannelAck, protocol.ChannelInput, protocol.ChannelCall:
		if s.Status != models.StatusInWorld {
			return fmt.Errorf("%w: %s on %s", ErrNotJoined, s.ID, ch)
		}
		switch ch {
		case protocol.ChannelAck:
			err = a.handleAck(s, b)
		case protocol.ChannelInput:
			err = a.handleInput(s, b)
		default:
			err = a.handleCall(s, b)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedChannel, ch)
	}

	if err != nil {
		a.stats.DecodeErrors++
		s.logger.Warn("Dropped malformed packet",
			log.String("channel", ch.String()),
			log.Int32("tick", int32(a.tick)),
			log.Error(err),
		)
	}
	return err
}

func (a *Authority) handleControl(s *Session, b *wire.Buffer) error {
	typ := controlType(b.ReadU8())
	if err := b.Err(); err != nil {
		return err
	}
	switch typ {
	case msgJoin:
		m, err := readJoin(b)
		if err != nil {
			return err
		}
		if s.Status != models.StatusInitial {
			return nil
		}
		if m.Fingerprint != a.registry.Fingerprint() {
			a.sendControl(s.Slot, func(out *wire.Buffer) { writeReject(out, "schema mismatch") })
			_ = a.Disconnect(s.Slot, "schema mismatch")
			return fmt.Errorf("%w: peer %#x, authority %#x", ErrSchemaMismatch, m.Fingerprint, a.registry.Fingerprint())
		}
		s.Name = m.Name
		s.Status = models.StatusInWorld
		s.LastAckTick = a.tick
		a.sendControl(s.Slot, func(out *wire.Buffer) {
			writeWelcome(out, welcomeMsg{Slot: s.Slot, Tick: a.tick, TickRate: uint16(a.cfg.TickRate)})
		})
		s.logger.Info("Peer joined", log.String("name", m.Name), log.Int32("tick", int32(a.tick)))
		if a.onJoin != nil {
			a.onJoin(s)
		}
		return nil
	case msgLeave:
		return a.Disconnect(s.Slot, "leave")
	default:
		return fmt.Errorf("%w: control type %d", ErrMalformed, typ)
	}
}

func (a *Authority) sendControl(slot models.PeerSlot, write func(out *wire.Buffer)) {
	out := a.pool.Get()
	defer a.pool.Put(out)
	write(out)
	a.downlink.Send(slot, protocol.ChannelControl, out.Bytes())
}

func (a *Authority) handleAck(s *Session, b *wire.Buffer) error {
	tick := models.Tick(b.ReadI32())
	if err := b.Err(); err != nil {
		return err
	}
	if tick < 0 || tick > a.tick {
		return fmt.Errorf("%w: ack for tick %d at %d", ErrMalformed, tick, a.tick)
	}
	s.ack(tick)
	return nil
}

func (a *Authority) handleInput(s *Session, b *wire.Buffer) error {
	local, slot, frames, err := readInputs(b, a.frames)
	a.frames = frames
	if err != nil {
		return err
	}
	l := s.byLocal[local]
	if l == nil {
		a.stats.DroppedInputs++
		s.logger.Debug("Input for unknown entity", log.Uint16("local", uint16(local)))
		return nil
	}
	if !l.entity.OwnedBy(s.Slot) {
		a.stats.DroppedInputs++
		s.logger.Warn("Input for entity not owned by peer", log.Uint64("entity", uint64(l.entity.ID())))
		return nil
	}
	node := l.entity.Child(slot)
	if node == nil {
		a.stats.DroppedInputs++
		s.logger.Debug("Input for unknown child", log.Uint8("child", uint8(slot)))
		return nil
	}
	horizon := a.tick + replication.InputSlots
	for _, f := range frames {
		if f.Tick <= a.tick || f.Tick >= horizon || node.Inputs().Has(f.Tick) {
			continue
		}
		node.Inputs().Put(f.Tick, f.Data)
	}
	return nil
}

func (a *Authority) handleCall(s *Session, b *wire.Buffer) error {
	h, err := readCallHeader(b)
	if err != nil {
		return err
	}
	l := s.byLocal[h.Local]
	if l == nil || l.state == models.Despawning {
		s.logger.Debug("Call for unknown entity", log.Uint16("local", uint16(h.Local)))
		return nil
	}
	e := l.entity
	fn, ok := e.Class().FunctionAt(h.Fn)
	if !ok {
		return fmt.Errorf("%w: %s has no function %d", ErrMalformed, e.Class().Name, h.Fn)
	}
	if !permitted(fn, e, s.Slot) {
		a.stats.DroppedCalls++
		s.logger.Warn("Unauthorized call dropped",
			log.String("function", fn.Name),
			log.String("permission", fn.Permission.String()),
			log.Uint64("entity", uint64(e.ID())),
		)
		return nil
	}
	args, err := replication.ReadArgs(b, fn)
	if err != nil {
		return err
	}
	a.inCalls = append(a.inCalls, pendingCall{caller: s.Slot, target: e.ID(), fn: fn, args: args})
	return nil
}

// permitted reports whether a peer may invoke fn on e.
func permitted(fn *schema.Function, e *replication.Entity, caller models.PeerSlot) bool {
	switch fn.Permission {
	case schema.PermAnyPeer:
		return true
	case schema.PermOwner:
		return e.OwnedBy(caller)
	default:
		return false
	}
}

// drainCalls executes peer calls and sends queued authority calls.
func (a *Authority) drainCalls() {
	for i := range a.inCalls {
		c := &a.inCalls[i]
		e, ok := a.Entity(c.target)
		if !ok {
			continue
		}
		h, ok := e.Behavior().(replication.CallHandler)
		if !ok {
			a.logger.Debug("No call handler", log.String("class", e.Class().Name), log.String("function", c.fn.Name))
			continue
		}
		h.HandleCall(e, c.fn, c.caller, c.args)
	}
	clear(a.inCalls)
	a.inCalls = a.inCalls[:0]

	for i := range a.outCalls {
		c := &a.outCalls[i]
		for _, s := range a.sessions {
			if s == nil || s.Status != models.StatusInWorld {
				continue
			}
			l, ok := s.links[c.target]
			if !ok || l.state != models.Spawned {
				continue
			}
			a.sendCall(s.Slot, l.local, c)
		}
	}
	clear(a.outCalls)
	a.outCalls = a.outCalls[:0]
}

func (a *Authority) sendCall(slot models.PeerSlot, local models.LocalID, c *pendingCall) {
	out := a.pool.Get()
	defer a.pool.Put(out)
	writeCallHeader(out, callHeader{Local: local, Fn: c.fn.Index})
	if err := replication.WriteArgs(out, c.fn, c.args); err != nil {
		a.logger.Error("Failed to encode call", log.String("function", c.fn.Name), log.Error(err))
		return
	}
	a.downlink.Send(slot, protocol.ChannelCall, out.Bytes())
}
