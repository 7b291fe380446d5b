package orchestrator

import (
	"errors"
	"fmt"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/nodeid"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/wire"
)

// errNoRoom defers an entity whose payload does not fit what is left of
// the export buffer this tick.
var errNoRoom = errors.New("orchestrator: export buffer full")

// plan reconciles a session's links with the live set: newly visible
// entities get an address and start spawning, entities that left the
// peer's interest or were despawned start despawning.
func (a *Authority) plan(s *Session) {
	for el := a.live.Front(); el != nil; el = el.Next() {
		e := el.Value
		l := s.links[e.ID()]
		_, dead := a.despawned[e.ID()]
		want := !dead && (e.OwnedBy(s.Slot) || e.InterestedIn(s.Slot, s.Layers))

		switch {
		case l == nil && want:
			if _, ok := s.addLink(e); !ok {
				s.logger.Debug("No free local id", log.Uint64("entity", uint64(e.ID())))
			}
		case l != nil && !want && l.state != models.Despawning:
			l.state = models.Despawning
		}
	}
}

// export builds and sends one tick packet for a session.
func (a *Authority) export(s *Session) {
	a.plan(s)

	rec := s.record(a.tick)
	scratch := a.scratch
	scratch.Reset()
	a.sers = a.sers[:0]
	var mask nodeid.Bitmask

	for local := 1; local <= int(models.MaxLocalID); local++ {
		l := s.byLocal[local]
		if l == nil {
			continue
		}
		start := scratch.Len()
		ser, ok, err := a.writeEntity(s, l, scratch)
		if errors.Is(err, errNoRoom) {
			a.stats.Deferred++
			continue
		}
		if err != nil {
			scratch.Truncate(start)
			s.logger.Warn("Failed to export entity",
				log.Uint64("entity", uint64(l.entity.ID())),
				log.Int32("tick", int32(a.tick)),
				log.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		mask.Set(l.local)
		size := 4 + mask.EncodedSize() + len(a.sers) + 1 + scratch.Len()
		if size > a.cfg.MaxPacketBytes && len(a.sers) > 0 {
			mask.Clear(l.local)
			scratch.Truncate(start)
			a.stats.Deferred++
			continue
		}
		a.sers = append(a.sers, ser)
		rec.add(l, ser, s.masks)
	}

	out := a.pool.Get()
	defer a.pool.Put(out)
	out.WriteI32(int32(a.tick))
	mask.Encode(out)
	out.WriteRaw(a.sers)
	out.WriteRaw(scratch.Bytes())

	a.downlink.Send(s.Slot, protocol.ChannelState, out.Bytes())
	a.stats.PacketsOut++
	a.stats.BytesOut += uint64(out.Len())
}

// writeEntity appends one entity's serializer payload. ok is false when
// the entity has nothing to send this tick.
func (a *Authority) writeEntity(s *Session, l *link, b *wire.Buffer) (ser uint8, ok bool, err error) {
	s.masks = s.masks[:0]
	switch l.state {
	case models.Despawning:
		return replication.SerDespawn, true, nil

	case models.Spawning:
		a.exportMasks(s, l)
		if err := a.reserve(s, l, b, replication.SpawnHeaderSize); err != nil {
			return 0, false, err
		}
		replication.SpawnHeader{
			ClassID: l.entity.Class().ID,
			Global:  l.entity.ID(),
			Parent:  a.parentLocal(s, l.entity),
			Owned:   l.owned,
		}.Encode(b)
		if err := a.writeSections(s, l, b); err != nil {
			return 0, false, err
		}
		return replication.SerSpawn | replication.SerProperties, true, nil

	default:
		if !a.exportMasks(s, l) {
			return 0, false, nil
		}
		if err := a.reserve(s, l, b, 0); err != nil {
			return 0, false, err
		}
		if err := a.writeSections(s, l, b); err != nil {
			return 0, false, err
		}
		return replication.SerProperties, true, nil
	}
}

// reserve checks that the worst case of l's sections plus extra fits b.
// An entity that could never fit is an error; one that only misses the
// room left this tick is deferred.
func (a *Authority) reserve(s *Session, l *link, b *wire.Buffer, extra int) error {
	need := extra + 1
	for i, n := range l.entity.Nodes() {
		if s.masks[i] != 0 {
			need += replication.SectionSize(n, s.masks[i])
		}
	}
	switch {
	case need > b.Cap():
		return fmt.Errorf("%w: %s needs %d of %d bytes", ErrEntityTooLarge, l.entity.Class().Name, need, b.Cap())
	case need > b.Free():
		return errNoRoom
	}
	return nil
}

// exportMasks fills s.masks with what each node of l sends this tick and
// reports whether anything is due.
func (a *Authority) exportMasks(s *Session, l *link) bool {
	due := false
	for i, n := range l.entity.Nodes() {
		class := n.Class()
		visible := class.VisibleMask(s.Layers, l.owned)
		m := replication.ExportMask(n, visible&(l.pending[i]|class.ArrayMask), s.peer())
		s.masks = append(s.masks, m)
		if m != 0 {
			due = true
		}
	}
	return due
}

func (a *Authority) writeSections(s *Session, l *link, b *wire.Buffer) error {
	for i, n := range l.entity.Nodes() {
		if s.masks[i] == 0 {
			continue
		}
		if err := replication.WriteSection(b, n, s.masks[i], s.peer(), a.tick); err != nil {
			return err
		}
	}
	replication.EndSections(b)
	return nil
}

func (a *Authority) parentLocal(s *Session, e *replication.Entity) models.LocalID {
	if e.Parent() == models.InvalidEntity {
		return models.InvalidLocal
	}
	pl, ok := s.links[e.Parent()]
	if !ok || pl.state == models.Despawning {
		return models.InvalidLocal
	}
	return pl.local
}
