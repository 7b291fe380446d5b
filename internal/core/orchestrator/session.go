package orchestrator

import (
	"math/bits"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/nodeid"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/replication"
)

// link is the replication state of one root entity for one peer.
type link struct {
	entity *replication.Entity
	local  models.LocalID
	state  models.SpawnState
	// epoch changes on every (re)spawn so a late ack for an older spawn
	// cannot promote the current one.
	epoch uint32
	owned bool
	// pending holds, per node, the scalar properties written since the
	// last acknowledged export.
	pending []uint64
}

type recordEntry struct {
	link  *link
	ser   uint8
	epoch uint32
	masks []uint64
	seqs  []uint64
}

// exportRecord remembers what a tick packet carried until it is acked.
type exportRecord struct {
	tick    models.Tick
	valid   bool
	entries []recordEntry
}

func (r *exportRecord) reset(tick models.Tick) {
	r.tick = tick
	r.valid = true
	r.entries = r.entries[:0]
}

func (r *exportRecord) add(l *link, ser uint8, masks []uint64) {
	if len(r.entries) < cap(r.entries) {
		r.entries = r.entries[:len(r.entries)+1]
	} else {
		r.entries = append(r.entries, recordEntry{})
	}
	e := &r.entries[len(r.entries)-1]
	e.link = l
	e.ser = ser
	e.epoch = l.epoch
	e.masks = append(e.masks[:0], masks...)
	e.seqs = e.seqs[:0]
	for _, n := range l.entity.Nodes() {
		e.seqs = append(e.seqs, n.Seq())
	}
}

// Session is the authority's view of one connected peer.
type Session struct {
	ID     string
	Name   string
	Slot   models.PeerSlot
	Status models.SessionStatus
	// Layers are matched against class and property interest gates.
	Layers uint64

	// LastAckTick is the newest tick the peer confirmed, or the tick it
	// connected at.
	LastAckTick models.Tick

	logger  log.Log
	ids     *nodeid.Allocator
	links   map[models.EntityID]*link
	byLocal [models.LocalIDSlots]*link
	owned   map[models.EntityID]struct{}
	records [recordSlots]exportRecord

	// scratch state reused by export
	masks []uint64
}

func newSession(id string, slot models.PeerSlot, tick models.Tick, logger log.Log) *Session {
	return &Session{
		ID:          id,
		Slot:        slot,
		Status:      models.StatusInitial,
		LastAckTick: tick,
		logger:      logger,
		ids:         nodeid.NewAllocator(),
		links:       make(map[models.EntityID]*link),
		owned:       make(map[models.EntityID]struct{}),
	}
}

func (s *Session) peer() int { return int(s.Slot) }

// SpawnState returns the peer's view of an entity.
func (s *Session) SpawnState(id models.EntityID) models.SpawnState {
	if l, ok := s.links[id]; ok {
		return l.state
	}
	return models.NotSpawned
}

// LocalID returns the address the peer knows an entity by.
func (s *Session) LocalID(id models.EntityID) (models.LocalID, bool) {
	l, ok := s.links[id]
	if !ok {
		return models.InvalidLocal, false
	}
	return l.local, true
}

// Owned returns the ids of the entities the peer owns.
func (s *Session) Owned() []models.EntityID {
	out := make([]models.EntityID, 0, len(s.owned))
	for id := range s.owned {
		out = append(out, id)
	}
	return out
}

// Linked is the number of entities the peer holds an address for.
func (s *Session) Linked() int { return len(s.links) }

func (s *Session) addLink(e *replication.Entity) (*link, bool) {
	local := s.ids.Allocate()
	if local == models.InvalidLocal {
		return nil, false
	}
	l := &link{
		entity:  e,
		local:   local,
		pending: make([]uint64, 1+len(e.Children())),
	}
	s.links[e.ID()] = l
	s.byLocal[local] = l
	for _, n := range e.Nodes() {
		for _, p := range n.Class().Properties {
			if arr, err := n.Array(int(p.Index)); err == nil {
				arr.Attach(s.peer())
			}
		}
	}
	s.respawn(l)
	return l, true
}

// respawn queues a spawn of l carrying every visible scalar.
func (s *Session) respawn(l *link) {
	l.state = models.Spawning
	l.epoch++
	l.owned = l.entity.OwnedBy(s.Slot)
	for i, n := range l.entity.Nodes() {
		l.pending[i] = n.Class().VisibleMask(s.Layers, l.owned) &^ n.Class().ArrayMask
	}
}

func (s *Session) removeLink(l *link) {
	delete(s.links, l.entity.ID())
	if s.byLocal[l.local] == l {
		s.byLocal[l.local] = nil
	}
	s.ids.Release(l.local)
	for _, n := range l.entity.Nodes() {
		for _, p := range n.Class().Properties {
			if arr, err := n.Array(int(p.Index)); err == nil {
				arr.Detach(s.peer())
			}
		}
	}
}

// dropAll forgets every link, used when the session ends.
func (s *Session) dropAll() {
	for _, l := range s.links {
		s.removeLink(l)
	}
	s.ids.Reset()
}

func (s *Session) record(tick models.Tick) *exportRecord {
	r := &s.records[int(uint32(tick)%recordSlots)]
	r.reset(tick)
	return r
}

// ack applies the acknowledgment of a tick packet. It returns false when
// the packet is no longer remembered.
func (s *Session) ack(tick models.Tick) bool {
	if tick > s.LastAckTick {
		s.LastAckTick = tick
	}
	r := &s.records[int(uint32(tick)%recordSlots)]
	if !r.valid || r.tick != tick {
		return false
	}
	r.valid = false

	for i := range r.entries {
		entry := &r.entries[i]
		l := entry.link
		if s.links[l.entity.ID()] != l {
			continue
		}
		if entry.ser&replication.SerDespawn != 0 {
			if l.state == models.Despawning {
				s.removeLink(l)
			}
			continue
		}
		if entry.ser&replication.SerSpawn != 0 && entry.epoch == l.epoch && l.state == models.Spawning {
			l.state = models.Spawned
		}
		for ni, n := range l.entity.Nodes() {
			if ni >= len(entry.masks) {
				break
			}
			s.ackNode(l, ni, n, entry.masks[ni], entry.seqs[ni], tick)
		}
	}
	return true
}

func (s *Session) ackNode(l *link, ni int, n *replication.Entity, mask, seq uint64, tick models.Tick) {
	arrays := n.Class().ArrayMask
	for m := mask; m != 0; m &= m - 1 {
		idx := bits.TrailingZeros64(m)
		bit := uint64(1) << idx
		if arrays&bit != 0 {
			if arr, err := n.Array(idx); err == nil {
				arr.Ack(s.peer(), tick)
			}
			continue
		}
		if n.PropSeq(idx) <= seq {
			l.pending[ni] &^= bit
		}
	}
}
