package replication

import (
	"github.com/zeusync/replicore/internal/core/models"
)

const (
	InputSlots      = 64
	PredictionSlots = 64
	SnapshotSlots   = 8
)

func slotOf(tick models.Tick, n int) int { return int(uint32(tick) % uint32(n)) }

type inputSlot struct {
	tick  models.Tick
	valid bool
	data  []byte
}

// InputBuffer keeps the inputs of the last InputSlots ticks.
type InputBuffer struct {
	slots [InputSlots]inputSlot
}

// Put stores a copy of data for tick, replacing an older tick in the slot.
func (ib *InputBuffer) Put(tick models.Tick, data []byte) {
	s := &ib.slots[slotOf(tick, InputSlots)]
	s.tick = tick
	s.valid = true
	s.data = append(s.data[:0], data...)
}

// Get returns the input stored for tick. The slice is owned by the buffer.
func (ib *InputBuffer) Get(tick models.Tick) ([]byte, bool) {
	s := &ib.slots[slotOf(tick, InputSlots)]
	if !s.valid || s.tick != tick {
		return nil, false
	}
	return s.data, true
}

// Has reports whether an input for tick is buffered.
func (ib *InputBuffer) Has(tick models.Tick) bool {
	_, ok := ib.Get(tick)
	return ok
}

// Recent calls fn for the buffered inputs among the n ticks ending at upTo,
// oldest first.
func (ib *InputBuffer) Recent(upTo models.Tick, n int, fn func(tick models.Tick, data []byte)) {
	if n > InputSlots {
		n = InputSlots
	}
	for t := upTo - models.Tick(n) + 1; t <= upTo; t++ {
		if data, ok := ib.Get(t); ok {
			fn(t, data)
		}
	}
}

func (ib *InputBuffer) Reset() {
	for i := range ib.slots {
		ib.slots[i].valid = false
	}
}

type predictionSlot struct {
	tick   models.Tick
	valid  bool
	values []Value
}

// PredictionBuffer records the predicted values of an entity per tick.
type PredictionBuffer struct {
	slots [PredictionSlots]predictionSlot
}

func (pb *PredictionBuffer) Record(tick models.Tick, values []Value) {
	s := &pb.slots[slotOf(tick, PredictionSlots)]
	s.tick = tick
	s.valid = true
	s.values = append(s.values[:0], values...)
}

// At returns the values predicted for tick, if still buffered.
func (pb *PredictionBuffer) At(tick models.Tick) ([]Value, bool) {
	s := &pb.slots[slotOf(tick, PredictionSlots)]
	if !s.valid || s.tick != tick {
		return nil, false
	}
	return s.values, true
}

func (pb *PredictionBuffer) Reset() {
	for i := range pb.slots {
		pb.slots[i].valid = false
	}
}

// Snapshot is the full property set of an entity at a confirmed tick.
type Snapshot struct {
	Tick   models.Tick
	Values []Value
}

// SnapshotRing keeps the last SnapshotSlots confirmed snapshots in tick order.
type SnapshotRing struct {
	slots [SnapshotSlots]Snapshot
	head  int
	count int
}

// Record appends a snapshot. Ticks not newer than the latest are ignored.
func (r *SnapshotRing) Record(tick models.Tick, values []Value) {
	if latest, ok := r.Latest(); ok && tick <= latest.Tick {
		return
	}
	s := &r.slots[r.head]
	s.Tick = tick
	s.Values = append(s.Values[:0], values...)
	r.head = (r.head + 1) % SnapshotSlots
	if r.count < SnapshotSlots {
		r.count++
	}
}

func (r *SnapshotRing) Len() int { return r.count }

// At returns the i-th oldest snapshot.
func (r *SnapshotRing) At(i int) *Snapshot {
	start := (r.head - r.count + SnapshotSlots) % SnapshotSlots
	return &r.slots[(start+i)%SnapshotSlots]
}

func (r *SnapshotRing) Latest() (*Snapshot, bool) {
	if r.count == 0 {
		return nil, false
	}
	return r.At(r.count - 1), true
}

// Bracket locates the snapshots around a fractional render tick. The result
// clamps to the latest snapshot when renderTick runs ahead and to the
// earliest when it runs behind; in both cases from == to.
func (r *SnapshotRing) Bracket(renderTick float64) (from, to *Snapshot, t float32, ok bool) {
	if r.count == 0 {
		return nil, nil, 0, false
	}
	first, last := r.At(0), r.At(r.count-1)
	if renderTick >= float64(last.Tick) {
		return last, last, 0, true
	}
	if renderTick <= float64(first.Tick) {
		return first, first, 0, true
	}
	for i := 0; i < r.count-1; i++ {
		a, b := r.At(i), r.At(i+1)
		if renderTick >= float64(a.Tick) && renderTick <= float64(b.Tick) {
			span := float64(b.Tick - a.Tick)
			return a, b, float32((renderTick - float64(a.Tick)) / span), true
		}
	}
	return last, last, 0, true
}

func (r *SnapshotRing) Reset() {
	r.head, r.count = 0, 0
}
