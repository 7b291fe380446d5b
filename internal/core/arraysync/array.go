package arraysync

import (
	"fmt"
	"math/bits"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/wire"
)

// inflightSlots bounds how many unacknowledged exports per peer are
// remembered. Older records are overwritten and their acks ignored; the
// data they carried simply stays dirty and is sent again.
const inflightSlots = 32

// Change lists the indices touched by one applied payload.
type Change struct {
	Added   []int
	Changed []int
	Deleted []int
}

// Empty reports whether the payload touched nothing.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Deleted) == 0
}

// PeerState is the sync progress of one peer. The exported fields are
// read-only snapshots for diagnostics and tests.
type PeerState struct {
	AckedUpToIndex      int
	PendingSyncIndex    int
	LastSyncedLength    int
	InitialSyncComplete bool
	HasPendingChunk     bool

	resizePending bool
	epoch         uint32
	dirty         []uint64
	deltaCursor   int
	inflight      [inflightSlots]exportRecord
}

type exportRecord struct {
	tick       models.Tick
	valid      bool
	epoch      uint32
	writeSeq   uint64
	length     int
	resized    bool
	chunk      bool
	chunkStart int
	chunkEnd   int
	indices    []int
}

type entry[T comparable] struct {
	index int
	value T
}

// Array is a fixed-capacity replicated array. The authority side mutates
// it through Set and SetLength and exports per peer; the receiving side
// feeds payloads to Apply. Not safe for concurrent use.
type Array[T comparable] struct {
	codec    Codec[T]
	items    []T
	length   int
	seq      []uint64
	writeSeq uint64
	peers    map[int]*PeerState
	onDirty  func()

	// receiving side
	passActive bool
	passBase   int
	seen       []uint64
	scratch    []entry[T]
}

// New creates an empty array able to hold capacity elements.
func New[T comparable](codec Codec[T], capacity int) *Array[T] {
	if capacity < 0 {
		capacity = 0
	}
	words := (capacity + 63) / 64
	return &Array[T]{
		codec: codec,
		items: make([]T, capacity),
		seq:   make([]uint64, capacity),
		peers: make(map[int]*PeerState),
		seen:  make([]uint64, words),
	}
}

func (a *Array[T]) Len() int      { return a.length }
func (a *Array[T]) Cap() int      { return len(a.items) }
func (a *Array[T]) ElemSize() int { return a.codec.Size() }

// At returns the element at i, or the zero value when i is out of range.
func (a *Array[T]) At(i int) T {
	var zero T
	if i < 0 || i >= a.length {
		return zero
	}
	return a.items[i]
}

// Values returns a copy of the live elements.
func (a *Array[T]) Values() []T {
	out := make([]T, a.length)
	copy(out, a.items[:a.length])
	return out
}

// SetOnDirty registers a callback fired after every local mutation.
func (a *Array[T]) SetOnDirty(fn func()) { a.onDirty = fn }

// Set writes v at index i. Writing the current value is a no-op.
func (a *Array[T]) Set(i int, v T) error {
	if i < 0 || i >= a.length {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, a.length)
	}
	if a.items[i] == v {
		return nil
	}
	a.items[i] = v
	a.writeSeq++
	a.seq[i] = a.writeSeq
	for _, st := range a.peers {
		setBit(st.dirty, i)
	}
	a.notify()
	return nil
}

// SetLength grows or shrinks the live region. New elements are zeroed.
// Any length change restarts every peer's sync pass.
func (a *Array[T]) SetLength(n int) error {
	if n < 0 || n > len(a.items) {
		return fmt.Errorf("%w: %d of %d", ErrLengthOutOfRange, n, len(a.items))
	}
	if n == a.length {
		return nil
	}
	var zero T
	for i := a.length; i < n; i++ {
		a.items[i] = zero
	}
	a.length = n
	a.writeSeq++
	for _, st := range a.peers {
		a.restart(st)
	}
	a.notify()
	return nil
}

// Append grows the array by one and writes v at the new tail.
func (a *Array[T]) Append(v T) error {
	if err := a.SetLength(a.length + 1); err != nil {
		return err
	}
	a.items[a.length-1] = v
	a.seq[a.length-1] = a.writeSeq
	return nil
}

// Load replaces the contents without marking anything dirty. Used to
// restore persisted state before peers attach.
func (a *Array[T]) Load(values []T) error {
	if len(values) > len(a.items) {
		return fmt.Errorf("%w: %d of %d", ErrLengthOutOfRange, len(values), len(a.items))
	}
	copy(a.items, values)
	a.length = len(values)
	for _, st := range a.peers {
		a.restart(st)
	}
	return nil
}

func (a *Array[T]) notify() {
	if a.onDirty != nil {
		a.onDirty()
	}
}

// Attach starts tracking a peer. The first pass always announces the length.
func (a *Array[T]) Attach(peer int) {
	if _, ok := a.peers[peer]; ok {
		return
	}
	st := &PeerState{dirty: make([]uint64, len(a.seen))}
	a.restart(st)
	a.peers[peer] = st
}

// Detach forgets a peer.
func (a *Array[T]) Detach(peer int) { delete(a.peers, peer) }

// Peer returns a snapshot of the peer's sync progress.
func (a *Array[T]) Peer(peer int) (PeerState, bool) {
	st, ok := a.peers[peer]
	if !ok {
		return PeerState{}, false
	}
	snap := *st
	snap.dirty = nil
	return snap, true
}

func (a *Array[T]) restart(st *PeerState) {
	st.epoch++
	st.AckedUpToIndex = 0
	st.PendingSyncIndex = 0
	st.InitialSyncComplete = false
	st.HasPendingChunk = false
	st.resizePending = true
	st.deltaCursor = 0
	clear(st.dirty)
}

// NeedsExport reports whether the peer has anything left to receive.
func (a *Array[T]) NeedsExport(peer int) bool {
	st, ok := a.peers[peer]
	if !ok {
		return false
	}
	if !st.InitialSyncComplete || st.resizePending {
		return true
	}
	return a.anyDirty(st)
}

func (a *Array[T]) anyDirty(st *PeerState) bool {
	for _, w := range st.dirty {
		if w != 0 {
			return true
		}
	}
	return false
}

// Export writes the peer's next payload for tick into b, keeping it within
// budget bytes where possible. At least one element is always carried so
// that a tiny budget still makes progress. It returns false when there is
// nothing to send.
func (a *Array[T]) Export(peer int, tick models.Tick, budget int, b *wire.Buffer) (bool, error) {
	st, ok := a.peers[peer]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	if !a.NeedsExport(peer) {
		return false, nil
	}

	rec := &st.inflight[int(uint32(tick))%inflightSlots]
	*rec = exportRecord{
		tick:     tick,
		valid:    true,
		epoch:    st.epoch,
		writeSeq: a.writeSeq,
		length:   a.length,
		resized:  st.resizePending,
		indices:  rec.indices[:0],
	}

	var flags Mode
	if st.resizePending {
		flags |= FlagResized
	}

	if st.InitialSyncComplete {
		a.exportDelta(st, rec, flags, budget, b)
		return true, nil
	}

	size := a.codec.Size()
	if st.AckedUpToIndex == 0 && FullHeaderSize+a.length*size <= budget {
		b.WriteU8(uint8(flags | ModeFull))
		b.WriteI32(int32(a.length))
		for i := 0; i < a.length; i++ {
			a.codec.Write(b, a.items[i])
		}
		rec.chunk = true
		rec.chunkStart, rec.chunkEnd = 0, a.length
		st.PendingSyncIndex = a.length
		st.HasPendingChunk = true
		return true, nil
	}

	// An unacknowledged chunk is resent unchanged in extent. The values are
	// current, which is safe because application is last-write-wins.
	start := st.AckedUpToIndex
	count := (budget - ChunkHeaderSize) / size
	if count < 1 {
		count = 1
	}
	if remaining := a.length - start; count > remaining {
		count = remaining
	}
	if st.HasPendingChunk && st.PendingSyncIndex > start {
		count = st.PendingSyncIndex - start
	}
	end := start + count

	room := budget - ChunkHeaderSize - count*size - inlineDeltaHeaderSize
	if room > 0 {
		a.collectDirty(st, rec, start, room/(deltaIndexSize+size))
	}

	mode := ModeChunked
	if len(rec.indices) > 0 {
		mode = ModeChunkedWithDelta
	}
	b.WriteU8(uint8(flags | mode))
	b.WriteI32(int32(a.length))
	b.WriteI32(int32(start))
	b.WriteI32(int32(count))
	for i := start; i < end; i++ {
		a.codec.Write(b, a.items[i])
	}
	if mode == ModeChunkedWithDelta {
		a.writeDeltas(rec, b)
	}

	rec.chunk = true
	rec.chunkStart, rec.chunkEnd = start, end
	st.PendingSyncIndex = end
	st.HasPendingChunk = true
	return true, nil
}

func (a *Array[T]) exportDelta(st *PeerState, rec *exportRecord, flags Mode, budget int, b *wire.Buffer) {
	limit := (budget - DeltaHeaderSize) / (deltaIndexSize + a.codec.Size())
	if limit < 1 {
		limit = 1
	}
	a.collectDirty(st, rec, a.length, limit)
	b.WriteU8(uint8(flags | ModeDelta))
	b.WriteI32(int32(a.length))
	a.writeDeltas(rec, b)
}

// collectDirty gathers up to limit dirty indices below bound, resuming
// from the peer's cursor so that a hot prefix cannot starve the tail.
func (a *Array[T]) collectDirty(st *PeerState, rec *exportRecord, bound, limit int) {
	if bound <= 0 || limit <= 0 {
		return
	}
	from := st.deltaCursor
	if from >= bound {
		from = 0
	}
	last := -1
	scan := func(lo, hi int) {
		for i := nextBit(st.dirty, lo, hi); i >= 0 && len(rec.indices) < limit; i = nextBit(st.dirty, i+1, hi) {
			rec.indices = append(rec.indices, i)
			last = i
		}
	}
	scan(from, bound)
	if len(rec.indices) < limit && from > 0 {
		scan(0, from)
	}
	if last >= 0 {
		st.deltaCursor = last + 1
	}
}

func (a *Array[T]) writeDeltas(rec *exportRecord, b *wire.Buffer) {
	b.WriteI32(int32(len(rec.indices)))
	for _, i := range rec.indices {
		b.WriteI32(int32(i))
		a.codec.Write(b, a.items[i])
	}
}

// Ack records that the peer received the payload exported for tick.
// Dirty bits are only cleared for elements not written since that export.
func (a *Array[T]) Ack(peer int, tick models.Tick) {
	st, ok := a.peers[peer]
	if !ok {
		return
	}
	rec := &st.inflight[int(uint32(tick))%inflightSlots]
	if !rec.valid || rec.tick != tick {
		return
	}
	rec.valid = false
	if rec.epoch != st.epoch {
		return
	}
	if rec.resized {
		st.resizePending = false
	}
	if rec.chunk && rec.chunkStart == st.AckedUpToIndex {
		for i := rec.chunkStart; i < rec.chunkEnd; i++ {
			a.clearIfCurrent(st, i, rec.writeSeq)
		}
		st.AckedUpToIndex = rec.chunkEnd
		st.HasPendingChunk = false
		if st.PendingSyncIndex < st.AckedUpToIndex {
			st.PendingSyncIndex = st.AckedUpToIndex
		}
		if st.AckedUpToIndex >= a.length {
			st.InitialSyncComplete = true
			st.LastSyncedLength = a.length
		}
	}
	for _, i := range rec.indices {
		a.clearIfCurrent(st, i, rec.writeSeq)
	}
}

func (a *Array[T]) clearIfCurrent(st *PeerState, i int, exported uint64) {
	if i < a.length && a.seq[i] <= exported {
		clearBit(st.dirty, i)
	}
}

// Apply decodes one payload into the array. A corrupt payload leaves the
// array untouched and returns an error wrapping ErrCorruptHeader or the
// buffer's underflow error.
func (a *Array[T]) Apply(b *wire.Buffer) (Change, error) {
	var change Change

	mode, resized, err := ParseMode(b.ReadU8())
	if err != nil {
		return change, err
	}
	length := int(b.ReadI32())
	if b.Err() != nil {
		return change, b.Err()
	}
	if length < 0 || length > len(a.items) {
		return change, fmt.Errorf("%w: length %d of %d", ErrCorruptHeader, length, len(a.items))
	}
	if !resized && length != a.length {
		return change, fmt.Errorf("%w: length %d without resize, have %d", ErrCorruptHeader, length, a.length)
	}

	a.scratch = a.scratch[:0]
	passEnd := false
	switch mode {
	case ModeFull:
		for i := 0; i < length; i++ {
			a.scratch = append(a.scratch, entry[T]{index: i, value: a.codec.Read(b)})
		}
		passEnd = true
	case ModeChunked, ModeChunkedWithDelta:
		start, count := int(b.ReadI32()), int(b.ReadI32())
		if b.Err() != nil {
			return change, b.Err()
		}
		if start < 0 || count < 0 || start+count > length {
			return change, fmt.Errorf("%w: chunk [%d,+%d) of %d", ErrCorruptHeader, start, count, length)
		}
		for i := start; i < start+count; i++ {
			a.scratch = append(a.scratch, entry[T]{index: i, value: a.codec.Read(b)})
		}
		passEnd = start+count >= length
		if mode == ModeChunkedWithDelta {
			if err = a.readDeltas(b, length); err != nil {
				return change, err
			}
		}
	case ModeDelta:
		if err = a.readDeltas(b, length); err != nil {
			return change, err
		}
	}
	if b.Err() != nil {
		return change, b.Err()
	}

	if resized && !a.passActive {
		a.beginPass(length, &change)
	} else if resized && length != a.length {
		a.beginPass(length, &change)
	}

	for _, e := range a.scratch {
		fresh := a.passActive && e.index >= a.passBase && !hasBit(a.seen, e.index)
		if fresh {
			setBit(a.seen, e.index)
			change.Added = append(change.Added, e.index)
		} else if a.items[e.index] != e.value {
			change.Changed = append(change.Changed, e.index)
		}
		a.items[e.index] = e.value
	}
	if passEnd {
		a.passActive = false
	}
	return change, nil
}

func (a *Array[T]) beginPass(length int, change *Change) {
	old := a.length
	for i := length; i < old; i++ {
		change.Deleted = append(change.Deleted, i)
	}
	var zero T
	for i := old; i < length; i++ {
		a.items[i] = zero
	}
	a.length = length
	a.passActive = true
	a.passBase = old
	if length < old {
		a.passBase = length
	}
	clear(a.seen)
}

func (a *Array[T]) readDeltas(b *wire.Buffer, length int) error {
	n := int(b.ReadI32())
	if b.Err() != nil {
		return b.Err()
	}
	if n < 0 || n > length {
		return fmt.Errorf("%w: delta count %d of %d", ErrCorruptHeader, n, length)
	}
	for k := 0; k < n; k++ {
		i := int(b.ReadI32())
		v := a.codec.Read(b)
		if b.Err() != nil {
			return b.Err()
		}
		if i < 0 || i >= length {
			return fmt.Errorf("%w: delta index %d of %d", ErrCorruptHeader, i, length)
		}
		a.scratch = append(a.scratch, entry[T]{index: i, value: v})
	}
	return nil
}

func setBit(words []uint64, i int)      { words[i>>6] |= 1 << (uint(i) & 63) }
func clearBit(words []uint64, i int)    { words[i>>6] &^= 1 << (uint(i) & 63) }
func hasBit(words []uint64, i int) bool { return words[i>>6]&(1<<(uint(i)&63)) != 0 }

// nextBit returns the first set bit in [lo, hi), or -1.
func nextBit(words []uint64, lo, hi int) int {
	for lo < hi {
		w := words[lo>>6] >> (uint(lo) & 63)
		if w != 0 {
			i := lo + bits.TrailingZeros64(w)
			if i < hi {
				return i
			}
			return -1
		}
		lo = (lo | 63) + 1
	}
	return -1
}
