// Package arraysync replicates large fixed-capacity arrays to many
// independently paced peers.
//
// A fresh or resized peer receives the array progressively in bounded
// chunks; once its initial pass is acknowledged it only receives the
// indices written since. Every element bit stays dirty for a peer until
// that peer acknowledges a packet that carried the current value, so lost
// packets are retried automatically.
package arraysync

import (
	"errors"
	"fmt"
)

// Mode is the leading flag byte of an array payload.
type Mode uint8

const (
	// ModeFull carries the whole array. It is encoded as the absence of
	// every other flag, so it must be tested for last.
	ModeFull    Mode = 0
	ModeChunked Mode = 1 << 0
	ModeDelta   Mode = 1 << 1
	// FlagResized accompanies any mode while a length change is unacknowledged.
	FlagResized Mode = 1 << 2

	ModeChunkedWithDelta = ModeChunked | ModeDelta

	knownFlags = ModeChunked | ModeDelta | FlagResized
)

const (
	// FullHeaderSize is flags + length.
	FullHeaderSize = 1 + 4
	// ChunkHeaderSize is flags + length + start + count.
	ChunkHeaderSize = 1 + 4 + 4 + 4
	// DeltaHeaderSize is flags + length + delta count.
	DeltaHeaderSize = 1 + 4 + 4
	// inlineDeltaHeaderSize is the delta count trailing a chunk.
	inlineDeltaHeaderSize = 4
	// deltaIndexSize prefixes every delta entry.
	deltaIndexSize = 4
)

// MaxExportSize bounds one exported payload for elements of elemSize
// bytes. A payload stays within budget unless the single element always
// carried does not fit it.
func MaxExportSize(budget, elemSize int) int {
	return max(budget, ChunkHeaderSize+elemSize, DeltaHeaderSize+deltaIndexSize+elemSize)
}

var (
	ErrCorruptHeader    = errors.New("arraysync: corrupt header")
	ErrIndexOutOfRange  = errors.New("arraysync: index out of range")
	ErrLengthOutOfRange = errors.New("arraysync: length exceeds capacity")
	ErrUnknownPeer      = errors.New("arraysync: peer not attached")
)

func (m Mode) String() string {
	switch m.base() {
	case ModeChunkedWithDelta:
		return "chunked_with_delta"
	case ModeChunked:
		return "chunked"
	case ModeDelta:
		return "delta"
	default:
		return "full"
	}
}

func (m Mode) base() Mode { return m &^ FlagResized }

// Resized reports whether the flag byte announces a length change.
func (m Mode) Resized() bool { return m&FlagResized != 0 }

// ParseMode decodes a flag byte. Combined flags are tested before single
// flags, and Full is only assumed once no flag matched.
func ParseMode(flags byte) (Mode, bool, error) {
	m := Mode(flags)
	if m&^knownFlags != 0 {
		return 0, false, fmt.Errorf("%w: flags 0x%02x", ErrCorruptHeader, flags)
	}
	resized := m.Resized()
	base := m.base()
	switch {
	case base&ModeChunkedWithDelta == ModeChunkedWithDelta:
		return ModeChunkedWithDelta, resized, nil
	case base&ModeChunked != 0:
		return ModeChunked, resized, nil
	case base&ModeDelta != 0:
		return ModeDelta, resized, nil
	default:
		return ModeFull, resized, nil
	}
}
