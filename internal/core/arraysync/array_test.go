package arraysync

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/wire"
)

const peer = 1

func export(t *testing.T, a *Array[int32], tick models.Tick, budget int) []byte {
	t.Helper()
	b := wire.NewBuffer(1 << 14)
	ok, err := a.Export(peer, tick, budget, b)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	return append([]byte(nil), b.Bytes()...)
}

func apply(t *testing.T, a *Array[int32], payload []byte) Change {
	t.Helper()
	change, err := a.Apply(wire.Wrap(payload))
	require.NoError(t, err)
	return change
}

func filled(n, capacity int) *Array[int32] {
	a := New[int32](Int32Codec{}, capacity)
	for i := 0; i < n; i++ {
		_ = a.Append(int32((i + 1) * 10))
	}
	return a
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		flags   byte
		mode    Mode
		resized bool
	}{
		{0, ModeFull, false},
		{1, ModeChunked, false},
		{2, ModeDelta, false},
		{3, ModeChunkedWithDelta, false},
		{4, ModeFull, true},
		{4 | 3, ModeChunkedWithDelta, true},
		{4 | 2, ModeDelta, true},
	}
	for _, c := range cases {
		t.Run(c.mode.String(), func(t *testing.T) {
			mode, resized, err := ParseMode(c.flags)
			require.NoError(t, err)
			assert.Equal(t, c.mode, mode)
			assert.Equal(t, c.resized, resized)
		})
	}

	_, _, err := ParseMode(0x08)
	require.ErrorIs(t, err, ErrCorruptHeader)
}

func TestArray_ChunkedInitialSync(t *testing.T) {
	src := filled(5, 16)
	src.Attach(peer)
	dst := New[int32](Int32Codec{}, 16)
	budget := ChunkHeaderSize + 2*4

	t.Run("Chunks of two then the remainder", func(t *testing.T) {
		wantAdded := [][]int{{0, 1}, {2, 3}, {4}}
		for tick, added := range wantAdded {
			p := export(t, src, models.Tick(tick), budget)
			require.NotNil(t, p)
			mode, _, err := ParseMode(p[0])
			require.NoError(t, err)
			require.Equal(t, ModeChunked, mode)

			change := apply(t, dst, p)
			require.Equal(t, added, change.Added)
			require.Equal(t, 5, dst.Len())
			src.Ack(peer, models.Tick(tick))
		}

		st, ok := src.Peer(peer)
		require.True(t, ok)
		require.True(t, st.InitialSyncComplete)
		require.Equal(t, 5, st.AckedUpToIndex)
		require.Equal(t, 5, st.LastSyncedLength)
		require.Equal(t, src.Values(), dst.Values())
	})

	t.Run("Nothing to send when synced", func(t *testing.T) {
		require.False(t, src.NeedsExport(peer))
		require.Nil(t, export(t, src, 3, budget))
	})

	t.Run("Later writes travel as deltas", func(t *testing.T) {
		require.NoError(t, src.Set(3, 99))
		p := export(t, src, 4, budget)
		mode, resized, err := ParseMode(p[0])
		require.NoError(t, err)
		require.Equal(t, ModeDelta, mode)
		require.False(t, resized)

		change := apply(t, dst, p)
		require.Equal(t, []int{3}, change.Changed)
		require.Empty(t, change.Added)
		require.Equal(t, int32(99), dst.At(3))

		src.Ack(peer, 4)
		require.False(t, src.NeedsExport(peer))
	})
}

func TestArray_FullWhenItFits(t *testing.T) {
	src := filled(3, 8)
	src.Attach(peer)
	dst := New[int32](Int32Codec{}, 8)

	p := export(t, src, 0, 1200)
	mode, resized, err := ParseMode(p[0])
	require.NoError(t, err)
	require.Equal(t, ModeFull, mode)
	require.True(t, resized)

	change := apply(t, dst, p)
	require.Equal(t, []int{0, 1, 2}, change.Added)
	src.Ack(peer, 0)
	require.False(t, src.NeedsExport(peer))
}

func TestArray_UnackedChunkIsResent(t *testing.T) {
	src := filled(5, 16)
	src.Attach(peer)
	budget := ChunkHeaderSize + 2*4

	first := export(t, src, 0, budget)
	second := export(t, src, 1, budget)
	require.Equal(t, first, second)

	src.Ack(peer, 1)
	st, _ := src.Peer(peer)
	require.Equal(t, 2, st.AckedUpToIndex)

	// The late ack of the first copy must not advance the pass again.
	src.Ack(peer, 0)
	st, _ = src.Peer(peer)
	require.Equal(t, 2, st.AckedUpToIndex)
}

func TestArray_TinyBudgetStillProgresses(t *testing.T) {
	src := filled(3, 8)
	src.Attach(peer)
	dst := New[int32](Int32Codec{}, 8)

	for tick := models.Tick(0); tick < 3; tick++ {
		change := apply(t, dst, export(t, src, tick, 0))
		require.Len(t, change.Added, 1)
		src.Ack(peer, tick)
	}
	require.Equal(t, src.Values(), dst.Values())
	require.False(t, src.NeedsExport(peer))
}

func TestArray_WriteDuringFlightStaysDirty(t *testing.T) {
	src := filled(5, 16)
	src.Attach(peer)
	dst := New[int32](Int32Codec{}, 16)
	budget := ChunkHeaderSize + 2*4

	p := export(t, src, 0, budget)
	require.NoError(t, src.Set(1, 7))
	apply(t, dst, p)
	src.Ack(peer, 0)

	for tick := models.Tick(1); tick < 3; tick++ {
		apply(t, dst, export(t, src, tick, budget))
		src.Ack(peer, tick)
	}

	require.True(t, src.NeedsExport(peer))
	change := apply(t, dst, export(t, src, 3, budget))
	require.Equal(t, []int{1}, change.Changed)
	src.Ack(peer, 3)
	require.Equal(t, src.Values(), dst.Values())
}

func TestArray_InlineDeltaBehindChunk(t *testing.T) {
	src := filled(9, 16)
	src.Attach(peer)
	dst := New[int32](Int32Codec{}, 16)
	budget := ChunkHeaderSize + 6*4

	p := export(t, src, 0, budget)
	apply(t, dst, p)
	src.Ack(peer, 0)

	require.NoError(t, src.Set(1, 500))
	p = export(t, src, 1, budget)
	mode, _, err := ParseMode(p[0])
	require.NoError(t, err)
	require.Equal(t, ModeChunkedWithDelta, mode)

	change := apply(t, dst, p)
	require.Equal(t, []int{6, 7, 8}, change.Added)
	require.Equal(t, []int{1}, change.Changed)

	src.Ack(peer, 1)
	require.False(t, src.NeedsExport(peer))
	require.Equal(t, src.Values(), dst.Values())
}

func TestArray_Resize(t *testing.T) {
	src := filled(5, 16)
	src.Attach(peer)
	dst := New[int32](Int32Codec{}, 16)

	apply(t, dst, export(t, src, 0, 1200))
	src.Ack(peer, 0)

	t.Run("Shrink reports deleted tail", func(t *testing.T) {
		require.NoError(t, src.SetLength(3))
		st, _ := src.Peer(peer)
		require.False(t, st.InitialSyncComplete)

		p := export(t, src, 1, 1200)
		_, resized, err := ParseMode(p[0])
		require.NoError(t, err)
		require.True(t, resized)

		change := apply(t, dst, p)
		require.Equal(t, []int{3, 4}, change.Deleted)
		require.Empty(t, change.Added)
		require.Empty(t, change.Changed)
		require.Equal(t, 3, dst.Len())
		src.Ack(peer, 1)
	})

	t.Run("Grow reports added tail", func(t *testing.T) {
		require.NoError(t, src.Append(77))
		change := apply(t, dst, export(t, src, 2, 1200))
		require.Equal(t, []int{3}, change.Added)
		require.Equal(t, int32(77), dst.At(3))
		src.Ack(peer, 2)
		require.False(t, src.NeedsExport(peer))
	})

	t.Run("Length bounded by capacity", func(t *testing.T) {
		require.ErrorIs(t, src.SetLength(17), ErrLengthOutOfRange)
		require.ErrorIs(t, src.Set(10, 1), ErrIndexOutOfRange)
	})
}

func TestArray_ApplyIsIdempotent(t *testing.T) {
	src := filled(4, 8)
	src.Attach(peer)
	dst := New[int32](Int32Codec{}, 8)

	p := export(t, src, 0, 1200)
	apply(t, dst, p)
	again := apply(t, dst, p)
	require.True(t, again.Empty())
	require.Equal(t, src.Values(), dst.Values())

	require.NoError(t, src.Set(2, -1))
	src.Ack(peer, 0)
	p = export(t, src, 1, 1200)
	apply(t, dst, p)
	again = apply(t, dst, p)
	require.True(t, again.Empty())
}

func TestArray_CorruptPayload(t *testing.T) {
	build := func(fn func(b *wire.Buffer)) []byte {
		b := wire.NewBuffer(256)
		fn(b)
		return b.Bytes()
	}
	cases := map[string][]byte{
		"Unknown flag": build(func(b *wire.Buffer) { b.WriteU8(0x10) }),
		"Negative length": build(func(b *wire.Buffer) {
			b.WriteU8(uint8(FlagResized))
			b.WriteI32(-1)
		}),
		"Length over capacity": build(func(b *wire.Buffer) {
			b.WriteU8(uint8(FlagResized))
			b.WriteI32(9)
		}),
		"Chunk past length": build(func(b *wire.Buffer) {
			b.WriteU8(uint8(ModeChunked | FlagResized))
			b.WriteI32(2)
			b.WriteI32(1)
			b.WriteI32(2)
			b.WriteI32(5)
			b.WriteI32(6)
		}),
		"Negative delta index": build(func(b *wire.Buffer) {
			b.WriteU8(uint8(ModeDelta))
			b.WriteI32(2)
			b.WriteI32(1)
			b.WriteI32(-3)
			b.WriteI32(5)
		}),
		"Length change without resize": build(func(b *wire.Buffer) {
			b.WriteU8(uint8(ModeDelta))
			b.WriteI32(4)
			b.WriteI32(0)
		}),
		"Truncated elements": build(func(b *wire.Buffer) {
			b.WriteU8(uint8(FlagResized))
			b.WriteI32(2)
			b.WriteI32(1)
		}),
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			dst := New[int32](Int32Codec{}, 8)
			require.NoError(t, dst.Load([]int32{1, 2}))

			_, err := dst.Apply(wire.Wrap(payload))
			require.Error(t, err)
			require.Equal(t, []int32{1, 2}, dst.Values())
		})
	}
}

func TestArray_ConvergesUnderLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src := filled(40, 64)
	src.Attach(peer)
	dst := New[int32](Int32Codec{}, 64)
	budget := ChunkHeaderSize + 6*4

	for tick := models.Tick(0); tick < 1200; tick++ {
		if tick < 600 {
			switch r := rng.Intn(20); {
			case r == 0:
				require.NoError(t, src.SetLength(rng.Intn(src.Cap()+1)))
			case src.Len() > 0:
				require.NoError(t, src.Set(rng.Intn(src.Len()), rng.Int31()))
			}
		}

		p := export(t, src, tick, budget)
		if p == nil || rng.Float64() < 0.3 {
			continue
		}
		apply(t, dst, p)
		if rng.Float64() < 0.3 {
			continue
		}
		src.Ack(peer, tick)
	}

	require.False(t, src.NeedsExport(peer))
	require.Equal(t, src.Values(), dst.Values())
}

func TestArray_IndependentPeers(t *testing.T) {
	src := filled(6, 8)
	src.Attach(1)
	src.Attach(2)
	budget := ChunkHeaderSize + 2*4

	b := wire.NewBuffer(256)
	_, err := src.Export(1, 0, budget, b)
	require.NoError(t, err)
	src.Ack(1, 0)

	one, _ := src.Peer(1)
	two, _ := src.Peer(2)
	require.Equal(t, 2, one.AckedUpToIndex)
	require.Equal(t, 0, two.AckedUpToIndex)

	src.Detach(2)
	_, ok := src.Peer(2)
	require.False(t, ok)
	_, err = src.Export(2, 1, budget, b)
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestArray_SaveRestore(t *testing.T) {
	src := filled(4, 8)
	b := wire.NewBuffer(64)
	src.Save(b)

	dst := New[int32](Int32Codec{}, 8)
	require.NoError(t, dst.Restore(wire.Wrap(b.Bytes())))
	require.Equal(t, src.Values(), dst.Values())
	require.Equal(t, []int32{10, 20, 30, 40}, dst.Dump())
}
