package orchestrator

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/replicore/internal/core/arraysync"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
)

func TestReplica_Config(t *testing.T) {
	cfg := DefaultReplicaConfig()
	cfg.RedundantInputs = 0
	_, err := NewReplica(cfg, testRegistry(t), UplinkFunc(func(protocol.Channel, []byte) {}), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReplica_Prediction(t *testing.T) {
	h := newHarness(t, DefaultAuthorityConfig())
	p := h.join("alice")
	m, err := h.auth.Spawn("Mover", WithOwner(p.slot))
	require.NoError(t, err)
	h.run(10)

	mirror, ok := p.mirror(m.ID())
	require.True(t, ok)
	require.True(t, mirror.OwnedBy(p.slot))

	lookahead := models.Tick(DefaultReplicaConfig().Lookahead)
	assert.Equal(t, h.auth.Tick(), p.replica.ConfirmedTick())
	assert.Equal(t, p.replica.ConfirmedTick()+lookahead, p.replica.PredictedTick())
	assert.Equal(t, value(t, m, "x").AsInt32()+int32(lookahead), value(t, mirror, "x").AsInt32())
	assert.Zero(t, p.replica.Stats().Mispredictions)
	assert.Zero(t, p.replica.Stats().Resimulations)

	t.Run("Correction resimulates from buffered inputs", func(t *testing.T) {
		x := value(t, m, "x").AsInt32()
		require.NoError(t, m.SetByName("x", replication.Int32(x+100)))
		h.run(1)

		stats := p.replica.Stats()
		assert.Equal(t, uint64(1), stats.Mispredictions)
		assert.Equal(t, uint64(1), stats.Resimulations)
		assert.Equal(t, uint64(lookahead-1), stats.ResimulatedTicks)
		assert.Equal(t, value(t, m, "x").AsInt32()+int32(lookahead), value(t, mirror, "x").AsInt32())

		h.run(5)
		assert.Equal(t, uint64(1), p.replica.Stats().Resimulations, "back on track")
		assert.Equal(t, value(t, m, "x").AsInt32()+int32(lookahead), value(t, mirror, "x").AsInt32())
	})

	t.Run("Owned render value is the prediction", func(t *testing.T) {
		v, err := p.replica.RenderValue(mirror.Local(), models.RootSlot, "x", h.now)
		require.NoError(t, err)
		assert.Equal(t, value(t, mirror, "x"), v)
	})
}

func TestReplica_StalledPastHorizon(t *testing.T) {
	h := newHarness(t, DefaultAuthorityConfig())
	p := h.join("alice")
	m, err := h.auth.Spawn("Mover", WithOwner(p.slot))
	require.NoError(t, err)
	h.run(10)
	mirror, ok := p.mirror(m.ID())
	require.True(t, ok)

	before := p.replica.Stats()
	stalledAt := p.replica.PredictedTick()
	lookahead := DefaultReplicaConfig().Lookahead
	for i := 0; i < 3*lookahead+5; i++ {
		h.auth.Step()
		h.flush()
	}
	require.Greater(t, h.auth.Tick(), stalledAt)

	p.behave.step = 0
	h.now = h.now.Add(h.auth.Config().TickInterval())
	p.replica.Step(h.now)

	stats := p.replica.Stats()
	assert.Equal(t, h.auth.Tick(), p.replica.ConfirmedTick())
	assert.GreaterOrEqual(t, p.replica.PredictedTick(), p.replica.ConfirmedTick())
	assert.Equal(t, before.Mispredictions, stats.Mispredictions)
	assert.Equal(t, before.ResimulatedTicks, stats.ResimulatedTicks)
	assert.Equal(t, value(t, m, "x"), value(t, mirror, "x"), "confirmed values are taken as is")

	h.run(5)
	assert.Equal(t, before.Mispredictions, p.replica.Stats().Mispredictions)
	assert.Equal(t, value(t, m, "x"), value(t, mirror, "x"))
}

func TestReplica_DecodeError(t *testing.T) {
	h := newHarness(t, DefaultAuthorityConfig())
	p := h.join("alice")
	m, err := h.auth.Spawn("Mover", WithOwner(p.slot))
	require.NoError(t, err)
	h.run(5)
	mirror, _ := p.mirror(m.ID())
	confirmed := p.replica.ConfirmedTick()

	bad := make([]byte, 0, 16)
	bad = binary.LittleEndian.AppendUint32(bad, uint32(confirmed+1))
	bad = append(bad, 0x01)
	bad = binary.LittleEndian.AppendUint64(bad, 1<<1)
	bad = append(bad, 0x08)
	require.NoError(t, p.replica.Receive(protocol.ChannelState, bad))
	p.replica.Step(h.now)

	assert.Equal(t, uint64(1), p.replica.Stats().DecodeErrors)
	assert.Equal(t, confirmed, p.replica.ConfirmedTick(), "confirmed tick does not advance")
	_, ok := p.mirror(m.ID())
	require.True(t, ok, "entities survive an aborted import")

	h.flush()
	h.run(3)
	assert.Greater(t, p.replica.ConfirmedTick(), confirmed)
	assert.Zero(t, p.replica.Stats().Mispredictions)
	ahead := int32(p.replica.PredictedTick() - p.replica.ConfirmedTick())
	assert.Equal(t, value(t, m, "x").AsInt32()+ahead, value(t, mirror, "x").AsInt32())

	t.Run("Stale packets are dropped", func(t *testing.T) {
		old := binary.LittleEndian.AppendUint32(nil, uint32(confirmed))
		require.NoError(t, p.replica.Receive(protocol.ChannelState, old))
		assert.Equal(t, uint64(1), p.replica.Stats().StalePackets)
	})

	t.Run("Short packets are rejected", func(t *testing.T) {
		require.ErrorIs(t, p.replica.Receive(protocol.ChannelState, []byte{1}), ErrMalformed)
	})

	t.Run("Unknown entity with properties aborts", func(t *testing.T) {
		before := p.replica.Stats().DecodeErrors
		pkt := binary.LittleEndian.AppendUint32(nil, uint32(p.replica.ConfirmedTick()+1))
		pkt = append(pkt, 0x01)
		pkt = binary.LittleEndian.AppendUint64(pkt, 1<<9)
		pkt = append(pkt, replication.SerProperties, replication.SectionEnd)
		require.NoError(t, p.replica.Receive(protocol.ChannelState, pkt))
		p.replica.Step(h.now)
		assert.Equal(t, before+1, p.replica.Stats().DecodeErrors)
	})
}

func TestReplica_Interpolation(t *testing.T) {
	h := newHarness(t, DefaultAuthorityConfig())
	p := h.join("alice")
	crate, err := h.auth.Spawn("Crate")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		next := float32(h.auth.Tick() + 1)
		require.NoError(t, crate.SetByName("position", replication.Vec3(mgl32.Vec3{next, 0, 0})))
		h.step()
	}
	mirror, ok := p.mirror(crate.ID())
	require.True(t, ok)

	delay := float64(DefaultReplicaConfig().InterpolationDelayTicks)
	assert.InDelta(t, float64(p.replica.ConfirmedTick())-delay, p.replica.RenderTick(h.now), 1e-9)

	v, err := p.replica.RenderValue(mirror.Local(), models.RootSlot, "position", h.now)
	require.NoError(t, err)
	assert.InDelta(t, 8, v.AsVec3().X(), 1e-5)

	half := h.now.Add(p.replica.TickInterval() / 2)
	v, err = p.replica.RenderValue(mirror.Local(), models.RootSlot, "position", half)
	require.NoError(t, err)
	assert.InDelta(t, 8.5, v.AsVec3().X(), 1e-5)

	_, err = p.replica.RenderValue(mirror.Local(), models.RootSlot, "mass", h.now)
	require.ErrorIs(t, err, replication.ErrUnknownProperty)
}

// A silent peer is torn down without disturbing the others.
func TestAuthority_AckTimeout(t *testing.T) {
	for _, policy := range []TimeoutPolicy{TimeoutDespawn, TimeoutRelease} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := DefaultAuthorityConfig()
			cfg.AckTimeoutTicks = 10
			cfg.TimeoutPolicy = policy
			h := newHarness(t, cfg)
			a := h.join("a")
			b := h.join("b")

			ma, err := h.auth.Spawn("Mover", WithOwner(a.slot))
			require.NoError(t, err)
			mb, err := h.auth.Spawn("Mover", WithOwner(b.slot))
			require.NoError(t, err)
			h.run(5)
			_, ok := a.mirror(mb.ID())
			require.True(t, ok)

			b.frozen = true
			h.run(cfg.AckTimeoutTicks + 4)

			_, ok = h.auth.Session(b.slot)
			assert.False(t, ok, "silent peer is disconnected")
			assert.Equal(t, uint64(1), h.auth.Stats().TimedOut)

			sa, ok := h.auth.Session(a.slot)
			require.True(t, ok)
			assert.Equal(t, models.StatusInWorld, sa.Status)
			assert.True(t, ma.OwnedBy(a.slot))
			assert.Zero(t, a.replica.Stats().Mispredictions)

			switch policy {
			case TimeoutDespawn:
				_, ok = h.auth.Entity(mb.ID())
				assert.False(t, ok)
				_, ok = a.mirror(mb.ID())
				assert.False(t, ok)
			case TimeoutRelease:
				e, ok := h.auth.Entity(mb.ID())
				require.True(t, ok)
				assert.Equal(t, models.NoPeer, e.Owner())
				_, ok = a.mirror(mb.ID())
				assert.True(t, ok)
			}
		})
	}
}

func TestReplication_ConvergesUnderLoss(t *testing.T) {
	h := newHarness(t, DefaultAuthorityConfig())
	a := h.join("a")
	b := h.join("b")
	h.loss = 0.3

	var crates, movers []*replication.Entity
	for i := 0; i < 3; i++ {
		c, err := h.auth.Spawn("Crate")
		require.NoError(t, err)
		crates = append(crates, c)
		m, err := h.auth.Spawn("Mover")
		require.NoError(t, err)
		movers = append(movers, m)
	}

	rng := rand.New(rand.NewSource(42))
	for tick := 0; tick < 300; tick++ {
		c := crates[rng.Intn(len(crates))]
		require.NoError(t, c.SetByName("hp", replication.Int32(rng.Int31n(100))))
		require.NoError(t, c.SetByName("position", replication.Vec3(mgl32.Vec3{rng.Float32(), rng.Float32(), 0})))
		require.NoError(t, c.Child(1).SetByName("open", replication.Bool(rng.Intn(2) == 0)))

		m := movers[rng.Intn(len(movers))]
		cells, err := replication.ArrayOf[int32](m, "cells")
		require.NoError(t, err)
		switch roll := rng.Intn(20); {
		case roll == 0:
			require.NoError(t, cells.SetLength(rng.Intn(cells.Cap()+1)))
		case roll < 8 && cells.Len() < cells.Cap():
			require.NoError(t, cells.Append(rng.Int31()))
		case cells.Len() > 0:
			require.NoError(t, cells.Set(rng.Intn(cells.Len()), rng.Int31()))
		}
		h.step()
	}
	h.run(400)

	for _, p := range []*testPeer{a, b} {
		h.auth.Entities(func(e *replication.Entity) bool {
			mirror, ok := p.mirror(e.ID())
			require.True(t, ok, "%s on peer %d", e.ID(), p.slot)
			for i, n := range e.Nodes() {
				mn := mirror.Nodes()[i]
				assert.Equal(t, n.Values(), mn.Values(), "%s node %d", e.ID(), i)
				for _, prop := range n.Class().Properties {
					if prop.Kind != schema.KindArray {
						continue
					}
					arr, err := n.Array(int(prop.Index))
					require.NoError(t, err)
					marr, err := mn.Array(int(prop.Index))
					require.NoError(t, err)
					assert.Equal(t, arr.Dump(), marr.Dump(), "%s.%s", e.ID(), prop.Name)
					st, ok := arr.(*arraysync.Array[int32]).Peer(int(p.slot))
					require.True(t, ok)
					assert.True(t, st.InitialSyncComplete)
				}
			}
			return true
		})
	}
}
