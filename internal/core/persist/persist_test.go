package persist

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/orchestrator"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
)

func testRegistry(t *testing.T, extra ...string) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	r.MustRegister(schema.NewClass("Lid").Property("open", schema.KindBool))
	r.MustRegister(schema.NewClass("Chest").
		Property("name", schema.KindString).
		Property("gold", schema.KindUint64).
		Property("weight", schema.KindFloat64).
		Property("facing", schema.KindQuat).
		Property("key", schema.KindEntityRef).
		Array("slots", schema.KindInt32, 16, 64).
		Child("Lid"))
	r.MustRegister(schema.NewClass("Key").Property("code", schema.KindUint16))
	for _, name := range extra {
		r.MustRegister(schema.NewClass(name))
	}
	require.NoError(t, r.Freeze())
	return r
}

func newAuthority(t *testing.T, r *schema.Registry) *orchestrator.Authority {
	t.Helper()
	a, err := orchestrator.NewAuthority(orchestrator.DefaultAuthorityConfig(), r,
		orchestrator.DownlinkFunc(func(models.PeerSlot, protocol.Channel, []byte) {}), log.NewNop())
	require.NoError(t, err)
	return a
}

func populate(t *testing.T, a *orchestrator.Authority) (*replication.Entity, *replication.Entity) {
	t.Helper()
	chest, err := a.Spawn("Chest", orchestrator.AsWorldRoot())
	require.NoError(t, err)
	key, err := a.Spawn("Key", orchestrator.WithParent(chest.ID()), orchestrator.WithInterest(0b101))
	require.NoError(t, err)

	require.NoError(t, chest.SetByName("name", replication.String("loot")))
	require.NoError(t, chest.SetByName("gold", replication.Uint64(1<<40)))
	require.NoError(t, chest.SetByName("weight", replication.Float64(12.5)))
	require.NoError(t, chest.SetByName("facing", replication.Quat(mgl32.QuatRotate(1, mgl32.Vec3{0, 1, 0}))))
	require.NoError(t, chest.SetByName("key", replication.EntityRef(key.ID())))
	require.NoError(t, chest.Child(1).SetByName("open", replication.Bool(true)))
	slots, err := replication.ArrayOf[int32](chest, "slots")
	require.NoError(t, err)
	for i := int32(0); i < 5; i++ {
		require.NoError(t, slots.Append(i*i))
	}
	require.NoError(t, key.SetByName("code", replication.Uint16(4242)))
	a.Step()
	return chest, key
}

func TestCaptureRestore(t *testing.T) {
	r := testRegistry(t)
	src := newAuthority(t, r)
	chest, key := populate(t, src)

	w, err := Capture(src)
	require.NoError(t, err)
	require.Len(t, w.Entities, 2)
	assert.Equal(t, int32(1), w.Tick)

	data, err := Marshal(w)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	dst := newAuthority(t, r)
	restored, err := Restore(dst, decoded)
	require.NoError(t, err)
	require.Len(t, restored, 2)

	c2, ok := dst.Entity(chest.ID())
	require.True(t, ok)
	k2, ok := dst.Entity(key.ID())
	require.True(t, ok)

	for i, n := range chest.Nodes() {
		assert.Equal(t, n.Values(), c2.Nodes()[i].Values(), "node %d", i)
	}
	assert.Equal(t, key.Values(), k2.Values())
	assert.True(t, c2.WorldRoot())
	assert.Equal(t, chest.ID(), k2.Parent())
	assert.True(t, k2.InterestPinned())
	assert.Equal(t, uint64(0b101), k2.Interest())

	slots, err := replication.ArrayOf[int32](c2, "slots")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 4, 9, 16}, slots.Values())

	t.Run("New ids continue above restored ones", func(t *testing.T) {
		e, err := dst.Spawn("Key")
		require.NoError(t, err)
		assert.Greater(t, e.ID(), key.ID())
	})

	t.Run("Colliding ids are refused", func(t *testing.T) {
		_, err := Restore(dst, decoded)
		assert.ErrorIs(t, err, orchestrator.ErrDuplicateEntity)
	})

	t.Run("Schema mismatch", func(t *testing.T) {
		other := newAuthority(t, testRegistry(t, "Barrel"))
		_, err := Restore(other, decoded)
		assert.ErrorIs(t, err, ErrSchemaMismatch)
	})
}

func TestCodec(t *testing.T) {
	w := &World{Version: formatVersion, Fingerprint: 7, Tick: 3, Entities: []Document{{
		ID:    1,
		Class: "Key",
		Nodes: []Node{{Values: map[string]any{"code": uint16(1)}}},
	}}}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, w))
	assert.Equal(t, magic, buf.Bytes()[:len(magic)])

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, w.Fingerprint, got.Fingerprint)
	assert.Equal(t, "Key", got.Entities[0].Class)

	_, err = Unmarshal([]byte("nope, not a snapshot"))
	assert.ErrorIs(t, err, ErrBadMagic)
	_, err = Unmarshal([]byte("RP"))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestStores(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	stores := map[string]Store{"memory": NewMemoryStore(), "file": fs}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := &World{Version: formatVersion, Tick: 9}

			require.NoError(t, s.Save(ctx, "b", w))
			require.NoError(t, s.Save(ctx, "a", w))
			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keys)

			got, err := s.Load(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, int32(9), got.Tick)

			require.NoError(t, s.Delete(ctx, "a"))
			_, err = s.Load(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)
			assert.ErrorIs(t, s.Save(ctx, "../escape", w), ErrInvalidKey)
		})
	}
}
