package replication

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeusync/replicore/internal/core/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	_, err := r.Register(schema.NewClass("Weapon").
		Property("ammo", schema.KindInt32, schema.Notify()))
	require.NoError(t, err)
	_, err = r.Register(schema.NewClass("Player").
		Property("position", schema.KindVec3, schema.Predict(0.01), schema.Interpolate(1)).
		Property("rotation", schema.KindQuat, schema.Interpolate(1)).
		Property("health", schema.KindInt32, schema.Notify()).
		Property("name", schema.KindString).
		Array("inventory", schema.KindInt32, 16, 64, schema.Notify()).
		Child("Weapon").
		InterestAny(1))
	require.NoError(t, err)
	require.NoError(t, r.Freeze())
	return r
}

func testPlayer(t *testing.T, id uint64) *Entity {
	t.Helper()
	class, ok := testRegistry(t).Class("Player")
	require.True(t, ok)
	return NewEntity(class, entityID(id))
}
