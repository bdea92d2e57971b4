package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rifthaven/server/internal/replica"
	"github.com/rifthaven/server/internal/schema"
)

func trackedWorld(t *testing.T) (*World, *TrackedStore) {
	t.Helper()
	set, err := schema.Parse([]byte(`
components:
  - name: Counter
    fields:
      - { name: ticks, number: 1, type: u64 }
`))
	require.NoError(t, err)

	reg := replica.NewModified(8)
	store, err := NewTrackedStore(set.ByName("Counter"), reg)
	require.NoError(t, err)

	w := NewWorld()
	w.AddTracked(store)
	return w, store
}

func TestTrackedStoreSpawnAndGet(t *testing.T) {
	w, store := trackedWorld(t)

	id := w.CreateEntity()
	tr := store.Spawn(id)
	require.NotNil(t, tr)
	assert.True(t, store.Has(id))
	assert.Equal(t, 1, store.Len())

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Same(t, tr, got)

	assert.Same(t, store, w.Tracked(store.Component().TypeID))
	assert.Nil(t, w.Tracked(0xDEADBEEF))
}

func TestTrackedStoreModifiedFlag(t *testing.T) {
	w, store := trackedWorld(t)

	id := w.CreateEntity()
	tr := store.Spawn(id)

	assert.False(t, store.CheckAndClear(), "spawn alone is not a mutation")

	tr.Mutate().SetU64(1, 42)
	assert.True(t, store.CheckAndClear())
	assert.False(t, store.CheckAndClear(), "flag consumed")
}

func TestTrackedStoreEntityDestroyRemoves(t *testing.T) {
	w, store := trackedWorld(t)

	id := w.CreateEntity()
	store.Spawn(id)
	require.True(t, store.Has(id))

	w.MarkForDestruction(id)
	w.FlushDestroyQueue()
	assert.False(t, store.Has(id), "destroy clears replicated stores too")
}

func TestTrackedStoreAttach(t *testing.T) {
	w, store := trackedWorld(t)

	v := replica.New(&store.Component().Message)
	v.SetU64(1, 900)
	v.ClearMask()

	id := w.CreateEntity()
	tr := store.Attach(id, v)
	assert.Equal(t, uint64(900), tr.Read().U64(1))
	assert.False(t, store.CheckAndClear(), "attaching restored state is not a mutation")
}
