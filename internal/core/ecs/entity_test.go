package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityIDParts(t *testing.T) {
	id := NewEntityID(7, 3)
	assert.Equal(t, uint32(7), id.Index())
	assert.Equal(t, uint32(3), id.Generation())
	assert.False(t, id.IsZero())
	assert.True(t, EntityID(0).IsZero())
}

func TestPoolCreateDestroy(t *testing.T) {
	p := NewEntityPool()

	a := p.Create()
	b := p.Create()
	assert.NotEqual(t, a, b)
	assert.True(t, p.Alive(a))
	assert.True(t, p.Alive(b))

	p.Destroy(a)
	assert.False(t, p.Alive(a))
	assert.True(t, p.Alive(b))
}

func TestPoolGenerationInvalidatesStaleRefs(t *testing.T) {
	p := NewEntityPool()

	a := p.Create()
	p.Destroy(a)

	// index reused, generation bumped
	c := p.Create()
	assert.Equal(t, a.Index(), c.Index())
	assert.NotEqual(t, a.Generation(), c.Generation())
	assert.False(t, p.Alive(a), "stale handle stays dead")
	assert.True(t, p.Alive(c))

	// double destroy through the stale handle is a no-op
	p.Destroy(a)
	assert.True(t, p.Alive(c))
}

func TestRegistryRemoveAll(t *testing.T) {
	reg := NewRegistry()
	s1 := NewPtrComponentStore[int]()
	s2 := NewPtrComponentStore[string]()
	reg.Register(s1)
	reg.Register(s2)

	id := NewEntityID(1, 0)
	x, y := 5, "tag"
	s1.Set(id, &x)
	s2.Set(id, &y)
	require.True(t, s1.Has(id))

	reg.RemoveAll(id)
	assert.False(t, s1.Has(id))
	assert.False(t, s2.Has(id))
}

func TestWorldDestroyQueue(t *testing.T) {
	w := NewWorld()
	refs := NewPtrComponentStore[int]()
	w.Registry().Register(refs)

	id := w.CreateEntity()
	v := 1
	refs.Set(id, &v)

	w.MarkForDestruction(id)
	assert.True(t, w.Alive(id), "destruction is deferred to the cleanup flush")
	assert.True(t, refs.Has(id))

	w.FlushDestroyQueue()
	assert.False(t, w.Alive(id))
	assert.False(t, refs.Has(id))
}
