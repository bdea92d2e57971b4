package replica

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModifiedRegister(t *testing.T) {
	m := NewModified(4)

	s0, err := m.Register(0xAABBCCDD)
	require.NoError(t, err)
	s1, err := m.Register(0x11223344)
	require.NoError(t, err)
	assert.NotEqual(t, s0, s1)
	assert.Equal(t, 2, m.Len())

	_, err = m.Register(0xAABBCCDD)
	assert.ErrorIs(t, err, ErrDuplicateType)
}

func TestModifiedCapacity(t *testing.T) {
	m := NewModified(2)
	_, err := m.Register(1)
	require.NoError(t, err)
	_, err = m.Register(2)
	require.NoError(t, err)

	_, err = m.Register(3)
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestModifiedMarkAndClear(t *testing.T) {
	m := NewModified(2)
	slot, err := m.Register(7)
	require.NoError(t, err)

	assert.False(t, m.IsSet(slot))
	assert.False(t, m.CheckAndClear(slot), "fresh slot must read clear")

	m.Mark(slot)
	m.Mark(slot) // idempotent
	assert.True(t, m.IsSet(slot))

	assert.True(t, m.CheckAndClear(slot))
	assert.False(t, m.CheckAndClear(slot), "consuming the flag clears it")
}

func TestModifiedConcurrentMark(t *testing.T) {
	m := NewModified(1)
	slot, err := m.Register(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Mark(slot)
			}
		}()
	}
	wg.Wait()

	assert.True(t, m.CheckAndClear(slot))
	assert.False(t, m.IsSet(slot))
}
