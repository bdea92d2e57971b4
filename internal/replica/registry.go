package replica

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Modified is the process-wide "something of this type changed" flag table.
// One sticky flag per registered component type, set from any goroutine that
// mutates a tracked instance, cleared only by the commit pass. The flags are
// monotonic until cleared, so plain atomic stores are enough; the tick
// scheduler's logic→commit barrier orders the clear after all marks.
//
// Capacity is fixed at construction. Registering more distinct types than
// capacity is a configuration error, caught at startup.
type Modified struct {
	flags []atomic.Bool

	mu    sync.Mutex
	slots map[uint32]int
}

// NewModified creates a registry with room for cap component types.
func NewModified(cap int) *Modified {
	return &Modified{
		flags: make([]atomic.Bool, cap),
		slots: make(map[uint32]int, cap),
	}
}

// Register assigns a flag slot to the type id. Called once per type during
// startup, before any marking happens.
func (m *Modified) Register(typeID uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.slots[typeID]; dup {
		return 0, fmt.Errorf("type %#08x: %w", typeID, ErrDuplicateType)
	}
	if len(m.slots) >= len(m.flags) {
		return 0, fmt.Errorf("capacity %d: %w", len(m.flags), ErrRegistryFull)
	}
	slot := len(m.slots)
	m.slots[typeID] = slot
	return slot, nil
}

// Mark sets the flag for a registered slot. Idempotent, non-blocking, safe
// under concurrent unordered writers.
func (m *Modified) Mark(slot int) {
	m.flags[slot].Store(true)
}

// CheckAndClear atomically reads and clears the slot's flag, returning
// whether it was set. Only the commit pass calls this, so a clear never
// races another clear.
func (m *Modified) CheckAndClear(slot int) bool {
	return m.flags[slot].Swap(false)
}

// IsSet reads the flag without clearing it.
func (m *Modified) IsSet(slot int) bool {
	return m.flags[slot].Load()
}

// Len returns the number of registered types.
func (m *Modified) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
