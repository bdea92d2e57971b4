package ecs

import (
	"github.com/rifthaven/server/internal/replica"
	"github.com/rifthaven/server/internal/schema"
)

// TrackedStore holds every live instance of one replicated component type,
// each wrapped for change tracking. The store owns the type's slot in the
// modified registry; any mutation through a handle it hands out marks that
// slot.
type TrackedStore struct {
	comp *schema.Component
	reg  *replica.Modified
	slot int
	data map[EntityID]*replica.Tracked
}

func NewTrackedStore(comp *schema.Component, reg *replica.Modified) (*TrackedStore, error) {
	slot, err := reg.Register(comp.TypeID)
	if err != nil {
		return nil, err
	}
	return &TrackedStore{
		comp: comp,
		reg:  reg,
		slot: slot,
		data: make(map[EntityID]*replica.Tracked, 256),
	}, nil
}

func (s *TrackedStore) Component() *schema.Component { return s.comp }

// Spawn attaches a fresh zero-valued instance to the entity, replacing any
// existing one.
func (s *TrackedStore) Spawn(id EntityID) *replica.Tracked {
	t := replica.NewTracked(s.comp, s.reg, s.slot)
	s.data[id] = t
	return t
}

// Attach wraps an existing value, e.g. one restored from a database
// snapshot, and binds it to the entity.
func (s *TrackedStore) Attach(id EntityID, v *replica.Value) *replica.Tracked {
	t := replica.Adopt(s.comp, s.reg, s.slot, v)
	s.data[id] = t
	return t
}

func (s *TrackedStore) Get(id EntityID) (*replica.Tracked, bool) {
	t, ok := s.data[id]
	return t, ok
}

func (s *TrackedStore) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *TrackedStore) Remove(id EntityID) {
	delete(s.data, id)
}

func (s *TrackedStore) Len() int { return len(s.data) }

func (s *TrackedStore) Each(fn func(EntityID, *replica.Tracked)) {
	for id, t := range s.data {
		fn(id, t)
	}
}

// CheckAndClear consumes the type's modified flag.
func (s *TrackedStore) CheckAndClear() bool {
	return s.reg.CheckAndClear(s.slot)
}
