package ecs

// World is the top-level ECS container. It owns the entity pool, the component
// registry, the replicated stores indexed by type id, and a deferred
// destruction queue flushed by CleanupSystem each tick.
type World struct {
	pool         *EntityPool
	registry     *Registry
	tracked      map[uint32]*TrackedStore
	order        []*TrackedStore // registration order, for deterministic passes
	destroyQueue []EntityID
}

func NewWorld() *World {
	return &World{
		pool:         NewEntityPool(),
		registry:     NewRegistry(),
		tracked:      make(map[uint32]*TrackedStore, 16),
		destroyQueue: make([]EntityID, 0, 64),
	}
}

func (w *World) Pool() *EntityPool   { return w.pool }
func (w *World) Registry() *Registry { return w.registry }

// AddTracked registers a replicated store under its component's type id.
func (w *World) AddTracked(s *TrackedStore) {
	w.tracked[s.Component().TypeID] = s
	w.order = append(w.order, s)
	w.registry.Register(s)
}

// Tracked returns the store for a component type id, or nil.
func (w *World) Tracked(typeID uint32) *TrackedStore {
	return w.tracked[typeID]
}

// EachTracked visits replicated stores in registration order.
func (w *World) EachTracked(fn func(*TrackedStore)) {
	for _, s := range w.order {
		fn(s)
	}
}

func (w *World) CreateEntity() EntityID {
	return w.pool.Create()
}

func (w *World) Alive(id EntityID) bool {
	return w.pool.Alive(id)
}

// MarkForDestruction queues an entity for end-of-tick cleanup.
func (w *World) MarkForDestruction(id EntityID) {
	w.destroyQueue = append(w.destroyQueue, id)
}

// FlushDestroyQueue destroys all queued entities and clears their components.
// Called by CleanupSystem at the end of each tick.
func (w *World) FlushDestroyQueue() {
	for _, id := range w.destroyQueue {
		w.registry.RemoveAll(id)
		w.pool.Destroy(id)
	}
	w.destroyQueue = w.destroyQueue[:0]
}
