package ecs

// EntityID packs a 32-bit slot index in the low half and a 32-bit generation
// in the high half. Destroying a slot bumps its generation, so ids held past
// an entity's death stop matching instead of aliasing the slot's next tenant.
type EntityID uint64

func NewEntityID(index uint32, generation uint32) EntityID {
	return EntityID(uint64(generation)<<32 | uint64(index))
}

func (id EntityID) Index() uint32      { return uint32(id) }
func (id EntityID) Generation() uint32 { return uint32(id >> 32) }
func (id EntityID) IsZero() bool       { return id == 0 }

// EntityPool hands out generational ids, recycling destroyed slots.
type EntityPool struct {
	gen  []uint32
	free []uint32
	next uint32
}

func NewEntityPool() *EntityPool {
	return &EntityPool{
		gen:  make([]uint32, 0, 1024),
		free: make([]uint32, 0, 256),
	}
}

// Create returns a live id, preferring a recycled slot over a new one.
func (p *EntityPool) Create() EntityID {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		return NewEntityID(idx, p.gen[idx])
	}
	idx := p.next
	p.next++
	if int(idx) >= len(p.gen) {
		p.gen = append(p.gen, 0)
	}
	return NewEntityID(idx, p.gen[idx])
}

func (p *EntityPool) Alive(id EntityID) bool {
	idx := id.Index()
	return idx < p.next && p.gen[idx] == id.Generation()
}

// Destroy retires an entity. Stale ids (generation mismatch) are ignored, so
// a double destroy cannot recycle a slot twice.
func (p *EntityPool) Destroy(id EntityID) {
	idx := id.Index()
	if idx >= p.next || p.gen[idx] != id.Generation() {
		return
	}
	p.gen[idx]++
	p.free = append(p.free, idx)
}
