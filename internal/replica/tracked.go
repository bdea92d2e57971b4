package replica

import "github.com/rifthaven/server/internal/schema"

// Tracked wraps one live component instance with change tracking. Read gives
// the current value with no side effects; Mutate hands back the same value
// after recording that a mutation window opened: the pre-mutation state is
// cloned once and the owning type's registry flag is set.
//
// Two accumulator masks ride along. The network mask gathers committed
// change bits until the next outbound flush; the database mask does the same
// for the persistence pass, which runs on its own slower cadence. Folding
// happens at Commit, so a field changed in tick 10 and flushed to the net in
// tick 12 still reaches the database pass of tick 100.
type Tracked struct {
	comp *schema.Component
	reg  *Modified
	slot int

	cur     *Value
	old     *Value
	touched bool

	netMask uint64
	dbMask  uint64
}

// NewTracked wraps a fresh zero value of the component.
func NewTracked(comp *schema.Component, reg *Modified, slot int) *Tracked {
	return &Tracked{comp: comp, reg: reg, slot: slot, cur: New(&comp.Message)}
}

// Adopt wraps an existing value, e.g. one restored from a snapshot. The
// value is taken as-is, pending masks included.
func Adopt(comp *schema.Component, reg *Modified, slot int, v *Value) *Tracked {
	return &Tracked{comp: comp, reg: reg, slot: slot, cur: v}
}

func (t *Tracked) Component() *schema.Component { return t.comp }

// Read returns the current value. Callers must not mutate through it.
func (t *Tracked) Read() *Value { return t.cur }

// Mutate returns the current value for modification. The first call of a
// commit window snapshots the pre-mutation state and marks the registry;
// later calls in the same window are no-ops beyond returning the value.
func (t *Tracked) Mutate() *Value {
	if !t.touched {
		t.touched = true
		t.old = t.cur.Clone()
		t.reg.Mark(t.slot)
	}
	return t.cur
}

// Snapshot returns the pre-mutation copy from the current window, or nil if
// nothing mutated. Diagnostic only; the mask is the change authority.
func (t *Tracked) Snapshot() *Value { return t.old }

// Commit folds the value's pending mask into both accumulators and closes
// the mutation window. Called by the commit pass under the tick barrier.
func (t *Tracked) Commit() {
	m := t.cur.Mask()
	t.netMask |= fieldBits(m)
	t.dbMask |= fieldBits(m)
	t.touched = false
	t.old = nil
}

// DirtyNet reports whether a network flush has anything to send.
func (t *Tracked) DirtyNet() bool {
	return t.netMask&t.comp.DirMask(schema.DirNet) != 0
}

// DirtyDB reports whether the instance changed since the last persistence
// pass.
func (t *Tracked) DirtyDB() bool {
	return t.dbMask&t.comp.DirMask(schema.DirDB) != 0
}

// EncodeNet commits pending changes, encodes the network-directed portion of
// the accumulated delta, and on success clears the per-field masks and the
// network accumulator. The database accumulator is untouched.
func (t *Tracked) EncodeNet() ([]byte, error) {
	t.Commit()
	data, err := Encode(t.cur, t.netMask&t.comp.DirMask(schema.DirNet))
	if err != nil {
		return nil, err
	}
	t.netMask = 0
	t.cur.ClearMask()
	return data, nil
}

// ClearDB resets the database accumulator after a successful snapshot write.
func (t *Tracked) ClearDB() { t.dbMask = 0 }
