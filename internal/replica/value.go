package replica

import (
	"fmt"
	"math"
	"sort"

	"github.com/rifthaven/server/internal/schema"
)

// Key is a comparable keyed-collection key: either an unsigned integer or a
// string, per the field's declared key kind.
type Key struct {
	U uint64
	S string
}

func KeyU64(u uint64) Key    { return Key{U: u} }
func KeyString(s string) Key { return Key{S: s} }

func (k Key) less(o Key) bool {
	if k.U != o.U {
		return k.U < o.U
	}
	return k.S < o.S
}

// Value is one component (or collection-entry sub-message) instance. Scalars
// live in fixed slots parallel to the schema's field order; numeric slots hold
// the raw bit pattern so floats and integers share storage.
//
// Every typed setter marks the corresponding mask bit. The mask is the sole
// source of truth for what changed; it is cleared only by the commit pass or
// by a merge (a merged mirror is clean by definition).
type Value struct {
	desc *schema.Message
	mask uint64

	num []uint64         // bool/u32/u64/s32/s64/f32/f64 bit patterns
	str []string         // string and bytes fields
	msg []*Value         // nested sub-messages, nil until touched
	kv  []map[Key]*Value // keyed collections, nil until touched

	unknown []byte // unrecognized wire fields, preserved opaquely
}

// New creates a zero value of the given schema.
func New(desc *schema.Message) *Value {
	n := len(desc.Fields)
	return &Value{
		desc: desc,
		num:  make([]uint64, n),
		str:  make([]string, n),
		msg:  make([]*Value, n),
		kv:   make([]map[Key]*Value, n),
	}
}

func (v *Value) Descriptor() *schema.Message { return v.desc }

// Mask returns the pending-change mask, including entry-state bits.
func (v *Value) Mask() uint64 { return v.mask }

// MarkAll sets every declared field bit. Collection entries are not touched;
// use Resync for a deep full-state mask.
func (v *Value) MarkAll() { v.mask |= v.desc.FullMask() }

func (v *Value) slot(n uint32, want ...schema.Kind) (int, *schema.Field) {
	i := v.desc.FieldIndex(n)
	if i < 0 {
		panic(fmt.Sprintf("%s: no field %d", v.desc.Name, n))
	}
	f := &v.desc.Fields[i]
	for _, k := range want {
		if f.Kind == k {
			return i, f
		}
	}
	if len(want) > 0 {
		panic(fmt.Sprintf("%s.%s: kind %s, accessed as %s", v.desc.Name, f.Name, f.Kind, want[0]))
	}
	return i, f
}

// ── Scalar accessors ───────────────────────────────────────────────

func (v *Value) Bool(n uint32) bool {
	i, _ := v.slot(n, schema.KindBool)
	return v.num[i] != 0
}

func (v *Value) SetBool(n uint32, b bool) {
	i, _ := v.slot(n, schema.KindBool)
	v.num[i] = 0
	if b {
		v.num[i] = 1
	}
	v.mask |= FieldBit(n)
}

func (v *Value) U32(n uint32) uint32 {
	i, _ := v.slot(n, schema.KindU32)
	return uint32(v.num[i])
}

func (v *Value) SetU32(n uint32, x uint32) {
	i, _ := v.slot(n, schema.KindU32)
	v.num[i] = uint64(x)
	v.mask |= FieldBit(n)
}

func (v *Value) U64(n uint32) uint64 {
	i, _ := v.slot(n, schema.KindU64)
	return v.num[i]
}

func (v *Value) SetU64(n uint32, x uint64) {
	i, _ := v.slot(n, schema.KindU64)
	v.num[i] = x
	v.mask |= FieldBit(n)
}

func (v *Value) S32(n uint32) int32 {
	i, _ := v.slot(n, schema.KindS32)
	return int32(v.num[i])
}

func (v *Value) SetS32(n uint32, x int32) {
	i, _ := v.slot(n, schema.KindS32)
	v.num[i] = uint64(uint32(x))
	v.mask |= FieldBit(n)
}

func (v *Value) S64(n uint32) int64 {
	i, _ := v.slot(n, schema.KindS64)
	return int64(v.num[i])
}

func (v *Value) SetS64(n uint32, x int64) {
	i, _ := v.slot(n, schema.KindS64)
	v.num[i] = uint64(x)
	v.mask |= FieldBit(n)
}

func (v *Value) F32(n uint32) float32 {
	i, _ := v.slot(n, schema.KindF32)
	return math.Float32frombits(uint32(v.num[i]))
}

func (v *Value) SetF32(n uint32, x float32) {
	i, _ := v.slot(n, schema.KindF32)
	v.num[i] = uint64(math.Float32bits(x))
	v.mask |= FieldBit(n)
}

func (v *Value) F64(n uint32) float64 {
	i, _ := v.slot(n, schema.KindF64)
	return math.Float64frombits(v.num[i])
}

func (v *Value) SetF64(n uint32, x float64) {
	i, _ := v.slot(n, schema.KindF64)
	v.num[i] = math.Float64bits(x)
	v.mask |= FieldBit(n)
}

func (v *Value) String_(n uint32) string {
	i, _ := v.slot(n, schema.KindString)
	return v.str[i]
}

func (v *Value) SetString(n uint32, s string) {
	i, _ := v.slot(n, schema.KindString)
	v.str[i] = s
	v.mask |= FieldBit(n)
}

func (v *Value) Bytes(n uint32) []byte {
	i, _ := v.slot(n, schema.KindBytes)
	return []byte(v.str[i])
}

func (v *Value) SetBytes(n uint32, b []byte) {
	i, _ := v.slot(n, schema.KindBytes)
	v.str[i] = string(b)
	v.mask |= FieldBit(n)
}

// ── Nested messages ────────────────────────────────────────────────

// Msg returns the nested sub-message, or nil if never touched.
func (v *Value) Msg(n uint32) *Value {
	i, _ := v.slot(n, schema.KindMessage)
	return v.msg[i]
}

// MutableMsg returns the nested sub-message, creating it if absent, and marks
// the field bit. Mutations inside the sub-message mark its own mask.
func (v *Value) MutableMsg(n uint32) *Value {
	i, f := v.slot(n, schema.KindMessage)
	if v.msg[i] == nil {
		v.msg[i] = New(f.Msg)
	}
	v.mask |= FieldBit(n)
	return v.msg[i]
}

// ── Keyed collections ──────────────────────────────────────────────

// Entry returns the live entry for key, or nil. Entries pending removal are
// not returned.
func (v *Value) Entry(n uint32, key Key) *Value {
	i, _ := v.slot(n, schema.KindMap)
	e := v.kv[i][key]
	if e == nil || isRemoved(e.mask) {
		return nil
	}
	return e
}

// PutEntry returns the entry for key, creating it if absent, and marks the
// collection's field bit. A newly created entry carries the added state. If
// the key was removed earlier in the same commit window it is re-added with a
// full field mask, so the receiver overwrites any stale mirror state.
func (v *Value) PutEntry(n uint32, key Key) *Value {
	i, f := v.slot(n, schema.KindMap)
	if v.kv[i] == nil {
		v.kv[i] = make(map[Key]*Value)
	}
	e := v.kv[i][key]
	switch {
	case e == nil:
		e = New(f.Msg)
		e.mask = MaskAdded
		v.kv[i][key] = e
	case isRemoved(e.mask):
		// Removed then re-added within one window: start from a fresh zero
		// value and resend every field, so neither side keeps stale state.
		e = New(f.Msg)
		e.mask = MaskAdded | f.Msg.FullMask()
		v.kv[i][key] = e
	}
	v.mask |= FieldBit(n)
	return e
}

// RemoveEntry marks the entry for key as removed. The key stays present until
// the next commit encodes its tombstone, except for entries both added and
// removed inside the same window, which vanish silently (the peer never saw
// them).
func (v *Value) RemoveEntry(n uint32, key Key) {
	i, _ := v.slot(n, schema.KindMap)
	e := v.kv[i][key]
	if e == nil {
		return
	}
	if e.mask&maskStateBits == MaskAdded {
		// Added and removed inside one window: the peer never saw it. The
		// collection bit stays set; touched-and-reverted is an accepted
		// false positive.
		delete(v.kv[i], key)
		v.mask |= FieldBit(n)
		return
	}
	e.mask = MaskRemoved
	v.mask |= FieldBit(n)
}

// EachEntry visits live entries in undefined order.
func (v *Value) EachEntry(n uint32, fn func(Key, *Value)) {
	i, _ := v.slot(n, schema.KindMap)
	for k, e := range v.kv[i] {
		if !isRemoved(e.mask) {
			fn(k, e)
		}
	}
}

// EntryLen counts live entries.
func (v *Value) EntryLen(n uint32) int {
	i, _ := v.slot(n, schema.KindMap)
	count := 0
	for _, e := range v.kv[i] {
		if !isRemoved(e.mask) {
			count++
		}
	}
	return count
}

// sortedKeys returns all keys of slot i (including removed) ascending.
// Deterministic encode order depends on it.
func (v *Value) sortedKeys(i int) []Key {
	keys := make([]Key, 0, len(v.kv[i]))
	for k := range v.kv[i] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].less(keys[b]) })
	return keys
}

// ── Lifecycle ──────────────────────────────────────────────────────

// ClearMask zeroes this value's mask and every entry's mask, and drops
// entries whose tombstone has now been emitted. Called after a successful
// encode pass.
func (v *Value) ClearMask() {
	v.mask = 0
	for i := range v.msg {
		if v.msg[i] != nil {
			v.msg[i].ClearMask()
		}
	}
	for i := range v.kv {
		for k, e := range v.kv[i] {
			if isRemoved(e.mask) {
				delete(v.kv[i], k)
				continue
			}
			e.ClearMask()
		}
	}
}

// Clone deep-copies the value, masks included.
func (v *Value) Clone() *Value {
	c := New(v.desc)
	c.mask = v.mask
	copy(c.num, v.num)
	copy(c.str, v.str)
	for i, m := range v.msg {
		if m != nil {
			c.msg[i] = m.Clone()
		}
	}
	for i, kv := range v.kv {
		if kv == nil {
			continue
		}
		c.kv[i] = make(map[Key]*Value, len(kv))
		for k, e := range kv {
			c.kv[i][k] = e.Clone()
		}
	}
	if len(v.unknown) > 0 {
		c.unknown = append([]byte(nil), v.unknown...)
	}
	return c
}

// Equal compares stored state, ignoring masks and unknown bytes. Removed
// entries count as absent on both sides.
func (v *Value) Equal(o *Value) bool {
	if v.desc != o.desc {
		return false
	}
	for i := range v.desc.Fields {
		f := &v.desc.Fields[i]
		switch f.Kind {
		case schema.KindMessage:
			a, b := v.msg[i], o.msg[i]
			if (a == nil) != (b == nil) {
				// A nil sub-message equals an all-zero one.
				if a == nil {
					a = New(f.Msg)
				}
				if b == nil {
					b = New(f.Msg)
				}
			}
			if a != nil && b != nil && !a.Equal(b) {
				return false
			}
		case schema.KindMap:
			if !mapEqual(v.kv[i], o.kv[i]) {
				return false
			}
		case schema.KindString, schema.KindBytes:
			if v.str[i] != o.str[i] {
				return false
			}
		default:
			if v.num[i] != o.num[i] {
				return false
			}
		}
	}
	return true
}

func mapEqual(a, b map[Key]*Value) bool {
	liveLen := func(m map[Key]*Value) int {
		n := 0
		for _, e := range m {
			if !isRemoved(e.mask) {
				n++
			}
		}
		return n
	}
	if liveLen(a) != liveLen(b) {
		return false
	}
	for k, ea := range a {
		if isRemoved(ea.mask) {
			continue
		}
		eb, ok := b[k]
		if !ok || isRemoved(eb.mask) || !ea.Equal(eb) {
			return false
		}
	}
	return true
}

// clearField resets field number n to its zero value. Used by the merge pass
// for sender-reverted fields.
func (v *Value) clearField(n uint32) {
	i := v.desc.FieldIndex(n)
	if i < 0 {
		return
	}
	f := &v.desc.Fields[i]
	switch f.Kind {
	case schema.KindMessage:
		v.msg[i] = nil
	case schema.KindMap:
		v.kv[i] = nil
	case schema.KindString, schema.KindBytes:
		v.str[i] = ""
	default:
		v.num[i] = 0
	}
}

// scalarZero reports whether slot i holds the type's zero value.
func (v *Value) scalarZero(i int, k schema.Kind) bool {
	switch k {
	case schema.KindString, schema.KindBytes:
		return v.str[i] == ""
	default:
		return v.num[i] == 0
	}
}
