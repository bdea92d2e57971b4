package replica

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rifthaven/server/internal/schema"
)

const testSchema = `
messages:
  - name: Gauge
    fields:
      - { name: hp,  number: 1, type: s32 }
      - { name: cap, number: 2, type: s32 }
  - name: Slot
    fields:
      - { name: item,  number: 1, type: u32 }
      - { name: count, number: 2, type: u32 }
components:
  - name: Actor
    fields:
      - { name: alive, number: 1, type: bool }
      - { name: speed, number: 2, type: u32 }
      - { name: karma, number: 3, type: s64 }
      - { name: ratio, number: 4, type: f32 }
      - { name: title, number: 5, type: string }
      - { name: gauge, number: 6, type: Gauge }
      - { name: slots, number: 7, type: map, key: u64, value: Slot }
      - { name: tags,  number: 8, type: map, key: string, value: Gauge }
  - name: Position
    fields:
      - { name: x, number: 1, type: f32 }
      - { name: y, number: 2, type: f32 }
`

func testSet(t *testing.T) *schema.Set {
	t.Helper()
	set, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	return set
}

func actorDesc(t *testing.T) *schema.Message {
	return &testSet(t).ByName("Actor").Message
}

// flush encodes src's pending delta, applies it to dst, and clears src's
// masks, mimicking one commit+flush round.
func flush(t *testing.T, src, dst *Value) []byte {
	t.Helper()
	data, err := Encode(src, src.Mask())
	require.NoError(t, err)
	require.NoError(t, Merge(dst, data))
	src.ClearMask()
	return data
}

func TestEncodeEmptyMask(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	v.SetU32(2, 99)

	data, err := Encode(v, 0)
	require.NoError(t, err)

	mirror := New(desc)
	require.NoError(t, Merge(mirror, data))
	assert.True(t, mirror.Equal(New(desc)), "empty mask must carry no state")
}

func TestRoundTripAllKinds(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	v.SetBool(1, true)
	v.SetU32(2, 4500)
	v.SetS64(3, -77)
	v.SetF32(4, 2.75)
	v.SetString(5, "knight")
	g := v.MutableMsg(6)
	g.SetS32(1, 120)
	g.SetS32(2, 150)
	e := v.PutEntry(7, KeyU64(41))
	e.SetU32(1, 1001)
	e.SetU32(2, 3)
	tag := v.PutEntry(8, KeyString("haste"))
	tag.SetS32(1, 30)

	mirror := New(desc)
	flush(t, v, mirror)

	assert.True(t, v.Equal(mirror))
	assert.Equal(t, uint32(4500), mirror.U32(2))
	assert.Equal(t, int64(-77), mirror.S64(3))
	assert.Equal(t, float32(2.75), mirror.F32(4))
	assert.Equal(t, int32(120), mirror.Msg(6).S32(1))
	require.NotNil(t, mirror.Entry(7, KeyU64(41)))
	assert.Equal(t, uint32(1001), mirror.Entry(7, KeyU64(41)).U32(1))
	require.NotNil(t, mirror.Entry(8, KeyString("haste")))
}

func TestMergeIdempotent(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	v.SetU32(2, 12)
	v.PutEntry(7, KeyU64(5)).SetU32(1, 7)

	data, err := Encode(v, v.Mask())
	require.NoError(t, err)

	mirror := New(desc)
	require.NoError(t, Merge(mirror, data))
	require.NoError(t, Merge(mirror, data))

	assert.True(t, v.Equal(mirror), "applying the same delta twice must not change the result")
	assert.Equal(t, 1, mirror.EntryLen(7))
}

func TestIncrementalConvergence(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	mirror := New(desc)

	v.SetU32(2, 10)
	v.SetString(5, "rogue")
	flush(t, v, mirror)

	v.SetU32(2, 20)
	v.PutEntry(7, KeyU64(1)).SetU32(1, 500)
	flush(t, v, mirror)

	v.MutableMsg(6).SetS32(1, 33)
	flush(t, v, mirror)

	assert.True(t, v.Equal(mirror))
	assert.Equal(t, "rogue", mirror.String_(5))
	assert.Equal(t, uint32(20), mirror.U32(2))
	assert.Equal(t, int32(33), mirror.Msg(6).S32(1))
}

func TestZeroValueOmission(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	mirror := New(desc)

	v.SetU32(2, 300)
	v.SetString(5, "pilgrim")
	flush(t, v, mirror)
	require.Equal(t, uint32(300), mirror.U32(2))

	// Reverting to the zero value sends the bit, not the bytes.
	v.SetU32(2, 0)
	v.SetString(5, "")
	data := flush(t, v, mirror)

	assert.Equal(t, uint32(0), mirror.U32(2))
	assert.Equal(t, "", mirror.String_(5))
	// Payload is exactly one trailing mask varint: tag + value.
	assert.LessOrEqual(t, len(data), 4)
}

// A dirty-to-zero float field produces the minimal two-byte delta: the
// trailing mask tag for field 3 and the mask value 2 (bit of field 1).
func TestZeroDeltaExactBytes(t *testing.T) {
	desc := &testSet(t).ByName("Position").Message
	v := New(desc)
	mirror := New(desc)

	v.SetF32(1, 12.5)
	v.SetF32(2, 7)
	flush(t, v, mirror)

	v.SetF32(1, 0)
	data := flush(t, v, mirror)

	assert.Equal(t, []byte{0x18, 0x02}, data)
	assert.Equal(t, float32(0), mirror.F32(1))
	assert.Equal(t, float32(7), mirror.F32(2), "untouched field must survive")
}

func TestCollectionLifecycle(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	mirror := New(desc)

	// add
	e := v.PutEntry(7, KeyU64(42))
	e.SetU32(1, 2000)
	e.SetU32(2, 1)
	flush(t, v, mirror)
	require.NotNil(t, mirror.Entry(7, KeyU64(42)))

	// update sends only the changed entry fields
	v.PutEntry(7, KeyU64(42)).SetU32(2, 5)
	flush(t, v, mirror)
	assert.Equal(t, uint32(5), mirror.Entry(7, KeyU64(42)).U32(2))
	assert.Equal(t, uint32(2000), mirror.Entry(7, KeyU64(42)).U32(1))

	// remove replicates as a tombstone
	v.RemoveEntry(7, KeyU64(42))
	assert.Nil(t, v.Entry(7, KeyU64(42)), "removed entry reads as absent locally")
	flush(t, v, mirror)
	assert.Nil(t, mirror.Entry(7, KeyU64(42)))
	assert.Equal(t, 0, mirror.EntryLen(7))

	// the tombstone is not resent on the next flush
	v.SetU32(2, 1)
	data := flush(t, v, mirror)
	fresh := New(desc)
	require.NoError(t, Merge(fresh, data))
	assert.Equal(t, 0, fresh.EntryLen(7))
}

func TestAddRemoveSameWindow(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	mirror := New(desc)

	// mirror already holds one entry from an earlier window
	v.PutEntry(7, KeyU64(1)).SetU32(1, 10)
	flush(t, v, mirror)
	require.Equal(t, 1, mirror.EntryLen(7))

	// an entry added and removed inside one window vanishes silently; the
	// resulting delta must not wipe the mirror's existing entries
	v.PutEntry(7, KeyU64(2)).SetU32(1, 20)
	v.RemoveEntry(7, KeyU64(2))
	flush(t, v, mirror)

	assert.Equal(t, 1, mirror.EntryLen(7))
	assert.NotNil(t, mirror.Entry(7, KeyU64(1)))
}

func TestRemoveThenReAddSameWindow(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	mirror := New(desc)

	e := v.PutEntry(7, KeyU64(9))
	e.SetU32(1, 111)
	e.SetU32(2, 4)
	flush(t, v, mirror)

	// remove and re-add between flushes: the receiver gets the full entry
	// state so nothing stale survives
	v.RemoveEntry(7, KeyU64(9))
	v.PutEntry(7, KeyU64(9)).SetU32(1, 222)
	flush(t, v, mirror)

	got := mirror.Entry(7, KeyU64(9))
	require.NotNil(t, got)
	assert.Equal(t, uint32(222), got.U32(1))
	assert.Equal(t, uint32(0), got.U32(2), "re-add must reset fields the new entry never set")
}

func TestNestedMessageReset(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	mirror := New(desc)

	v.MutableMsg(6).SetS32(1, 50)
	flush(t, v, mirror)
	require.Equal(t, int32(50), mirror.Msg(6).S32(1))

	// A mask bit with no message body resets the mirror's sub-message.
	maskOnly := protowire.AppendTag(nil, protowire.Number(desc.MaskFieldNumber()), protowire.VarintType)
	maskOnly = protowire.AppendVarint(maskOnly, FieldBit(6))
	require.NoError(t, Merge(mirror, maskOnly))
	assert.Nil(t, mirror.Msg(6))
}

func TestDeterministicEncoding(t *testing.T) {
	desc := actorDesc(t)

	build := func(keys []uint64) *Value {
		v := New(desc)
		for _, k := range keys {
			v.PutEntry(7, KeyU64(k)).SetU32(1, uint32(k)*10)
		}
		v.SetU32(2, 7)
		return v
	}
	a := build([]uint64{3, 1, 2})
	b := build([]uint64{2, 3, 1})

	da, err := Encode(a, a.Mask())
	require.NoError(t, err)
	db, err := Encode(b, b.Mask())
	require.NoError(t, err)
	assert.Equal(t, da, db, "insertion order must not leak into the encoding")

	again, err := Encode(a, a.Mask())
	require.NoError(t, err)
	assert.Equal(t, da, again)
}

func TestUnknownFieldPreserved(t *testing.T) {
	set, err := schema.Parse([]byte(`
components:
  - name: Evolving
    fields:
      - { name: flag,  number: 1, type: bool }
      - { name: count, number: 4, type: u32 }
`))
	require.NoError(t, err)
	desc := &set.ByName("Evolving").Message

	// A newer peer sends field 3, which this schema does not declare.
	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)
	unknown := protowire.AppendTag(nil, 3, protowire.VarintType)
	unknown = protowire.AppendVarint(unknown, 99)
	data = append(data, unknown...)
	data = protowire.AppendTag(data, protowire.Number(desc.MaskFieldNumber()), protowire.VarintType)
	data = protowire.AppendVarint(data, FieldBit(1)|FieldBit(3))

	v := New(desc)
	require.NoError(t, Merge(v, data))
	assert.True(t, v.Bool(1))

	// Re-encoding the mirror carries the unknown bytes through.
	v.MarkAll()
	out, err := Encode(v, v.Mask())
	require.NoError(t, err)
	assert.Contains(t, string(out), string(unknown))

	// Applying the same buffer again must not stack another copy.
	require.NoError(t, Merge(v, data))
	v.MarkAll()
	out, err = Encode(v, v.Mask())
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(out, unknown), "unknown bytes survive exactly once")
}

func TestMergeSchemaMismatch(t *testing.T) {
	desc := actorDesc(t)

	// field 1 is bool; send it length-delimited
	data := protowire.AppendTag(nil, 1, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("zap"))

	err := Merge(New(desc), data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestMergeMalformed(t *testing.T) {
	desc := actorDesc(t)

	data := protowire.AppendTag(nil, 2, protowire.VarintType)
	data = append(data, 0xFF) // truncated varint

	err := Merge(New(desc), data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMergeLeavesMirrorClean(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	v.SetU32(2, 5)
	v.PutEntry(7, KeyU64(3)).SetU32(1, 1)

	data, err := Encode(v, v.Mask())
	require.NoError(t, err)

	mirror := New(desc)
	require.NoError(t, Merge(mirror, data))
	assert.Zero(t, mirror.Mask(), "a merged mirror has no pending local changes")
}
