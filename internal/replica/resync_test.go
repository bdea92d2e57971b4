package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFullFreshObserver(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	v.SetBool(1, true)
	v.SetU32(2, 77)
	v.MutableMsg(6).SetS32(1, 40)
	v.PutEntry(7, KeyU64(8)).SetU32(1, 900)
	v.ClearMask() // long-lived instance, nothing pending

	data, err := EncodeFull(v)
	require.NoError(t, err)

	fresh := New(desc)
	require.NoError(t, Merge(fresh, data))
	assert.True(t, v.Equal(fresh))
	assert.Equal(t, int32(40), fresh.Msg(6).S32(1))
	assert.NotNil(t, fresh.Entry(7, KeyU64(8)))
}

func TestEncodeFullSkipsPendingRemovals(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	v.PutEntry(7, KeyU64(1)).SetU32(1, 10)
	v.PutEntry(7, KeyU64(2)).SetU32(1, 20)
	v.ClearMask()
	v.RemoveEntry(7, KeyU64(2))

	data, err := EncodeFull(v)
	require.NoError(t, err)

	fresh := New(desc)
	require.NoError(t, Merge(fresh, data))
	assert.NotNil(t, fresh.Entry(7, KeyU64(1)))
	assert.Nil(t, fresh.Entry(7, KeyU64(2)), "a fresh observer never sees a doomed entry")
}

func TestEncodeFullLeavesSourceUntouched(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	v.SetU32(2, 3)
	before := v.Mask()

	_, err := EncodeFull(v)
	require.NoError(t, err)

	assert.Equal(t, before, v.Mask(), "resync must not disturb pending deltas")
	// the pending removal case: entry still present on the live value
	v.PutEntry(7, KeyU64(5)).SetU32(1, 1)
	v.ClearMask()
	v.RemoveEntry(7, KeyU64(5))
	_, err = EncodeFull(v)
	require.NoError(t, err)
	assert.True(t, isRemoved(v.kv[6][KeyU64(5)].mask), "tombstone still pending on the source")
}

func TestEncodeFullClearsStaleMirror(t *testing.T) {
	desc := actorDesc(t)
	v := New(desc)
	v.SetU32(2, 9)
	v.ClearMask() // collections stay empty

	// A mirror that diverged: differing scalars plus entries the live value
	// no longer has.
	stale := New(desc)
	stale.SetU32(2, 55)
	stale.SetString(5, "ghost")
	stale.PutEntry(7, KeyU64(13)).SetU32(1, 1)
	stale.PutEntry(8, KeyString("x")).SetS32(1, 2)
	stale.ClearMask()

	data, err := EncodeFull(v)
	require.NoError(t, err)
	require.NoError(t, Merge(stale, data))

	assert.True(t, v.Equal(stale), "a full-mask merge converges from any starting state")
	assert.Equal(t, 0, stale.EntryLen(7))
	assert.Equal(t, 0, stale.EntryLen(8))
	assert.Equal(t, "", stale.String_(5))
	assert.Equal(t, uint32(9), stale.U32(2))
}
