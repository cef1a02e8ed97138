package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyComposition(t *testing.T) {
	k := MakeKey(0x10001, 0x2)
	assert.Equal(t, Key(0x0001000100000002), k)
	assert.Equal(t, uint32(0x10001), k.Seconds())
	assert.Equal(t, uint32(0x2), k.Nanoseconds())
	assert.Equal(t, uint32(0x10001+PosixTimeAtEpicsEpoch), k.PosixSeconds())
}

func TestKeyOrdering(t *testing.T) {
	// Later timestamps always compare greater: seconds dominate nanoseconds.
	assert.Less(t, MakeKey(1, 999999999), MakeKey(2, 0))
	assert.Less(t, MakeKey(2, 1), MakeKey(2, 2))
}

func TestNowKeyTracksWallClock(t *testing.T) {
	before := uint32(time.Now().Unix() - PosixTimeAtEpicsEpoch)
	k := NowKey()
	after := uint32(time.Now().Unix() - PosixTimeAtEpicsEpoch)
	assert.GreaterOrEqual(t, k.Seconds(), before)
	assert.LessOrEqual(t, k.Seconds(), after)
}

func TestElemTypeSizeAndString(t *testing.T) {
	cases := []struct {
		etype ElemType
		size  int
		name  string
	}{
		{TypeInt8, 1, "i8"},
		{TypeInt16, 2, "i16"},
		{TypeInt32, 4, "i32"},
		{TypeFloat32, 4, "f32"},
		{TypeFloat64, 8, "f64"},
	}
	for _, c := range cases {
		assert.Equal(t, c.size, c.etype.Size())
		assert.Equal(t, c.name, c.etype.String())

		parsed, err := ParseElemType(c.name)
		require.NoError(t, err)
		assert.Equal(t, c.etype, parsed)
	}

	_, err := ParseElemType("string")
	assert.Error(t, err)
}

func TestNewValue(t *testing.T) {
	v, err := New(10, 20, 0, 0, []float64{1.5})
	require.NoError(t, err)

	assert.Equal(t, MakeKey(10, 20), v.Key())
	assert.Equal(t, TypeFloat64, v.Type())
	assert.Equal(t, 1, v.Count())
	assert.Equal(t, 8, v.Bytes())
	assert.True(t, v.Connected())
	assert.False(t, v.IsDisconnect())

	elems, ok := v.Float64s()
	require.True(t, ok)
	assert.Equal(t, []float64{1.5}, elems)

	_, ok = v.Int32s()
	assert.False(t, ok)
}

func TestNewValueArrays(t *testing.T) {
	v, err := New(1, 2, 0, 0, []int32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, v.Count())
	assert.Equal(t, 16, v.Bytes())

	elems, ok := v.Int32s()
	require.True(t, ok)
	assert.Len(t, elems, 4)
}

func TestNewValueRejectsUnsupported(t *testing.T) {
	_, err := New(1, 2, 0, 0, []string{"nope"})
	assert.Error(t, err)

	_, err = New(1, 2, 0, 0, []float64{})
	assert.Error(t, err)
}

func TestDisconnectMarker(t *testing.T) {
	v := Disconnect(5, 6)
	assert.True(t, v.IsDisconnect())
	assert.False(t, v.Connected())
	assert.Equal(t, MakeKey(5, 6), v.Key())
	assert.Equal(t, 0, v.Bytes())
	assert.Nil(t, v.Elems())
}
