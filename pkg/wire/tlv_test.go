package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTLVRoundTripAllKinds(t *testing.T) {
	w := NewFieldWriter()
	w.WriteVarintField(1, 3)
	w.WriteStringField(2, "user-1")
	w.WriteBooleanField(3, false)
	w.WriteBytesField(6, []byte{0xde, 0xad})
	w.WriteDoubleField(8, 20.5)
	w.WriteSVarintField(9, -42)

	fields, err := DecodeFields(w.Bytes())
	require.NoError(t, err)
	byTag := FieldsByTag(fields)

	require.Equal(t, uint64(3), byTag[1].Varint)
	require.Equal(t, "user-1", byTag[2].AsString())
	require.False(t, byTag[3].AsBool())
	require.Equal(t, []byte{0xde, 0xad}, byTag[6].Bytes)
	require.InDelta(t, 20.5, byTag[8].AsDouble(), 0.0001)
	require.Equal(t, int64(-42), byTag[9].AsSVarint())
}

func TestTLVMissingTagUsesCallerDefault(t *testing.T) {
	w := NewFieldWriter()
	w.WriteVarintField(1, 1)
	fields, err := DecodeFields(w.Bytes())
	require.NoError(t, err)
	byTag := FieldsByTag(fields)

	_, ok := byTag[99]
	require.False(t, ok, "caller must supply its own default for an absent tag")
}

func TestZigZagRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 3333, -3333, 1 << 40, -(1 << 40)} {
		require.Equal(t, v, zigzagDecode(zigzagEncode(v)))
	}
}

func TestReadVarint5(t *testing.T) {
	w := NewFieldWriter()
	w.WriteVarintField(0, 300) // forces tag shifted + varint >1 byte in the value position
	// Build a standalone varint buffer for the 5-byte-capped reader directly.
	buf := appendUvarint(nil, 300)
	v, n, err := ReadVarint5(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(300), v)
	require.Equal(t, len(buf), n)
	_ = w
}
