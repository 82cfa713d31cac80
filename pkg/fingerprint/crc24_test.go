package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC24EmptyIsInitialValue(t *testing.T) {
	require.Equal(t, uint32(crc24Init), CRC24(nil))
	require.Equal(t, uint32(0xB704CE), CRC24([]byte{}))
}

func TestCRC24Deterministic(t *testing.T) {
	data := []byte("structure.abc123")
	a := CRC24(data)
	b := CRC24(data)
	require.Equal(t, a, b)
	require.NotEqual(t, CRC24([]byte("structure.abc124")), a)
}

func TestCRC24FitsIn24Bits(t *testing.T) {
	require.LessOrEqual(t, CRC24([]byte("device.X")), uint32(0xFFFFFF))
}
