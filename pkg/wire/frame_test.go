package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripShort(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello playback packet")
	require.NoError(t, EncodeFrame(&buf, TypePlaybackPacket, payload))

	dec := NewDecoder(bufio.NewReader(&buf))
	frame, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(TypePlaybackPacket), frame.Type)
	require.Equal(t, payload, frame.Payload)
}

func TestFrameRoundTripLong(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, EncodeFrame(&buf, TypeLongPlaybackPacket, payload))

	dec := NewDecoder(bufio.NewReader(&buf))
	frame, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(TypeLongPlaybackPacket), frame.Type)
	require.Equal(t, payload, frame.Payload)
}

func TestFrameRejectsOversizedShortType(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, 1<<16)
	err := EncodeFrame(&buf, TypePlaybackPacket, payload)
	require.Error(t, err)
}

func TestFrameMultipleInStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, TypePing, nil))
	require.NoError(t, EncodeFrame(&buf, TypeOK, []byte{1, 2, 3}))

	dec := NewDecoder(bufio.NewReader(&buf))
	f1, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(TypePing), f1.Type)
	require.Empty(t, f1.Payload)

	f2, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(TypeOK), f2.Type)
	require.Equal(t, []byte{1, 2, 3}, f2.Payload)
}
