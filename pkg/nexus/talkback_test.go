package nexus

import (
	"testing"
	"time"

	"github.com/nberg/nest-bridge/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestEncodeAudioPayloadFields(t *testing.T) {
	body := EncodeAudioPayload(42, []byte{0x01, 0x02})
	decoded, err := wire.DecodeFields(body)
	require.NoError(t, err)
	fields := wire.FieldsByTag(decoded)
	require.Equal(t, []byte{0x01, 0x02}, fields[1].Bytes)
	require.Equal(t, uint64(42), fields[2].Varint)
	require.Equal(t, uint64(talkbackCodecSpeex), fields[3].Varint)
	require.Equal(t, uint64(talkbackSampleRate), fields[4].Varint)
}

func TestRunTalkbackEmitsIdleMarkerAfterSilence(t *testing.T) {
	source := make(chan []byte)
	stop := make(chan struct{})
	defer close(stop)

	var sent [][]byte
	done := make(chan struct{})
	go func() {
		RunTalkback(stop, 1, source, func(packetType uint8, payload []byte) error {
			sent = append(sent, payload)
			if len(sent) >= 1 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an idle marker to be emitted")
	}
	require.NotEmpty(t, sent)
}
