package nexus

import (
	"time"

	"github.com/nberg/nest-bridge/pkg/wire"
)

// talkbackIdleWindow is how long RunTalkback waits for a chunk before
// emitting an empty-payload AUDIO_PAYLOAD marking end-of-utterance.
const talkbackIdleWindow = 500 * time.Millisecond

// talkbackCodecSpeex and talkbackSampleRate are fixed per spec's talkback
// uplink contract.
const (
	talkbackCodecSpeex  = 0
	talkbackSampleRate  = 16000
)

// EncodeAudioPayload builds the AUDIO_PAYLOAD TLV body for one talkback
// chunk (or an empty chunk to mark end-of-utterance).
func EncodeAudioPayload(sessionID int64, payload []byte) []byte {
	w := wire.NewFieldWriter()
	w.WriteBytesField(1, payload)
	w.WriteVarintField(2, uint64(sessionID))
	w.WriteVarintField(3, talkbackCodecSpeex)
	w.WriteVarintField(4, talkbackSampleRate)
	return w.Bytes()
}

// RunTalkback pumps chunks from source into AUDIO_PAYLOAD frames via send,
// emitting an idle marker whenever talkbackIdleWindow elapses with no
// chunk. It returns when source is closed or stop fires.
func RunTalkback(stop <-chan struct{}, sessionID int64, source <-chan []byte, send func(packetType uint8, payload []byte) error) {
	timer := time.NewTimer(talkbackIdleWindow)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case chunk, ok := <-source:
			if !ok {
				return
			}
			_ = send(wire.TypeAudioPayload, EncodeAudioPayload(sessionID, chunk))
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(talkbackIdleWindow)
		case <-timer.C:
			_ = send(wire.TypeAudioPayload, EncodeAudioPayload(sessionID, nil))
			timer.Reset(talkbackIdleWindow)
		}
	}
}
