package nexus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusSPSAlignmentDiscardsFramesBeforeSPS(t *testing.T) {
	bus := NewBus()
	var video bytes.Buffer
	live := &Consumer{ID: "c1", Kind: KindLive, VideoSink: &video}
	bus.AddConsumer(live)

	bus.Push(Frame{Kind: FrameVideo, Data: []byte{0x41, 0xAA}}) // P-frame, pre-alignment
	bus.Push(Frame{Kind: FrameVideo, Data: []byte{0x67, 0xBB}}) // SPS (low 5 bits = 7)
	bus.Push(Frame{Kind: FrameVideo, Data: []byte{0x41, 0xCC}})

	bus.Tick(nil)

	out := video.Bytes()
	require.Equal(t, []byte{0, 0, 0, 1, 0x67, 0xBB, 0, 0, 0, 1, 0x41, 0xCC}, out)
}

func TestBusBufferConsumerTrimsAt1000(t *testing.T) {
	bus := NewBus()
	buf := &Consumer{ID: "buf", Kind: KindBuffer}
	bus.AddConsumer(buf)

	for i := 0; i < 1500; i++ {
		bus.Push(Frame{Kind: FrameVideo, Data: []byte{0x67}})
	}
	bus.Tick(nil)
	require.LessOrEqual(t, len(buf.queue), maxBufferQueueLen)
}

func TestBufferSnapshotSeedsRecordWithoutAliasing(t *testing.T) {
	bus := NewBus()
	buf := &Consumer{ID: "buf", Kind: KindBuffer}
	bus.AddConsumer(buf)
	bus.Push(Frame{Kind: FrameVideo, Data: []byte{0x67}})

	seed := bus.BufferSnapshot()
	require.Len(t, seed, 1)

	bus.Push(Frame{Kind: FrameVideo, Data: []byte{0x41}})
	require.Len(t, seed, 1, "snapshot must not alias the live buffer queue")
}

func TestBusRemoveConsumerReportsRemaining(t *testing.T) {
	bus := NewBus()
	bus.AddConsumer(&Consumer{ID: "a", Kind: KindLive})
	bus.AddConsumer(&Consumer{ID: "b", Kind: KindLive})
	require.Equal(t, 1, bus.RemoveConsumer("a"))
	require.Equal(t, 0, bus.RemoveConsumer("b"))
}
