package nexus

import (
	"io"
	"sync"
	"time"
)

// ConsumerKind distinguishes the three consumer roles a session can serve.
type ConsumerKind string

const (
	KindBuffer ConsumerKind = "buffer"
	KindLive   ConsumerKind = "live"
	KindRecord ConsumerKind = "record"
)

// FrameKind distinguishes video from audio frames in the rolling buffer and
// per-consumer queues.
type FrameKind int

const (
	FrameVideo FrameKind = iota
	FrameAudio
)

// Frame is one demultiplexed, timestamped media packet.
type Frame struct {
	Kind FrameKind
	Time int64 // packet_time in ms, monotonic per channel
	Data []byte
}

// nalStartCode is the 4-byte sequence prefixing every H.264 NAL unit the
// output loop emits.
var nalStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// naluTypeSPS is the low-5-bit NAL unit type value identifying a Sequence
// Parameter Set, used both for SPS alignment and fallback-frame priming.
const naluTypeSPS = 7

// Consumer is one registered viewer/recorder/buffer attached to a session.
// queue and aligned are mutated by Bus.Push (the session's read-loop
// goroutine) and read/drained by Bus.Tick (the output-loop goroutine);
// queueMu is the consumer's own lock for that cross-goroutine access,
// separate from Bus.mu which only protects the consumers map itself.
type Consumer struct {
	ID             string
	Kind           ConsumerKind
	VideoSink      io.Writer
	AudioSink      io.Writer
	TalkbackSource <-chan []byte

	queueMu sync.Mutex
	queue   []Frame
	aligned bool

	talkbackIdle *time.Timer
	talkbackStop chan struct{}
}

// maxBufferQueueLen bounds the buffer consumer's rolling queue length per
// invariant 4 in spec's testable properties.
const maxBufferQueueLen = 1000

// push appends fr to the consumer's private queue, applying SPS alignment
// for non-buffer consumers: frames before the first SPS are discarded.
func (c *Consumer) push(fr Frame) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.Kind != KindBuffer && fr.Kind == FrameVideo && !c.aligned {
		if len(fr.Data) == 0 || fr.Data[0]&0x1F != naluTypeSPS {
			return
		}
		c.aligned = true
	}
	c.queue = append(c.queue, fr)
}

// snapshot returns a copy of the consumer's current queue, used to seed a
// new record consumer from the buffer consumer without aliasing the
// underlying slice (per the design note on buffer-queue seeding).
func (c *Consumer) snapshot() []Frame {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	out := make([]Frame, len(c.queue))
	copy(out, c.queue)
	return out
}

// trim drops the oldest entries once the buffer consumer's queue exceeds
// maxBufferQueueLen.
func (c *Consumer) trim() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) > maxBufferQueueLen {
		excess := len(c.queue) - maxBufferQueueLen
		c.queue = c.queue[excess:]
	}
}

// drain removes and returns every currently queued frame.
func (c *Consumer) drain() []Frame {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// write emits one frame to the consumer's sinks, prefixing video frames
// with the NAL start code so decoders see valid Annex-B framing.
func (c *Consumer) write(fr Frame) error {
	switch fr.Kind {
	case FrameVideo:
		if c.VideoSink == nil {
			return nil
		}
		if _, err := c.VideoSink.Write(nalStartCode); err != nil {
			return err
		}
		_, err := c.VideoSink.Write(fr.Data)
		return err
	case FrameAudio:
		if c.AudioSink == nil {
			return nil
		}
		_, err := c.AudioSink.Write(fr.Data)
		return err
	}
	return nil
}
