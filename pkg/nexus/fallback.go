package nexus

import (
	"bytes"
	"sync"
	"time"
)

// fallbackThreshold is the 90000/30 ms contract value from the design
// notes (90000 being the RTP video clock rate, 30 the target frame rate):
// the length of silence from real video frames that triggers synthetic
// ones, not the synthetic frames' own cadence.
const fallbackThreshold = (90000 / 30) * time.Millisecond

// fallbackTickInterval is the synthetic frame emit cadence once
// fallbackThreshold has elapsed: ~30 fps, matching real video's rate.
const fallbackTickInterval = time.Second / 30

// aacSilenceFrameLen is the fixed size of the constant AAC silence frame
// pushed alongside each synthetic video frame.
const aacSilenceFrameLen = 10

// Frames bundles the three preloaded H.264 frames read from the resource
// directory at startup, with any leading NAL start code already stripped
// so the output loop's prefixing rule applies uniformly to real and
// synthetic frames alike.
type Frames struct {
	Offline    []byte
	Off        []byte
	Connecting []byte
}

// StripStartCode removes a leading 00 00 00 01 NAL start code if present.
func StripStartCode(b []byte) []byte {
	if bytes.HasPrefix(b, nalStartCode) {
		return b[len(nalStartCode):]
	}
	return b
}

// aacSilenceFrame is a constant 10-byte silent AAC frame.
var aacSilenceFrame = make([]byte, aacSilenceFrameLen)

// FallbackGenerator pushes synthetic offline/off frames into a session's
// bus when no real video frame has arrived for fallbackThreshold. It mirrors
// the teacher's pacer.go leaky-bucket loop shape (a ticking goroutine
// computing elapsed-since-last-real-frame) generalized from RTP timestamp
// deltas to a plain wall-clock check, since nexus fallback frames have no
// timestamp of their own to pace against.
type FallbackGenerator struct {
	frames Frames

	mu           sync.Mutex
	lastRealAt   time.Time
	running      bool
}

// NewFallbackGenerator constructs a generator from the preloaded frames.
func NewFallbackGenerator(frames Frames) *FallbackGenerator {
	return &FallbackGenerator{
		frames: Frames{
			Offline:    StripStartCode(frames.Offline),
			Off:        StripStartCode(frames.Off),
			Connecting: StripStartCode(frames.Connecting),
		},
		lastRealAt: time.Now(),
	}
}

// NoteRealVideoFrame resets the elapsed-since-real-frame clock; called by
// the session whenever a genuine PLAYBACK_PACKET video frame arrives.
func (g *FallbackGenerator) NoteRealVideoFrame() {
	g.mu.Lock()
	g.lastRealAt = time.Now()
	g.mu.Unlock()
}

// due reports whether fallbackThreshold has elapsed since the last real
// video frame.
func (g *FallbackGenerator) due() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Since(g.lastRealAt) >= fallbackThreshold
}

// StateFunc reports whether the device is currently online and whether
// streaming is enabled, so the generator can pick the offline vs off
// frame.
type StateFunc func() (online bool, streamingEnabled bool)

// Run pushes a fallback video+audio frame pair into bus at
// fallbackTickInterval (~30 fps) whenever no real video frame has arrived
// for fallbackThreshold and state() indicates the camera is unreachable or
// disabled, until stop fires.
func (g *FallbackGenerator) Run(stop <-chan struct{}, bus *Bus, state StateFunc, now int64) {
	ticker := time.NewTicker(fallbackTickInterval)
	defer ticker.Stop()
	t := now
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !g.due() {
				continue
			}
			online, streamingEnabled := state()
			var videoData []byte
			switch {
			case !online:
				videoData = g.frames.Offline
			case !streamingEnabled:
				videoData = g.frames.Off
			default:
				continue
			}
			t += int64(fallbackTickInterval / time.Millisecond)
			bus.Push(Frame{Kind: FrameVideo, Time: t, Data: videoData})
			bus.Push(Frame{Kind: FrameAudio, Time: t, Data: aacSilenceFrame})
		}
	}
}
