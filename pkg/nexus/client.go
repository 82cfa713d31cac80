package nexus

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nberg/nest-bridge/pkg/bridgeerr"
	"github.com/nberg/nest-bridge/pkg/logger"
	"github.com/nberg/nest-bridge/pkg/wire"
)

// State is one node of the nexus session state machine described in the
// component design: DISCONNECTED -> CONNECTING -> HELLO_SENT -> AUTHORIZED
// -> PLAYING -> CLOSING -> DISCONNECTED.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHelloSent
	StateAuthorized
	StatePlaying
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHelloSent:
		return "hello_sent"
	case StateAuthorized:
		return "authorized"
	case StatePlaying:
		return "playing"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const nexusPort = 1443

// keepAliveInterval and stallTimeout are fixed per spec's back-off table.
const (
	keepAliveInterval = 15 * time.Second
	stallTimeout      = 8 * time.Second
)

// ChannelDescriptor tracks one demultiplexed media channel's codec-derived
// identity and timing state.
type ChannelDescriptor struct {
	ID           byte
	StartTimeMs  int64
	PacketTimeMs int64
	lastPacketAt time.Time
}

// HelloIdentity is the caller-supplied identity used to build the HELLO
// message (spec §4.2's tag list).
type HelloIdentity struct {
	UserID      string
	Platform    string
	ClientKind  int64 // iOS=2
	Federated   bool
	BearerToken string // JWT (federated) or session token (native)
}

// Session is one nexus session client, one per camera.
type Session struct {
	mu sync.Mutex

	host    string
	conn    net.Conn
	dec     *wire.Decoder
	writeMu sync.Mutex

	state      State
	sessionID  int64
	authorized bool
	outbound   [][]byte // queued pre-authorization messages, FIFO

	video ChannelDescriptor
	audio ChannelDescriptor

	bus      *Bus
	fallback *FallbackGenerator

	identity HelloIdentity

	stopCh        chan struct{}
	keepAliveStop chan struct{}
	stallTimer    *time.Timer

	online            bool
	streamingEnabled  bool

	log *logger.Logger

	onRedirect func(newHost string)
	onClosed   func(reconnect bool)
}

// NewSession constructs a session bound to host, not yet connected.
func NewSession(host string, identity HelloIdentity, frames Frames, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Default()
	}
	s := &Session{
		host:     host,
		state:    StateDisconnected,
		bus:      NewBus(),
		identity: identity,
		log:      log,
	}
	s.fallback = NewFallbackGenerator(frames)
	return s
}

// Bus exposes the fan-out bus for consumer registration.
func (s *Session) Bus() *Bus { return s.bus }

// State returns the current state machine node.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open dials the TLS socket, authenticates, and starts the background
// loops (read, output, fallback, keep-alive, stall). It does not block past
// connection establishment; playback begins asynchronously once PLAYBACK_BEGIN
// arrives.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.host, nexusPort)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{})
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("nexus dial %s: %w", addr, err)
	}
	if tcpConn, ok := rawConn.NetConn().(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	s.mu.Lock()
	s.conn = rawConn
	s.dec = wire.NewDecoder(bufio.NewReader(rawConn))
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.sendHello(false); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateHelloSent
	s.mu.Unlock()

	go s.readLoop()
	go s.bus.RunOutputLoop(s.stopCh, func(id string, err error) {
		s.log.DebugNexus("consumer sink write failed", "consumer_id", id, "error", err)
	})
	go s.fallback.Run(s.stopCh, s.bus, func() (bool, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.online, s.streamingEnabled
	}, time.Now().UnixMilli())

	return nil
}

// sendHello encodes and sends either HELLO or, on reauth, AUTHORIZE_REQUEST.
func (s *Session) sendHello(reauth bool) error {
	w := wire.NewFieldWriter()
	w.WriteVarintField(1, 3) // version=3
	w.WriteStringField(2, s.identity.UserID)
	w.WriteBooleanField(3, false) // camera-connection-not-required
	w.WriteBytesField(6, attemptUUID())
	w.WriteStringField(7, s.identity.Platform)
	w.WriteVarintField(9, uint64(s.identity.ClientKind))

	if s.identity.Federated {
		inner := wire.NewFieldWriter()
		inner.WriteStringField(4, s.identity.BearerToken)
		w.WriteBytesField(12, inner.Bytes())
	} else {
		w.WriteStringField(4, s.identity.BearerToken)
	}

	packetType := uint8(wire.TypeHello)
	if reauth {
		packetType = wire.TypeAuthorizeRequest
	}
	return s.send(packetType, w.Bytes())
}

// attemptUUID returns a fresh per-attempt identifier for the HELLO message.
func attemptUUID() []byte {
	id := uuid.New()
	return id[:]
}

// send writes a frame to the socket if authorized, or queues it (FIFO) if
// not yet authorized, per the "queued outbound messages" invariant.
func (s *Session) send(packetType uint8, payload []byte) error {
	s.mu.Lock()
	authorized := s.authorized
	s.mu.Unlock()

	if !authorized && packetType != wire.TypeHello && packetType != wire.TypeAuthorizeRequest {
		s.mu.Lock()
		frame := make([]byte, 0, len(payload)+1)
		frame = append(frame, packetType)
		frame = append(frame, payload...)
		s.outbound = append(s.outbound, frame)
		s.mu.Unlock()
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("nexus: send on closed session")
	}
	return wire.EncodeFrame(s.conn, packetType, payload)
}

// flushOutbound sends every queued pre-authorization message in FIFO order.
func (s *Session) flushOutbound() {
	s.mu.Lock()
	queued := s.outbound
	s.outbound = nil
	s.mu.Unlock()

	for _, frame := range queued {
		s.writeMu.Lock()
		_ = wire.EncodeFrame(s.conn, frame[0], frame[1:])
		s.writeMu.Unlock()
	}
}

// readLoop decodes frames and dispatches state transitions until the
// socket closes or stop fires.
func (s *Session) readLoop() {
	for {
		frame, err := s.dec.ReadFrame()
		if err != nil {
			s.handleSocketClosed()
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame wire.Frame) {
	s.log.DebugFrame(frame.Type, len(frame.Payload), fmt.Sprintf("%d", s.sessionIDSnapshot()))

	switch frame.Type {
	case wire.TypeOK:
		s.handleOK()
	case wire.TypeError:
		s.handleError(frame.Payload)
	case wire.TypePlaybackBegin:
		s.handlePlaybackBegin(frame.Payload)
	case wire.TypePlaybackPacket:
		s.handlePlaybackPacket(frame.Payload, false)
	case wire.TypeLongPlaybackPacket:
		s.handlePlaybackPacket(frame.Payload, true)
	case wire.TypePlaybackEnd:
		s.handlePlaybackEnd(frame.Payload)
	case wire.TypeRedirect:
		s.handleRedirect(frame.Payload)
	}
}

func (s *Session) sessionIDSnapshot() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) handleOK() {
	s.mu.Lock()
	s.authorized = true
	s.state = StateAuthorized
	s.mu.Unlock()

	s.flushOutbound()
	s.startKeepAlive()

	w := wire.NewFieldWriter()
	_ = s.send(wire.TypeStartPlayback, w.Bytes())
}

func (s *Session) handleError(payload []byte) {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return
	}
	byTag := wire.FieldsByTag(fields)
	const authFailedCode = 1 // AUTHORIZATION_FAILED
	if byTag[1].Varint == authFailedCode {
		_ = s.sendHello(true)
	}
}

// codecVideoH264 and the audio codec family names classify each
// PLAYBACK_BEGIN channel submessage into the video or audio descriptor.
const codecVideoH264 = "H264"

func isAudioCodec(codec string) bool {
	switch codec {
	case "AAC", "OPUS", "SPEEX":
		return true
	}
	return false
}

// handlePlaybackBegin decodes the session id (tag 1) and one repeated
// channel submessage per tag-2 field: {1: channel_id varint, 2: codec
// string, 3: start_time double, seconds}. Channels are classified by codec
// into the video or audio descriptor per spec §4.2.
func (s *Session) handlePlaybackBegin(payload []byte) {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.state = StatePlaying
	for _, f := range fields {
		switch f.Tag {
		case 1:
			s.sessionID = int64(f.Varint)
		case 2:
			chFields, err := wire.DecodeFields(f.Bytes)
			if err != nil {
				continue
			}
			chByTag := wire.FieldsByTag(chFields)
			channelID := byte(chByTag[1].Varint)
			codec := chByTag[2].AsString()
			startMs := int64(chByTag[3].AsDouble() * 1000)
			if codec == codecVideoH264 {
				s.video = ChannelDescriptor{ID: channelID, StartTimeMs: startMs}
			} else if isAudioCodec(codec) {
				s.audio = ChannelDescriptor{ID: channelID, StartTimeMs: startMs}
			}
		}
	}
	s.mu.Unlock()

	s.resetStallTimer()
}

// handlePlaybackPacket decodes one PLAYBACK_PACKET/LONG_PLAYBACK_PACKET,
// advances the channel's packet clock by the zig-zag signed delta, and
// fans the frame out through the bus.
func (s *Session) handlePlaybackPacket(payload []byte, long bool) {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return
	}
	byTag := wire.FieldsByTag(fields)

	channelID := byte(byTag[1].Varint)
	delta := byTag[2].AsSVarint()
	data := byTag[3].Bytes

	s.mu.Lock()
	var kind FrameKind
	var desc *ChannelDescriptor
	if channelID == s.video.ID {
		kind = FrameVideo
		desc = &s.video
	} else {
		kind = FrameAudio
		desc = &s.audio
	}
	desc.PacketTimeMs += delta
	desc.lastPacketAt = time.Now()
	t := desc.PacketTimeMs
	s.mu.Unlock()

	if kind == FrameVideo {
		s.fallback.NoteRealVideoFrame()
	}
	s.bus.Push(Frame{Kind: kind, Time: t, Data: data})
	s.resetStallTimer()
}

func (s *Session) handlePlaybackEnd(payload []byte) {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return
	}
	byTag := wire.FieldsByTag(fields)
	if byTag[1].Varint == 0 {
		if s.bus.Count() == 0 {
			s.Close(false)
			return
		}
		return
	}
	s.Close(false)
	s.reconnectSameHost()
}

func (s *Session) handleRedirect(payload []byte) {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return
	}
	byTag := wire.FieldsByTag(fields)
	newHost := byTag[1].AsString()
	s.mu.Lock()
	s.host = newHost
	s.mu.Unlock()
	if s.onRedirect != nil {
		s.onRedirect(newHost)
	}
	s.Close(false)
	s.reconnectSameHost()
}

func (s *Session) handleSocketClosed() {
	if s.bus.Count() > 0 {
		s.reconnectSameHost()
	}
}

func (s *Session) reconnectSameHost() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.authorized = false
	s.sessionID = 0
	s.mu.Unlock()
	_ = s.Open()
}

func (s *Session) startKeepAlive() {
	s.mu.Lock()
	s.keepAliveStop = make(chan struct{})
	stop := s.keepAliveStop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.mu.Lock()
				authorized := s.authorized
				s.mu.Unlock()
				if !authorized {
					return
				}
				_ = s.send(wire.TypePing, nil)
			}
		}
	}()
}

func (s *Session) resetStallTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stallTimer != nil {
		s.stallTimer.Stop()
	}
	s.stallTimer = time.AfterFunc(stallTimeout, func() {
		s.Close(false)
		s.reconnectSameHost()
	})
}

// Update applies a device-data change: a token rotation while authorized
// triggers AUTHORIZE_REQUEST; an online/streaming-enabled transition
// opens or closes the session.
func (s *Session) Update(online, streamingEnabled bool, tokenChanged bool) {
	s.mu.Lock()
	wasOnline := s.online
	wasStreaming := s.streamingEnabled
	s.online = online
	s.streamingEnabled = streamingEnabled
	authorized := s.authorized
	state := s.state
	s.mu.Unlock()

	if tokenChanged && authorized {
		_ = s.sendHello(true)
	}

	wasUp := wasOnline && wasStreaming
	isUp := online && streamingEnabled
	if !wasUp && isUp && state == StateDisconnected {
		_ = s.Open()
	} else if wasUp && !isUp {
		s.Close(true)
	}
}

// StartBuffer opens the session if needed and registers a buffer consumer.
func (s *Session) StartBuffer(id string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.bus.AddConsumer(&Consumer{ID: id, Kind: KindBuffer})
	return nil
}

// StartLive opens the session if needed and registers a live consumer.
func (s *Session) StartLive(id string, videoSink, audioSink io.Writer, talkback <-chan []byte) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.bus.AddConsumer(&Consumer{ID: id, Kind: KindLive, VideoSink: videoSink, AudioSink: audioSink, TalkbackSource: talkback})
	if talkback != nil {
		go RunTalkback(s.stopCh, s.sessionIDSnapshot(), talkback, s.send)
	}
	return nil
}

// StartRecord opens the session if needed, registers a record consumer,
// and seeds it with a non-aliased copy of the current buffer contents.
func (s *Session) StartRecord(id string, videoSink, audioSink io.Writer) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	c := &Consumer{ID: id, Kind: KindRecord, VideoSink: videoSink, AudioSink: audioSink}
	c.queue = s.bus.BufferSnapshot()
	s.bus.AddConsumer(c)
	return nil
}

func (s *Session) ensureOpen() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateDisconnected {
		return s.Open()
	}
	return nil
}

// stopConsumer removes id and, if no consumers remain, closes gracefully.
func (s *Session) stopConsumer(id string) {
	if remaining := s.bus.RemoveConsumer(id); remaining == 0 {
		s.Close(true)
	}
}

// StopLive removes a live consumer.
func (s *Session) StopLive(id string) { s.stopConsumer(id) }

// StopRecord removes a record consumer.
func (s *Session) StopRecord(id string) { s.stopConsumer(id) }

// StopBuffer removes the buffer consumer.
func (s *Session) StopBuffer(id string) { s.stopConsumer(id) }

// Close tears the session down. sendStop controls whether STOP_PLAYBACK is
// sent before destroying the socket: true for a graceful application-level
// close, false for internal reconnect paths where the peer need not be
// told.
func (s *Session) Close(sendStop bool) {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	conn := s.conn
	stopCh := s.stopCh
	s.mu.Unlock()

	if sendStop && s.authorized {
		_ = s.send(wire.TypeStopPlayback, nil)
	}
	if stopCh != nil {
		close(stopCh)
	}
	if conn != nil {
		_ = conn.Close()
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.authorized = false
	s.sessionID = 0
	s.conn = nil
	s.mu.Unlock()
}

var _ = bridgeerr.ErrStall // referenced by callers translating reconnect causes
