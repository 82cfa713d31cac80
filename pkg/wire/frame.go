// Package wire implements the nexus framed-transport codec: a
// length-prefixed packet framing over a byte stream, and the minimal
// varint-tagged TLV payload format nexus messages use. The decoding state
// machine here mirrors the incremental peek/discard/read-full loop the
// teacher uses in pkg/rtsp/client.go's ReadPackets, adapted from RTSP's
// interleaved '$' framing to nexus's type/length/payload framing.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Packet type constants; numeric values are part of the wire contract.
const (
	TypePing                = 1
	TypeHello               = 100
	TypeAudioPayload        = 102
	TypeStartPlayback       = 103
	TypeStopPlayback        = 104
	TypeAuthorizeRequest    = 212
	TypeOK                  = 200
	TypeError               = 201
	TypePlaybackBegin       = 202
	TypePlaybackEnd         = 203
	TypePlaybackPacket      = 204
	TypeLongPlaybackPacket  = 205
	TypeRedirect            = 207
	TypeTalkbackBegin       = 208
	TypeTalkbackEnd         = 209
)

// longLengthType is the one packet type whose length field is u32 instead
// of u16.
const longLengthType = TypeLongPlaybackPacket

// Frame is one decoded nexus wire frame.
type Frame struct {
	Type    uint8
	Payload []byte
}

// EncodeFrame writes the symmetric encoding of a frame: type byte, then a
// u16 (or, for LONG_PLAYBACK_PACKET, u32) big-endian length, then the
// payload. Payloads of length >= 65536 must use TypeLongPlaybackPacket.
func EncodeFrame(w io.Writer, packetType uint8, payload []byte) error {
	if len(payload) >= 1<<16 && packetType != longLengthType {
		return fmt.Errorf("wire: payload of %d bytes requires type %d (long length)", len(payload), longLengthType)
	}
	if _, err := w.Write([]byte{packetType}); err != nil {
		return fmt.Errorf("write frame type: %w", err)
	}
	if packetType == longLengthType {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("write frame length: %w", err)
		}
	} else {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("write frame length: %w", err)
		}
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// Decoder incrementally decodes frames from a bufio.Reader, the same
// peek-then-discard-then-read-full shape as the teacher's RTSP interleaved
// frame reader.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame-at-a-time decoding.
func NewDecoder(r *bufio.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFrame blocks until one full frame is available, decodes its header,
// and reads exactly its payload length.
func (d *Decoder) ReadFrame() (Frame, error) {
	header, err := d.r.Peek(3)
	if err != nil {
		return Frame{}, fmt.Errorf("peek frame header: %w", err)
	}
	packetType := header[0]

	if packetType == longLengthType {
		longHeader, err := d.r.Peek(5)
		if err != nil {
			return Frame{}, fmt.Errorf("peek long frame header: %w", err)
		}
		length := binary.BigEndian.Uint32(longHeader[1:5])
		if _, err := d.r.Discard(5); err != nil {
			return Frame{}, fmt.Errorf("discard long frame header: %w", err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Frame{}, fmt.Errorf("read long frame payload: %w", err)
		}
		return Frame{Type: packetType, Payload: payload}, nil
	}

	length := binary.BigEndian.Uint16(header[1:3])
	if _, err := d.r.Discard(3); err != nil {
		return Frame{}, fmt.Errorf("discard frame header: %w", err)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: packetType, Payload: payload}, nil
}
