package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire types for the TLV payload format: a protobuf-style tag/wiretype byte
// (tag<<3 | wireType) followed by a value whose shape depends on wireType.
// Implementers may use a standard TLV/protobuf library as long as these tag
// numbers and wire types are preserved; no protobuf runtime ships with the
// examples this repo is grounded on, so the codec is hand-rolled per the
// design note permitting a minimal TLV.
const (
	WireVarint  = 0
	WireFixed64 = 1
	WireBytes   = 2
)

// FieldWriter accumulates TLV-encoded fields into a byte buffer.
type FieldWriter struct {
	buf []byte
}

// NewFieldWriter returns an empty writer.
func NewFieldWriter() *FieldWriter {
	return &FieldWriter{}
}

// Bytes returns the accumulated payload.
func (w *FieldWriter) Bytes() []byte {
	return w.buf
}

func (w *FieldWriter) putTag(tag uint32, wireType uint8) {
	w.buf = appendUvarint(w.buf, uint64(tag)<<3|uint64(wireType))
}

// WriteVarintField encodes an unsigned integer field.
func (w *FieldWriter) WriteVarintField(tag uint32, v uint64) {
	w.putTag(tag, WireVarint)
	w.buf = appendUvarint(w.buf, v)
}

// WriteSVarintField encodes a signed integer field using zig-zag encoding,
// matching writeSVarintField's role in timestamp deltas.
func (w *FieldWriter) WriteSVarintField(tag uint32, v int64) {
	w.putTag(tag, WireVarint)
	w.buf = appendUvarint(w.buf, zigzagEncode(v))
}

// WriteBooleanField encodes a boolean as a 0/1 varint.
func (w *FieldWriter) WriteBooleanField(tag uint32, b bool) {
	var v uint64
	if b {
		v = 1
	}
	w.WriteVarintField(tag, v)
}

// WriteStringField encodes a length-prefixed UTF-8 string.
func (w *FieldWriter) WriteStringField(tag uint32, s string) {
	w.WriteBytesField(tag, []byte(s))
}

// WriteBytesField encodes a length-prefixed byte slice.
func (w *FieldWriter) WriteBytesField(tag uint32, b []byte) {
	w.putTag(tag, WireBytes)
	w.buf = appendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteDoubleField encodes a 64-bit IEEE-754 float, little-endian, as a
// fixed64 field.
func (w *FieldWriter) WriteDoubleField(tag uint32, v float64) {
	w.putTag(tag, WireFixed64)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	w.buf = append(w.buf, buf[:]...)
}

// Field is one decoded TLV field, dispatched by the caller on Tag.
type Field struct {
	Tag      uint32
	WireType uint8
	Varint   uint64
	Bytes    []byte
	Fixed64  uint64
}

// AsString interprets a WireBytes field as a UTF-8 string.
func (f Field) AsString() string { return string(f.Bytes) }

// AsBool interprets a WireVarint field as a boolean.
func (f Field) AsBool() bool { return f.Varint != 0 }

// AsSVarint interprets a WireVarint field as a zig-zag signed integer.
func (f Field) AsSVarint() int64 { return zigzagDecode(f.Varint) }

// AsDouble interprets a WireFixed64 field as an IEEE-754 float.
func (f Field) AsDouble() float64 { return math.Float64frombits(f.Fixed64) }

// DecodeFields parses a TLV payload into the field list. A field with an
// unrecognized wire type makes the whole decode fail with an error; a caller
// then dispatches on Tag, assigning defaults for tags it never saw, exactly
// as the design note for the "duck-typed payload decoder" requires.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	i := 0
	for i < len(payload) {
		key, n := readUvarint(payload[i:])
		if n <= 0 {
			return nil, fmt.Errorf("wire: truncated tag at offset %d", i)
		}
		i += n
		tag := uint32(key >> 3)
		wireType := uint8(key & 0x7)

		switch wireType {
		case WireVarint:
			v, n := readUvarint(payload[i:])
			if n <= 0 {
				return nil, fmt.Errorf("wire: truncated varint field (tag %d)", tag)
			}
			i += n
			fields = append(fields, Field{Tag: tag, WireType: wireType, Varint: v})
		case WireFixed64:
			if i+8 > len(payload) {
				return nil, fmt.Errorf("wire: truncated fixed64 field (tag %d)", tag)
			}
			fields = append(fields, Field{Tag: tag, WireType: wireType, Fixed64: binary.LittleEndian.Uint64(payload[i : i+8])})
			i += 8
		case WireBytes:
			length, n := readUvarint(payload[i:])
			if n <= 0 {
				return nil, fmt.Errorf("wire: truncated bytes length (tag %d)", tag)
			}
			i += n
			if i+int(length) > len(payload) {
				return nil, fmt.Errorf("wire: truncated bytes value (tag %d)", tag)
			}
			fields = append(fields, Field{Tag: tag, WireType: wireType, Bytes: payload[i : i+int(length)]})
			i += int(length)
		default:
			return nil, fmt.Errorf("wire: unknown wire type %d (tag %d)", wireType, tag)
		}
	}
	return fields, nil
}

// FieldsByTag indexes decoded fields by tag, last-one-wins, for a caller
// that wants direct lookup instead of iterating.
func FieldsByTag(fields []Field) map[uint32]Field {
	m := make(map[uint32]Field, len(fields))
	for _, f := range fields {
		m[f.Tag] = f
	}
	return m
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

// ReadVarint5 reads a base-128 varint capped at 5 bytes, the message-length
// framing the trait observer's streaming Observe response uses.
func ReadVarint5(buf []byte) (uint64, int, error) {
	limit := len(buf)
	if limit > 5 {
		limit = 5
	}
	v, n := binary.Uvarint(buf[:limit])
	if n <= 0 {
		return 0, 0, fmt.Errorf("wire: invalid or truncated 5-byte varint")
	}
	return v, n, nil
}
