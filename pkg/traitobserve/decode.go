package traitobserve

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nberg/nest-bridge/pkg/wire"
)

// Chunk framing tags for the Observe response stream. Each chunk is one
// TLV message; trait patch values are carried as an embedded JSON blob
// (tag traitValuesJSON) rather than a hand-rolled recursive Struct codec,
// per the "duck-typed payload decoder" design note — the trait system's
// actual value shapes are arbitrary nested maps, and JSON already says
// that without reinventing protobuf's Struct message by hand.
const (
	tagResourceMeta  = 1 // bytes, repeated: one ResourceMetadata TLV blob
	tagTraitState    = 2 // bytes, repeated: one TraitState TLV blob

	tagMetaResourceID = 1 // string
	tagMetaStatus     = 2 // string, e.g. "REMOVED"

	tagStateResourceID  = 1 // string
	tagStateTraitLabel  = 2 // string
	tagStateConfirmed   = 3 // bool: true=CONFIRMED, false=ACCEPTED
	tagStateValuesJSON  = 4 // bytes: JSON object of patch.values
	tagStateTraitType   = 5 // string: fully-qualified trait type name
)

// ResourceMeta is a decoded resourceMetas entry.
type ResourceMeta struct {
	ResourceID string
	Status     string
}

// TraitState is a decoded traitStates entry.
type TraitState struct {
	ResourceID string
	TraitLabel string
	TraitType  string
	Confirmed  bool
	Values     map[string]any
}

// Chunk is one decoded Observe response message.
type Chunk struct {
	ResourceMetas []ResourceMeta
	TraitStates   []TraitState
}

// readChunk reads one framed message from r: a skipped flag byte, a
// ReadVarint5-encoded length, then that many bytes of TLV payload.
func readChunk(r io.Reader) (*Chunk, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}

	var lenBuf [5]byte
	n, err := io.ReadFull(r, lenBuf[:1])
	if err != nil {
		return nil, err
	}
	_ = n
	// Varint length may extend up to 4 more bytes; read one at a time,
	// stopping at the first byte without the continuation bit.
	raw := []byte{lenBuf[0]}
	for raw[len(raw)-1]&0x80 != 0 && len(raw) < 5 {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		raw = append(raw, b[0])
	}
	length, _, err := wire.ReadVarint5(raw)
	if err != nil {
		return nil, fmt.Errorf("traitobserve: %w", err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("traitobserve: read chunk payload: %w", err)
	}

	return decodeChunk(payload)
}

func decodeChunk(payload []byte) (*Chunk, error) {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("traitobserve: decode chunk: %w", err)
	}

	c := &Chunk{}
	for _, f := range fields {
		switch f.Tag {
		case tagResourceMeta:
			meta, err := decodeResourceMeta(f.Bytes)
			if err != nil {
				return nil, err
			}
			c.ResourceMetas = append(c.ResourceMetas, meta)
		case tagTraitState:
			state, err := decodeTraitState(f.Bytes)
			if err != nil {
				return nil, err
			}
			c.TraitStates = append(c.TraitStates, state)
		}
	}
	return c, nil
}

func decodeResourceMeta(payload []byte) (ResourceMeta, error) {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return ResourceMeta{}, fmt.Errorf("traitobserve: decode resource meta: %w", err)
	}
	by := wire.FieldsByTag(fields)
	return ResourceMeta{
		ResourceID: by[tagMetaResourceID].AsString(),
		Status:     by[tagMetaStatus].AsString(),
	}, nil
}

func decodeTraitState(payload []byte) (TraitState, error) {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return TraitState{}, fmt.Errorf("traitobserve: decode trait state: %w", err)
	}
	by := wire.FieldsByTag(fields)

	var values map[string]any
	if f, ok := by[tagStateValuesJSON]; ok && len(f.Bytes) > 0 {
		if err := json.Unmarshal(f.Bytes, &values); err != nil {
			return TraitState{}, fmt.Errorf("traitobserve: decode trait values: %w", err)
		}
	}

	return TraitState{
		ResourceID: by[tagStateResourceID].AsString(),
		TraitLabel: by[tagStateTraitLabel].AsString(),
		TraitType:  by[tagStateTraitType].AsString(),
		Confirmed:  by[tagStateConfirmed].AsBool(),
		Values:     values,
	}, nil
}

// encodeObserveRequest builds the binary ObserveRequest body: a repeated
// stateTypes int (ACCEPTED=1, CONFIRMED=2) and a repeated traitTypeParams
// string naming every trait type the caller wants streamed.
func encodeObserveRequest(stateTypes []int, traitTypes []string) []byte {
	w := wire.NewFieldWriter()
	for _, st := range stateTypes {
		w.WriteVarintField(1, uint64(st))
	}
	for _, tt := range traitTypes {
		w.WriteStringField(2, tt)
	}
	return w.Bytes()
}

// encodeTraitState re-encodes a TraitState, used only by tests constructing
// a mock Observe stream.
func encodeTraitState(s TraitState) []byte {
	w := wire.NewFieldWriter()
	w.WriteStringField(tagStateResourceID, s.ResourceID)
	w.WriteStringField(tagStateTraitLabel, s.TraitLabel)
	w.WriteBooleanField(tagStateConfirmed, s.Confirmed)
	w.WriteStringField(tagStateTraitType, s.TraitType)
	if s.Values != nil {
		b, _ := json.Marshal(s.Values)
		w.WriteBytesField(tagStateValuesJSON, b)
	}
	return w.Bytes()
}

// encodeResourceMeta re-encodes a ResourceMeta, used only by tests.
func encodeResourceMeta(m ResourceMeta) []byte {
	w := wire.NewFieldWriter()
	w.WriteStringField(tagMetaResourceID, m.ResourceID)
	w.WriteStringField(tagMetaStatus, m.Status)
	return w.Bytes()
}

// encodeChunk wraps one or more resource-meta/trait-state blobs into a
// length-prefixed chunk frame, used only by tests.
func encodeChunk(metas []ResourceMeta, states []TraitState) []byte {
	w := wire.NewFieldWriter()
	for _, m := range metas {
		w.WriteBytesField(tagResourceMeta, encodeResourceMeta(m))
	}
	for _, s := range states {
		w.WriteBytesField(tagTraitState, encodeTraitState(s))
	}
	payload := w.Bytes()

	frame := []byte{0} // flag byte
	frame = append(frame, varint5(uint64(len(payload)))...)
	frame = append(frame, payload...)
	return frame
}

func varint5(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}
