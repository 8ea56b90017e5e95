package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// LengthPrefixSize is the size of the JSON frame header.
const LengthPrefixSize = 4

type jsonState int

const (
	awaitingLength jsonState = iota
	awaitingBody
)

// JSONDecoder decodes length-prefixed JSON frames: a little-endian uint32
// body length followed by that many bytes holding one JSON object with a
// string "op" member.
type JSONDecoder struct {
	buf     *Buffer
	state   jsonState
	bodyLen int
}

// NewJSONDecoder returns a JSON decoder with a buffer of size bytes.
func NewJSONDecoder(size int) (*JSONDecoder, error) {
	buf, err := NewBuffer(size)
	if err != nil {
		return nil, err
	}
	return &JSONDecoder{buf: buf}, nil
}

func (d *JSONDecoder) Format() Format  { return FormatJSON }
func (d *JSONDecoder) Buffer() *Buffer { return d.buf }

// MaxBodySize is the largest body length the decoder accepts.
func (d *JSONDecoder) MaxBodySize() int {
	return d.buf.Cap() - 1 - LengthPrefixSize
}

// Decode consumes at most one frame. A bad length drains the whole buffer,
// since nothing after it can be trusted; a bad body consumes exactly the
// declared frame.
func (d *JSONDecoder) Decode(_ *Generation) (Command, error) {
	data := d.buf.bytes()

	if d.state == awaitingLength {
		if len(data) < LengthPrefixSize {
			return nil, ErrNeedMore
		}
		n := binary.LittleEndian.Uint32(data)
		if n == 0 || uint64(n) > uint64(d.MaxBodySize()) {
			skipped := len(data)
			d.Reset()
			cause := ErrFrameTooLarge
			if n == 0 {
				cause = ErrEmptyFrame
			}
			return nil, &FrameError{Format: FormatJSON, Skipped: skipped, Err: cause}
		}
		d.bodyLen = int(n)
		d.state = awaitingBody
	}

	total := LengthPrefixSize + d.bodyLen
	if len(data) < total {
		return nil, ErrNeedMore
	}

	cmd, field, err := parseBody(data[LengthPrefixSize:total])
	d.buf.consume(total)
	d.state = awaitingLength
	d.bodyLen = 0
	if err != nil {
		return nil, &FrameError{Format: FormatJSON, Skipped: total, Field: field, Err: err}
	}
	return cmd, nil
}

// Discard drains the buffer. Lengths are validated against the buffer
// size, so a full buffer only happens on a corrupted stream.
func (d *JSONDecoder) Discard() error {
	if !d.buf.Full() {
		return nil
	}
	n := d.buf.Len()
	d.Reset()
	return &FrameError{Format: FormatJSON, Skipped: n, Err: ErrOverflow}
}

// Reset drops buffered bytes and returns to awaiting a length.
func (d *JSONDecoder) Reset() {
	d.buf.Reset()
	d.state = awaitingLength
	d.bodyLen = 0
}

func parseBody(body []byte) (Command, string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if obj == nil {
		return nil, "", fmt.Errorf("%w: root is not an object", ErrInvalidJSON)
	}

	opName, ok := stringMember(obj, "op")
	if !ok {
		return nil, "op", ErrMissingField
	}
	spec := findOp(jsonOps, opName)
	if spec == nil {
		return nil, "op", ErrUnknownOp
	}

	values := make([]string, len(spec.fields))
	for i, f := range spec.fields {
		v, ok := stringMember(obj, f.key)
		if !ok {
			if f.required {
				return nil, f.key, ErrMissingField
			}
			continue
		}
		if len(v) > f.maxLen {
			return nil, f.key, ErrFieldTooLong
		}
		values[i] = v
	}
	return spec.build(values), "", nil
}

// stringMember returns obj[key] when it is present and a JSON string.
func stringMember(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
