package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedOp is returned when a command has no encoding in the
// requested format.
var ErrUnsupportedOp = errors.New("operation not supported by format")

// EncodeJSON returns the length-prefixed JSON frame for cmd. Empty optional
// fields are omitted.
func EncodeJSON(cmd Command) ([]byte, error) {
	spec := findOp(jsonOps, cmd.Op().String())
	if spec == nil {
		return nil, fmt.Errorf("%w: %s in json", ErrUnsupportedOp, cmd.Op())
	}

	values := fieldValues(cmd)
	if len(values) != len(spec.fields) {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedOp, cmd)
	}

	obj := map[string]string{"op": spec.name}
	for i, f := range spec.fields {
		if values[i] == "" && !f.required {
			continue
		}
		if len(values[i]) > f.maxLen {
			return nil, fmt.Errorf("%s: %w (%d > %d)", f.key, ErrFieldTooLong, len(values[i]), f.maxLen)
		}
		obj[f.key] = values[i]
	}

	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", spec.name, err)
	}

	frame := make([]byte, LengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body))) //nolint:gosec // G115: body is bounded by field limits
	copy(frame[LengthPrefixSize:], body)
	return frame, nil
}

// EncodeLegacy returns the separator-framed record for cmd, including the
// trailing RecordSeparator.
func EncodeLegacy(cmd Command) ([]byte, error) {
	spec := findOp(legacyOps, cmd.Op().String())
	if spec == nil {
		return nil, fmt.Errorf("%w: %s in legacy", ErrUnsupportedOp, cmd.Op())
	}

	values := fieldValues(cmd)
	if len(values) != len(spec.fields) {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedOp, cmd)
	}

	var b bytes.Buffer
	b.WriteString(spec.name)
	for i, f := range spec.fields {
		v := values[i]
		if len(v) > f.maxLen {
			return nil, fmt.Errorf("%s: %w (%d > %d)", f.name, ErrFieldTooLong, len(v), f.maxLen)
		}
		if bytes.ContainsAny([]byte(v), string([]byte{GroupSeparator, RecordSeparator, UnitSeparator})) {
			return nil, fmt.Errorf("%s: contains a separator byte", f.name)
		}
		b.WriteByte(UnitSeparator)
		b.WriteString(v)
	}
	b.WriteByte(RecordSeparator)
	return b.Bytes(), nil
}

// GenerationMark returns the legacy generation separator.
func GenerationMark() []byte {
	return []byte{GroupSeparator}
}

// Encode dispatches to the encoder for format.
func Encode(format Format, cmd Command) ([]byte, error) {
	switch format {
	case FormatJSON:
		return EncodeJSON(cmd)
	case FormatLegacy:
		return EncodeLegacy(cmd)
	default:
		return nil, fmt.Errorf("unknown protocol format %q", format)
	}
}

// fieldValues lists a command's fields in schema order.
func fieldValues(cmd Command) []string {
	switch c := cmd.(type) {
	case Added:
		return c.values()
	case Changed:
		return c.values()
	case Removed:
		return c.values()
	case Add:
		return []string{c.Path}
	case Remove:
		return []string{c.Path}
	case Query:
		return []string{c.QueryID, c.Terms, c.RepoFilter}
	default:
		return nil
	}
}

func (e FileEvent) values() []string {
	return []string{e.Root, e.RootHash, e.Leaf, e.LeafHash}
}
