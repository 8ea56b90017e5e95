package protocol

import "bytes"

// Legacy wire separators.
const (
	GroupSeparator  byte = 0x1D
	RecordSeparator byte = 0x1E
	UnitSeparator   byte = 0x1F
)

// LegacyDecoder decodes the separator-framed text protocol. A record is
// fields joined by UnitSeparator and terminated by RecordSeparator; field 0
// names the operation. A GroupSeparator in place of a record marks a new
// generation.
type LegacyDecoder struct {
	buf *Buffer

	// discarding is set after an overflow: bytes are dropped up to and
	// including the next separator.
	discarding bool
	skipped    int
}

// NewLegacyDecoder returns a legacy decoder with a buffer of size bytes.
func NewLegacyDecoder(size int) (*LegacyDecoder, error) {
	buf, err := NewBuffer(size)
	if err != nil {
		return nil, err
	}
	return &LegacyDecoder{buf: buf}, nil
}

func (d *LegacyDecoder) Format() Format  { return FormatLegacy }
func (d *LegacyDecoder) Buffer() *Buffer { return d.buf }

// Decode consumes at most one record or generation separator.
func (d *LegacyDecoder) Decode(gen *Generation) (Command, error) {
	data := d.buf.bytes()
	if len(data) == 0 {
		return nil, ErrNeedMore
	}

	if d.discarding {
		return d.resync(gen)
	}

	rs := bytes.IndexByte(data, RecordSeparator)
	gs := bytes.IndexByte(data, GroupSeparator)
	if rs < 0 && gs < 0 {
		return nil, ErrNeedMore
	}

	if gs >= 0 && (rs < 0 || gs < rs) {
		d.buf.consume(gs + 1)
		if gen != nil {
			*gen++
		}
		return nil, nil
	}

	// The record and its separator are consumed on every outcome.
	defer d.buf.consume(rs + 1)

	if rs > MaxRecordSize {
		return nil, &FrameError{Format: FormatLegacy, Skipped: rs + 1, Err: ErrFrameTooLarge}
	}
	cmd, field, err := parseRecord(data[:rs])
	if err != nil {
		return nil, &FrameError{Format: FormatLegacy, Skipped: rs + 1, Field: field, Err: err}
	}
	return cmd, nil
}

// resync drops bytes left over from an overflowed record.
func (d *LegacyDecoder) resync(gen *Generation) (Command, error) {
	data := d.buf.bytes()
	end := bytes.IndexAny(data, string([]byte{RecordSeparator, GroupSeparator}))
	if end < 0 {
		d.skipped += len(data)
		d.buf.Reset()
		return nil, ErrNeedMore
	}

	if data[end] == GroupSeparator && gen != nil {
		*gen++
	}
	skipped := d.skipped + end + 1
	d.buf.consume(end + 1)
	d.discarding = false
	d.skipped = 0
	return nil, &FrameError{Format: FormatLegacy, Skipped: skipped, Err: ErrFrameTooLarge}
}

// Discard handles a full buffer with no separator in it: the partial
// record cannot fit, so it is dropped along with everything up to the next
// separator.
func (d *LegacyDecoder) Discard() error {
	data := d.buf.bytes()
	if bytes.IndexAny(data, string([]byte{RecordSeparator, GroupSeparator})) >= 0 {
		return nil
	}
	d.discarding = true
	n := len(data)
	d.buf.Reset()
	return &FrameError{Format: FormatLegacy, Skipped: n, Err: ErrOverflow}
}

// Reset drops buffered bytes and any pending resync.
func (d *LegacyDecoder) Reset() {
	d.buf.Reset()
	d.discarding = false
	d.skipped = 0
}

func parseRecord(record []byte) (Command, string, error) {
	fields := bytes.Split(record, []byte{UnitSeparator})
	// A separator ending the record opens no field, so "added␟a␟b␟c␟" has
	// four fields and fails the count check.
	if n := len(fields); n > 1 && len(fields[n-1]) == 0 {
		fields = fields[:n-1]
	}
	if len(fields) > MaxFields {
		return nil, "", ErrFieldCount
	}

	spec := findOp(legacyOps, string(fields[0]))
	if spec == nil {
		return nil, "", ErrUnknownOp
	}
	if len(fields) != len(spec.fields)+1 {
		return nil, "", ErrFieldCount
	}

	values := make([]string, len(spec.fields))
	for i, f := range spec.fields {
		src := fields[i+1]
		if len(src) > f.maxLen {
			return nil, f.name, ErrFieldTooLong
		}
		values[i] = string(src)
	}
	return spec.build(values), "", nil
}
