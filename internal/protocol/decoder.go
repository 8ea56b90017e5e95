package protocol

import (
	"errors"
	"fmt"
)

// ErrNeedMore means the buffer does not yet hold a complete frame. Nothing
// was consumed.
var ErrNeedMore = errors.New("need more data")

// Causes carried by a FrameError.
var (
	ErrMalformed     = errors.New("malformed frame")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrUnknownOp     = errors.New("unknown operation")
	ErrFieldCount    = errors.New("wrong field count")
	ErrFieldTooLong  = errors.New("field too long")
	ErrMissingField  = errors.New("missing or invalid field")
	ErrInvalidJSON   = errors.New("invalid json")
	ErrOverflow      = errors.New("buffer overflow")
)

// FrameError describes one frame the decoder rejected. The offending bytes
// have already been consumed when it is returned.
type FrameError struct {
	Format  Format
	Skipped int    // bytes discarded
	Field   string // offending field, if any
	Err     error
}

func (e *FrameError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s frame: %s: %v (skipped %d bytes)", e.Format, e.Field, e.Err, e.Skipped)
	}
	return fmt.Sprintf("%s frame: %v (skipped %d bytes)", e.Format, e.Err, e.Skipped)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformed) match every rejected frame.
func (e *FrameError) Is(target error) bool { return target == ErrMalformed }

// Generation counts generation separators seen in the legacy stream. The
// watcher emits one each time it restarts its enumeration.
type Generation uint64

// Decoder turns buffered bytes into commands.
//
// Decode returns (cmd, nil) when a frame was consumed and produced a
// command, (nil, nil) when bytes were consumed without producing one,
// (nil, ErrNeedMore) when the buffer holds no complete frame, and
// (nil, *FrameError) when a frame was consumed and rejected. Every outcome
// other than ErrNeedMore advances the stream.
type Decoder interface {
	Format() Format
	Buffer() *Buffer
	Decode(gen *Generation) (Command, error)
	// Discard recovers from a full buffer that holds no complete frame.
	Discard() error
	// Reset drops all buffered bytes and decoder state.
	Reset()
}

// Format selects a wire format.
type Format string

const (
	FormatJSON   Format = "json"
	FormatLegacy Format = "legacy"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatLegacy:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown protocol format %q (want json or legacy)", s)
	}
}

// DefaultBufferSize fits the largest frame of either format with room to
// spare for JSON escaping.
const DefaultBufferSize = 64 * 1024

// NewDecoder returns a decoder for the format with a buffer of bufSize
// bytes. A zero bufSize selects DefaultBufferSize.
func NewDecoder(format Format, bufSize int) (Decoder, error) {
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}
	switch format {
	case FormatLegacy:
		return NewLegacyDecoder(bufSize)
	case FormatJSON:
		return NewJSONDecoder(bufSize)
	default:
		return nil, fmt.Errorf("unknown protocol format %q", format)
	}
}
