package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(fields ...string) []byte {
	return append([]byte(strings.Join(fields, "\x1f")), RecordSeparator)
}

// drain decodes until the decoder needs more data.
func drain(t *testing.T, d Decoder, gen *Generation) ([]Command, []error) {
	t.Helper()
	var cmds []Command
	var errs []error
	for i := 0; i < 10000; i++ {
		cmd, err := d.Decode(gen)
		switch {
		case errors.Is(err, ErrNeedMore):
			return cmds, errs
		case err != nil:
			errs = append(errs, err)
		case cmd != nil:
			cmds = append(cmds, cmd)
		}
	}
	t.Fatal("decoder did not report need more data")
	return nil, nil
}

func feed(t *testing.T, d Decoder, p []byte) {
	t.Helper()
	n := d.Buffer().Fill(p)
	require.Equal(t, len(p), n, "buffer too small for test input")
}

func newLegacy(t *testing.T) *LegacyDecoder {
	t.Helper()
	d, err := NewLegacyDecoder(2*MaxRecordSize + 2)
	require.NoError(t, err)
	return d
}

func TestLegacyDecoder_AddedRecord(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, []byte("added\x1F/repo\x1Fabc123\x1F/repo/file.txt\x1Fdef456\x1E"))

	cmd, err := d.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, Added{FileEvent{
		Root:     "/repo",
		RootHash: "abc123",
		Leaf:     "/repo/file.txt",
		LeafHash: "def456",
	}}, cmd)
	assert.Equal(t, 0, d.Buffer().Len())

	_, err = d.Decode(nil)
	assert.ErrorIs(t, err, ErrNeedMore)
}

func TestLegacyDecoder_AllOperations(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, record("changed", "/r", "h1", "/r/a", "h2"))
	feed(t, d, record("removed", "/r", "h1", "/r/b", "h3"))
	feed(t, d, record("shutdown"))

	cmds, errs := drain(t, d, nil)
	require.Empty(t, errs)
	assert.Equal(t, []Command{
		Changed{FileEvent{"/r", "h1", "/r/a", "h2"}},
		Removed{FileEvent{"/r", "h1", "/r/b", "h3"}},
		Shutdown{},
	}, cmds)
}

func TestLegacyDecoder_NeedMoreWithoutSeparator(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, []byte("added\x1F/repo\x1Fabc"))

	_, err := d.Decode(nil)
	assert.ErrorIs(t, err, ErrNeedMore)
	assert.Equal(t, len("added\x1F/repo\x1Fabc"), d.Buffer().Len(), "nothing consumed")
}

func TestLegacyDecoder_GenerationSeparator(t *testing.T) {
	d := newLegacy(t)
	var gen Generation
	feed(t, d, []byte{GroupSeparator})
	feed(t, d, record("shutdown"))
	feed(t, d, []byte{GroupSeparator, GroupSeparator})

	cmd, err := d.Decode(&gen)
	require.NoError(t, err)
	assert.Nil(t, cmd)
	assert.Equal(t, Generation(1), gen)

	cmd, err = d.Decode(&gen)
	require.NoError(t, err)
	assert.Equal(t, Shutdown{}, cmd)

	cmds, errs := drain(t, d, &gen)
	assert.Empty(t, cmds)
	assert.Empty(t, errs)
	assert.Equal(t, Generation(3), gen)
}

func TestLegacyDecoder_NilGenerationIsAllowed(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, []byte{GroupSeparator})

	cmd, err := d.Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestLegacyDecoder_MalformedRecords(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
		field string
	}{
		{"unknown op", record("renamed", "/r", "h", "/r/a", "h"), ErrUnknownOp, ""},
		{"empty record", []byte{RecordSeparator}, ErrUnknownOp, ""},
		{"too few fields", record("added", "/r", "h"), ErrFieldCount, ""},
		{"too many fields", record("added", "/r", "h", "/l", "h", "extra"), ErrFieldCount, ""},
		{"shutdown with payload", record("shutdown", "x"), ErrFieldCount, ""},
		{"empty trailing field", record("added", "/r", "abc", "/r/f", ""), ErrFieldCount, ""},
		{"root too long", record("added", strings.Repeat("p", MaxPathLen+1), "h", "/l", "h"), ErrFieldTooLong, "root"},
		{"hash too long", record("added", "/r", strings.Repeat("a", MaxHashLen+1), "/l", "h"), ErrFieldTooLong, "roothash"},
		{"leafhash too long", record("changed", "/r", "h", "/l", strings.Repeat("f", MaxHashLen+1)), ErrFieldTooLong, "leafhash"},
		{"record too large", record(strings.Repeat("x", MaxRecordSize+1)), ErrFrameTooLarge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newLegacy(t)
			feed(t, d, tt.input)

			cmd, err := d.Decode(nil)
			assert.Nil(t, cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrMalformed)

			var fe *FrameError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, len(tt.input), fe.Skipped)
			assert.Equal(t, tt.field, fe.Field)
			assert.Equal(t, 0, d.Buffer().Len(), "separator consumed")
		})
	}
}

func TestLegacyDecoder_EmptyInteriorFieldAccepted(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, record("changed", "/r", "", "/r/f", "h"))

	cmd, err := d.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, Changed{FileEvent{"/r", "", "/r/f", "h"}}, cmd)
}

func TestLegacyDecoder_ShutdownTrailingSeparator(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, record("shutdown", ""))

	cmd, err := d.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, Shutdown{}, cmd)
}

func TestLegacyDecoder_FieldAtLimitAccepted(t *testing.T) {
	d := newLegacy(t)
	root := "/" + strings.Repeat("p", MaxPathLen-1)
	hash := strings.Repeat("a", MaxHashLen)
	feed(t, d, record("added", root, hash, root, hash))

	cmd, err := d.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, Added{FileEvent{root, hash, root, hash}}, cmd)
}

func TestLegacyDecoder_OversizedFieldThenValidRecord(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, record("added", "/"+strings.Repeat("p", MaxPathLen+10), "h", "/l", "h"))
	feed(t, d, record("added", "/repo", "abc", "/repo/x", "def"))

	cmds, errs := drain(t, d, nil)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrFieldTooLong)
	assert.Equal(t, []Command{Added{FileEvent{"/repo", "abc", "/repo/x", "def"}}}, cmds)
}

func TestLegacyDecoder_Resynchronizes(t *testing.T) {
	first := record("added", "/a", "1", "/a/f", "2")
	last := record("removed", "/b", "3", "/b/f", "4")
	want := []Command{
		Added{FileEvent{"/a", "1", "/a/f", "2"}},
		Removed{FileEvent{"/b", "3", "/b/f", "4"}},
	}

	garbage := map[string][]byte{
		"truncated": record("changed", "/a"),
		"oversized": record("added", strings.Repeat("z", MaxRecordSize)),
		"binary":    append([]byte{0x00, 0xff, 0x1f, 0x1f, 0x1f, 0x1f, 0x1f}, RecordSeparator),
	}

	for name, junk := range garbage {
		t.Run(name, func(t *testing.T) {
			d := newLegacy(t)
			feed(t, d, first)
			feed(t, d, junk)
			feed(t, d, last)

			cmds, errs := drain(t, d, nil)
			assert.Len(t, errs, 1)
			assert.Equal(t, want, cmds)
		})
	}
}

func TestLegacyDecoder_ChunkingInvariant(t *testing.T) {
	var stream []byte
	var want []Command
	for i, root := range []string{"/one", "/two", "/three"} {
		ev := FileEvent{Root: root, RootHash: strings.Repeat("a", i+1), Leaf: root + "/f", LeafHash: "b"}
		stream = append(stream, record("added", ev.Root, ev.RootHash, ev.Leaf, ev.LeafHash)...)
		want = append(want, Added{ev})
	}
	stream = append(stream, record("shutdown")...)
	want = append(want, Shutdown{})

	t.Run("split at every boundary", func(t *testing.T) {
		for split := 0; split <= len(stream); split++ {
			d := newLegacy(t)
			feed(t, d, stream[:split])
			got, errs := drain(t, d, nil)
			feed(t, d, stream[split:])
			more, moreErrs := drain(t, d, nil)

			require.Empty(t, errs)
			require.Empty(t, moreErrs)
			require.Equal(t, want, append(got, more...), "split at %d", split)
		}
	})

	t.Run("one byte at a time", func(t *testing.T) {
		d := newLegacy(t)
		var got []Command
		for i := range stream {
			feed(t, d, stream[i:i+1])
			cmds, errs := drain(t, d, nil)
			require.Empty(t, errs)
			got = append(got, cmds...)
		}
		assert.Equal(t, want, got)
	})
}

func TestLegacyDecoder_DiscardOverflow(t *testing.T) {
	d, err := NewLegacyDecoder(MinBufferSize)
	require.NoError(t, err)

	long := bytes.Repeat([]byte("x"), 100)
	n := d.Buffer().Fill(long)
	require.True(t, d.Buffer().Full())

	_, err = d.Decode(nil)
	require.ErrorIs(t, err, ErrNeedMore)

	err = d.Discard()
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 0, d.Buffer().Len())

	// The rest of the oversized record, then a good one.
	feed(t, d, long[n:])
	feed(t, d, []byte{RecordSeparator})
	feed(t, d, record("shutdown"))

	cmds, errs := drain(t, d, nil)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrFrameTooLarge)
	assert.Equal(t, []Command{Shutdown{}}, cmds)
}

func TestLegacyDecoder_DiscardNoopWithSeparator(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, record("shutdown"))

	assert.NoError(t, d.Discard())
	assert.Equal(t, len(record("shutdown")), d.Buffer().Len())
}

func TestLegacyDecoder_ResetDropsPartialRecord(t *testing.T) {
	d := newLegacy(t)
	feed(t, d, []byte("added\x1F/stale\x1Fdead"))
	d.Reset()

	feed(t, d, record("removed", "/fresh", "1", "/fresh/f", "2"))
	cmds, errs := drain(t, d, nil)
	require.Empty(t, errs)
	assert.Equal(t, []Command{Removed{FileEvent{"/fresh", "1", "/fresh/f", "2"}}}, cmds)
}
