package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuffer_MinimumSize(t *testing.T) {
	_, err := NewBuffer(MinBufferSize - 1)
	assert.Error(t, err)

	b, err := NewBuffer(MinBufferSize)
	require.NoError(t, err)
	assert.Equal(t, MinBufferSize, b.Cap())
	assert.Equal(t, 0, b.Len())
	assert.Len(t, b.Free(), MinBufferSize-1)
}

func TestBuffer_ReservesOneByte(t *testing.T) {
	b, err := NewBuffer(MinBufferSize)
	require.NoError(t, err)

	n := b.Fill(make([]byte, 1000))
	assert.Equal(t, MinBufferSize-1, n)
	assert.True(t, b.Full())
	assert.Empty(t, b.Free())
	assert.Equal(t, 0, b.Fill([]byte("x")))
}

func TestBuffer_ConsumeCompacts(t *testing.T) {
	b, err := NewBuffer(MinBufferSize)
	require.NoError(t, err)

	b.Fill([]byte("hello world"))
	b.consume(6)
	assert.Equal(t, "world", string(b.bytes()))
	assert.Len(t, b.Free(), MinBufferSize-1-5)

	b.consume(100)
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_CommitAfterDirectWrite(t *testing.T) {
	b, err := NewBuffer(MinBufferSize)
	require.NoError(t, err)

	n := copy(b.Free(), "abc")
	b.Commit(n)
	assert.Equal(t, "abc", string(b.bytes()))

	assert.Panics(t, func() { b.Commit(MinBufferSize) })
	assert.Panics(t, func() { b.Commit(-1) })
}

func TestBuffer_Reset(t *testing.T) {
	b, err := NewBuffer(MinBufferSize)
	require.NoError(t, err)

	b.Fill([]byte("abc"))
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Full())
}
