package protocol

import "fmt"

// MinBufferSize is the smallest buffer a decoder accepts.
const MinBufferSize = 64

// Buffer is a fixed-capacity byte buffer filled by raw reads and drained by
// a decoder. One byte of capacity stays reserved, so Len never exceeds
// Cap-1.
type Buffer struct {
	buf  []byte
	used int
}

// NewBuffer allocates a buffer with the given capacity.
func NewBuffer(size int) (*Buffer, error) {
	if size < MinBufferSize {
		return nil, fmt.Errorf("buffer size %d below minimum %d", size, MinBufferSize)
	}
	return &Buffer{buf: make([]byte, size)}, nil
}

// Cap returns the total capacity including the reserved byte.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of valid buffered bytes.
func (b *Buffer) Len() int { return b.used }

// Full reports whether no free space remains.
func (b *Buffer) Full() bool { return b.used >= len(b.buf)-1 }

// Free returns the writable tail of the buffer. Callers write into it and
// then call Commit with the number of bytes written.
func (b *Buffer) Free() []byte {
	return b.buf[b.used : len(b.buf)-1]
}

// Commit marks n bytes of the free space as valid.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.used+n > len(b.buf)-1 {
		panic(fmt.Sprintf("protocol: commit %d overflows buffer (used %d, cap %d)", n, b.used, len(b.buf)))
	}
	b.used += n
	b.buf[b.used] = 0
}

// Fill appends p, truncated to the free space, and returns the number of
// bytes taken.
func (b *Buffer) Fill(p []byte) int {
	n := copy(b.Free(), p)
	b.Commit(n)
	return n
}

// bytes returns the valid bytes. The slice aliases the buffer and is only
// good until the next consume or Commit.
func (b *Buffer) bytes() []byte { return b.buf[:b.used] }

// consume drops the first n bytes and compacts the remainder to the front.
func (b *Buffer) consume(n int) {
	if n >= b.used {
		b.used = 0
		b.buf[0] = 0
		return
	}
	copy(b.buf, b.buf[n:b.used])
	b.used -= n
	b.buf[b.used] = 0
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.used = 0
	b.buf[0] = 0
}
