package pipe

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Waker is a self-pipe. Wake makes the next Reader.Wait that includes it
// return immediately with Woken set.
type Waker struct {
	mu     sync.Mutex
	r, w   int
	closed bool
}

// NewWaker creates the pipe pair.
func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, fmt.Errorf("set nonblock: %w", err)
		}
	}
	return &Waker{r: p[0], w: p[1]}, nil
}

// Wake is safe to call from any goroutine, any number of times, including
// after Close.
func (w *Waker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	// A full pipe already guarantees a pending wakeup.
	_, _ = unix.Write(w.w, []byte{1})
}

// Drain clears pending wakeups.
func (w *Waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
	}
}

// Close releases both descriptors.
func (w *Waker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(unix.Close(w.r), unix.Close(w.w))
}
