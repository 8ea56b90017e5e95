// Package pipe wraps the named pipe the daemon reads commands from.
//
// The read side is opened non-blocking and driven by poll(2), so a
// writer connecting or disconnecting never stalls the daemon. A Waker
// lets another goroutine interrupt a pending Wait.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Mode is the permission set applied to a created FIFO: the owner reads,
// anyone may write.
const Mode = 0o622

var (
	// ErrInterrupted is returned by Open when a signal interrupted it.
	ErrInterrupted = errors.New("open interrupted")
	// ErrNoReader is returned by OpenWriter when no process has the FIFO
	// open for reading.
	ErrNoReader = errors.New("no process is reading the pipe")
)

// Create makes a FIFO at path. The mode is reapplied after mkfifo since
// the umask usually strips the group and other write bits.
func Create(path string) error {
	if err := unix.Mkfifo(path, Mode); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	if err := os.Chmod(path, Mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// IsFIFO reports whether path exists and is a named pipe.
func IsFIFO(path string) (bool, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return fi.Mode()&os.ModeNamedPipe != 0, nil
}

// Events reports what a Wait observed.
type Events uint8

const (
	Readable Events = 1 << iota
	HangUp
	Failed // POLLERR or POLLNVAL on the pipe
	Woken
)

// Has reports whether all bits of e2 are set.
func (e Events) Has(e2 Events) bool { return e&e2 == e2 }

// Reader is the non-blocking read end of a FIFO.
type Reader struct {
	fd   int
	path string
}

// Open opens the FIFO at path for non-blocking reads.
func Open(path string) (*Reader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Reader{fd: fd, path: path}, nil
}

// Path returns the FIFO path.
func (r *Reader) Path() string { return r.path }

// Wait polls the pipe, and w if non-nil, for up to timeout. A zero result
// with a nil error is an idle tick; an interrupted poll is reported the
// same way.
func (r *Reader) Wait(timeout time.Duration, w *Waker) (Events, error) {
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}} //nolint:gosec // G115: fd fits in int32
	if w != nil {
		fds = append(fds, unix.PollFd{Fd: int32(w.r), Events: unix.POLLIN}) //nolint:gosec // G115: fd fits in int32
	}

	n, err := unix.Poll(fds, pollTimeout(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll %s: %w", r.path, err)
	}
	if n == 0 {
		return 0, nil
	}

	var ev Events
	re := fds[0].Revents
	if re&unix.POLLIN != 0 {
		ev |= Readable
	}
	if re&unix.POLLHUP != 0 {
		ev |= HangUp
	}
	if re&(unix.POLLERR|unix.POLLNVAL) != 0 {
		ev |= Failed
	}
	if w != nil && fds[1].Revents&unix.POLLIN != 0 {
		ev |= Woken
	}
	return ev, nil
}

func pollTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	if ms > int64(^uint32(0)>>1) {
		return -1
	}
	return int(ms)
}

// Read reads into p. It returns (0, nil) when no data is available and
// io.EOF once every writer has closed.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(r.fd, p)
	switch {
	case err == nil && n == 0:
		return 0, io.EOF
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	default:
		return 0, fmt.Errorf("read %s: %w", r.path, err)
	}
}

// Close closes the descriptor. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

// OpenWriter opens the FIFO for writing without waiting for a reader. The
// returned file uses blocking writes.
func OpenWriter(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("%s: %w", path, ErrNoReader)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set blocking %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil //nolint:gosec // G115: fd is non-negative
}
