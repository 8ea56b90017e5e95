package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Acquire when another live daemon holds
// the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// LockFile is an flock(2)-held file carrying the owner's PID. It keeps two
// daemons from serving the same runtime directory.
type LockFile struct {
	file *os.File
	path string
}

// NewLockFile creates a LockFile at path. Nothing is locked until Acquire.
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path}
}

// Path returns the lock file path.
func (l *LockFile) Path() string {
	return l.path
}

// Held reports whether this LockFile currently owns the lock.
func (l *LockFile) Held() bool {
	return l.file != nil
}

// Acquire takes the lock without blocking and records the current PID. A
// lock whose recorded owner is gone is removed and taken over once.
func (l *LockFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, pid, err := tryLock(l.path)
	if err == nil {
		l.file = f
		return nil
	}
	if !errors.Is(err, unix.EWOULDBLOCK) {
		return err
	}

	if pid > 0 && !isProcessAlive(pid) {
		_ = os.Remove(l.path)
		if f, _, err = tryLock(l.path); err != nil {
			return fmt.Errorf("failed to acquire lock on retry: %w", err)
		}
		l.file = f
		return nil
	}
	if pid > 0 {
		return fmt.Errorf("%w (PID %d), lock file: %s", ErrAlreadyRunning, pid, l.path)
	}
	return fmt.Errorf("%w, lock file: %s", ErrAlreadyRunning, l.path)
}

// tryLock opens path and takes an exclusive non-blocking lock. On
// contention it returns the PID recorded by the holder alongside an error
// matching unix.EWOULDBLOCK.
func tryLock(path string) (*os.File, int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: lock path comes from config.Paths
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil { //nolint:gosec // G115: fd fits in int
		pid := readPID(f)
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, pid, fmt.Errorf("lock %s: %w", path, unix.EWOULDBLOCK)
		}
		return nil, 0, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}

	if err := writePID(f); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, 0, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// Release unlocks and removes the lock file. Releasing an unheld lock is
// a no-op.
func (l *LockFile) Release() error {
	if l.file == nil {
		return nil
	}

	// Closing drops the lock even if LOCK_UN fails.
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN) //nolint:gosec // G115: fd fits in int

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	l.file = nil

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// ReadHeldPID returns the PID recorded in lockPath if, and only if, another
// process currently holds the lock. A missing file is not held.
func ReadHeldPID(lockPath string) (pid int, held bool, err error) {
	f, err := os.OpenFile(lockPath, os.O_RDWR, 0) //nolint:gosec // G304: lock path comes from config.Paths
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB) //nolint:gosec // G115: fd fits in int
	switch {
	case err == nil:
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:gosec // G115: fd fits in int
		return 0, false, nil
	case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EAGAIN):
		return readPID(f), true, nil
	default:
		return 0, false, fmt.Errorf("flock: %w", err)
	}
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

// isProcessAlive sends signal 0 to pid.
func isProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
