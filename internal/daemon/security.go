package daemon

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrRunningAsRoot is reported when the daemon runs with effective UID 0.
// Run only warns: the daemon never drops privileges, so every repository
// path a writer names would then be opened as root.
var ErrRunningAsRoot = errors.New("running as root (UID 0): the command pipe accepts writes from every user")

// ErrInsecureDirectory is matched by every *InsecureDirError.
var ErrInsecureDirectory = errors.New("runtime directory has insecure permissions")

// InsecureDirError describes a runtime directory that another user could
// enter. The runtime directory holds the command pipe, the lock file and
// the status mirror, so whoever can reach it can feed the daemon commands
// or forge repository status.
type InsecureDirError struct {
	Path string
	Mode os.FileMode
	// Owner is the owning UID when it is not the current user, else -1.
	Owner int
}

func (e *InsecureDirError) Error() string {
	if e.Owner >= 0 {
		return fmt.Sprintf("%s: %s is owned by uid %d, not uid %d",
			ErrInsecureDirectory, e.Path, e.Owner, os.Geteuid())
	}
	return fmt.Sprintf("%s: %s has mode %o; expected exactly 0700",
		ErrInsecureDirectory, e.Path, e.Mode.Perm())
}

func (e *InsecureDirError) Is(target error) bool { return target == ErrInsecureDirectory }

// CheckNotRoot returns ErrRunningAsRoot for effective UID 0.
func CheckNotRoot() error {
	if os.Geteuid() == 0 {
		return ErrRunningAsRoot
	}
	return nil
}

// ValidateDirectoryPermissions reports whether the runtime directory at
// dirPath is private to the current user: owned by them with mode exactly
// 0700. A missing directory is accepted since the daemon creates it with
// EnsureSecureDirectory on start. The status command uses this to warn
// about a directory someone loosened after the daemon started.
func ValidateDirectoryPermissions(dirPath string) error {
	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory %s: %w", dirPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dirPath)
	}

	if uid, ok := ownerOf(info); ok && uid != os.Geteuid() {
		return &InsecureDirError{Path: dirPath, Mode: info.Mode(), Owner: uid}
	}
	if info.Mode().Perm() != 0o700 {
		return &InsecureDirError{Path: dirPath, Mode: info.Mode(), Owner: -1}
	}
	return nil
}

// EnsureSecureDirectory creates the runtime directory with mode 0700, or
// tightens an existing one to 0700. A directory owned by another user is
// refused rather than chmodded, since the pipe and lock would still be
// theirs to replace.
func EnsureSecureDirectory(dirPath string) error {
	info, err := os.Stat(dirPath)
	if os.IsNotExist(err) {
		return os.MkdirAll(dirPath, 0o700)
	}
	if err != nil {
		return fmt.Errorf("failed to stat directory %s: %w", dirPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists but is not a directory", dirPath)
	}

	if uid, ok := ownerOf(info); ok && uid != os.Geteuid() {
		return &InsecureDirError{Path: dirPath, Mode: info.Mode(), Owner: uid}
	}
	if info.Mode().Perm() != 0o700 {
		if err := os.Chmod(dirPath, 0o700); err != nil { //nolint:gosec // G302: 0700 is appropriate for the runtime directory
			return fmt.Errorf("failed to fix permissions on %s: %w", dirPath, err)
		}
	}
	return nil
}

func ownerOf(info os.FileInfo) (int, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(st.Uid), true
}
