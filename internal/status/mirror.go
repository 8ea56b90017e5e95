// Package status maintains the status mirror: one small file per indexed
// repository holding its last indexed HEAD commit, laid out under a base
// directory so that <base>/<repository path> is the file for a repository.
package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidRepoPath is returned for repository paths that are empty, the
// filesystem root, or that would resolve outside the mirror base.
var ErrInvalidRepoPath = errors.New("invalid repository path")

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// Mirror writes status files under Base.
type Mirror struct {
	Base string
}

// NewMirror returns a mirror rooted at base.
func NewMirror(base string) *Mirror {
	return &Mirror{Base: base}
}

// Path returns the status file for repoPath.
func (m *Mirror) Path(repoPath string) (string, error) {
	if repoPath == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRepoPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(repoPath), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q contains ..", ErrInvalidRepoPath, repoPath)
		}
	}

	rel := filepath.Clean("/" + repoPath)
	if rel == "/" {
		return "", fmt.Errorf("%w: %q is the root", ErrInvalidRepoPath, repoPath)
	}

	base := filepath.Clean(m.Base)
	full := filepath.Join(base, rel)
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidRepoPath, repoPath, base)
	}
	return full, nil
}

// Ensure creates the directories above the status file for repoPath. The
// file itself is not created.
func (m *Mirror) Ensure(repoPath string) error {
	full, err := m.Path(repoPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), dirMode); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	return nil
}

// Write replaces the status file for repoPath with hash and a newline.
// Readers see either the old or the new content, never a partial write.
func (m *Mirror) Write(repoPath, hash string) error {
	if err := m.Ensure(repoPath); err != nil {
		return err
	}
	full, err := m.Path(repoPath)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*")
	if err != nil {
		return fmt.Errorf("failed to create status file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.WriteString(hash + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close status file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("failed to replace status file: %w", err)
	}
	return nil
}

// Read returns the hash recorded for repoPath.
func (m *Mirror) Read(repoPath string) (string, error) {
	full, err := m.Path(repoPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full) //nolint:gosec // G304: path is confined to the mirror base
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}
