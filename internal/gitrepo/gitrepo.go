// Package gitrepo reads repository state with go-git, without shelling
// out to a git binary.
package gitrepo

import (
	"errors"
	"fmt"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	ErrNotRepository = errors.New("not a git repository")
	ErrNoCommits     = errors.New("repository has no commits")
)

// Head returns the commit HEAD resolves to in the repository rooted at
// path.
func Head(path string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}

	ref, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%s: %w", path, ErrNoCommits)
		}
		return "", fmt.Errorf("resolve HEAD in %s: %w", path, err)
	}
	return ref.Hash().String(), nil
}

// TopLevel returns the root of the working tree containing path.
func TopLevel(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", fmt.Errorf("%s: %w", abs, ErrNotRepository)
		}
		return "", fmt.Errorf("open %s: %w", abs, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree for %s: %w", abs, err)
	}
	return wt.Filesystem.Root(), nil
}

// Resolver adapts the package functions to an interface value.
type Resolver struct{}

// Head implements daemon.HeadResolver.
func (Resolver) Head(path string) (string, error) { return Head(path) }

// Files implements daemon.TreeReader.
func (Resolver) Files(path, commit string) ([]File, error) { return Files(path, commit) }

// Changes implements daemon.TreeReader.
func (Resolver) Changes(path, from, to string) ([]Change, error) { return Changes(path, from, to) }
