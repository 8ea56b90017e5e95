package gitrepo

import (
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// ErrUnknownCommit is returned when a commit is not in the object store,
// for example after history was rewritten and collected.
var ErrUnknownCommit = errors.New("unknown commit")

// File is one blob reachable from a commit.
type File struct {
	Path string
	Hash string
	Size int64
}

// ChangeKind classifies a Change.
type ChangeKind int

const (
	FileAdded ChangeKind = iota
	FileModified
	FileDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case FileAdded:
		return "added"
	case FileModified:
		return "modified"
	case FileDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change is one file that differs between two commits. For deletions File
// describes the blob that was removed.
type Change struct {
	Kind ChangeKind
	File File
}

// Files lists every regular file in the tree of commit. Submodules are
// skipped.
func Files(path, commit string) ([]File, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}
	tree, err := treeAt(repo, path, commit)
	if err != nil {
		return nil, err
	}

	iter := tree.Files()
	defer iter.Close()

	var files []File
	err = iter.ForEach(func(f *object.File) error {
		files = append(files, File{Path: f.Name, Hash: f.Hash.String(), Size: f.Size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree of %s in %s: %w", commit, path, err)
	}
	return files, nil
}

// Changes lists the files that differ between commits from and to.
// Renames are reported as a deletion and an addition.
func Changes(path, from, to string) ([]Change, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}
	fromTree, err := treeAt(repo, path, from)
	if err != nil {
		return nil, err
	}
	toTree, err := treeAt(repo, path, to)
	if err != nil {
		return nil, err
	}

	diff, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s in %s: %w", from, to, path, err)
	}

	changes := make([]Change, 0, len(diff))
	for _, ch := range diff {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("classify change in %s: %w", path, err)
		}

		fromFile := ch.From.TreeEntry.Mode.IsFile()
		toFile := ch.To.TreeEntry.Mode.IsFile()
		switch {
		case action == merkletrie.Delete, action == merkletrie.Modify && fromFile && !toFile:
			if !fromFile {
				continue
			}
			changes = append(changes, Change{Kind: FileDeleted, File: File{
				Path: ch.From.Name,
				Hash: ch.From.TreeEntry.Hash.String(),
			}})
		case toFile:
			kind := FileModified
			if action == merkletrie.Insert || !fromFile {
				kind = FileAdded
			}
			blob, err := repo.BlobObject(ch.To.TreeEntry.Hash)
			if err != nil {
				return nil, fmt.Errorf("read blob %s in %s: %w", ch.To.Name, path, err)
			}
			changes = append(changes, Change{Kind: kind, File: File{
				Path: ch.To.Name,
				Hash: ch.To.TreeEntry.Hash.String(),
				Size: blob.Size,
			}})
		}
	}
	return changes, nil
}

func open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotRepository)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return repo, nil
}

func treeAt(repo *git.Repository, path, commit string) (*object.Tree, error) {
	c, err := repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s in %s: %w", commit, path, ErrUnknownCommit)
		}
		return nil, fmt.Errorf("read commit %s in %s: %w", commit, path, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s in %s: %w", commit, path, err)
	}
	return tree, nil
}
