// Package storage provides the SQLite repository index for malachi.
// It maps each known repository root to the HEAD commit last indexed and
// tracks the files that commit contains.
package storage

import (
	"context"
	"time"
)

// Store defines the repository index operations.
// The daemon is the single writer; clients read through `malachi status`.
type Store interface {
	UpsertRepo(ctx context.Context, path, hash string) error
	LookupRepo(ctx context.Context, path string) RepoLookup
	ListRepos(ctx context.Context) ([]Repo, error)

	// Files
	ReplaceLeaves(ctx context.Context, path, hash string, leaves []Leaf) error
	ApplyLeafChanges(ctx context.Context, path, hash string, changes LeafChanges) error
	ListLeaves(ctx context.Context, path string) ([]Leaf, error)

	// Lifecycle
	Close() error
}

// Repo is one row of the index.
type Repo struct {
	Path      string
	HeadSHA   string
	UpdatedAt time.Time
	Leaves    int
}

// Leaf is one file tracked under a repository.
type Leaf struct {
	Path   string
	Hash   string
	Size   int64
	Filter string
}

// LeafChanges moves a repository's files from one commit to the next.
type LeafChanges struct {
	Upserts []Leaf
	Deletes []string
}

// Empty reports whether the changes touch no file.
func (c LeafChanges) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}

// LookupStatus classifies a RepoLookup.
type LookupStatus int

const (
	// LookupMissing means the repository is not indexed.
	LookupMissing LookupStatus = iota
	// LookupFound means Hash holds the cached HEAD commit.
	LookupFound
	// LookupDegraded means the query failed; Err holds the cause.
	LookupDegraded
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupDegraded:
		return "degraded"
	default:
		return "missing"
	}
}

// RepoLookup is the result of LookupRepo. A failed query is reported as
// LookupDegraded rather than being indistinguishable from a miss.
type RepoLookup struct {
	Status LookupStatus
	Hash   string
	Err    error
}

// Matches reports whether the lookup hit and the cached hash equals hash.
func (l RepoLookup) Matches(hash string) bool {
	return l.Status == LookupFound && l.Hash == hash
}
