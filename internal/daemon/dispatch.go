package daemon

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/runger/malachi/internal/filter"
	"github.com/runger/malachi/internal/gitrepo"
	"github.com/runger/malachi/internal/protocol"
	"github.com/runger/malachi/internal/storage"
)

// Result tells the run loop what to do after a command.
type Result int

const (
	Continue Result = iota
	Stop
)

// RepoIndex persists repository heads and the files under them.
type RepoIndex interface {
	UpsertRepo(ctx context.Context, path, hash string) error
	LookupRepo(ctx context.Context, path string) storage.RepoLookup
	ReplaceLeaves(ctx context.Context, path, hash string, leaves []storage.Leaf) error
	ApplyLeafChanges(ctx context.Context, path, hash string, changes storage.LeafChanges) error
}

// StatusWriter mirrors a repository's head into the filesystem.
type StatusWriter interface {
	Write(repoPath, hash string) error
}

// HeadResolver returns the commit a repository's HEAD points to.
type HeadResolver interface {
	Head(repoPath string) (string, error)
}

// TreeReader lists the files of a commit and the files that differ
// between two commits.
type TreeReader interface {
	Files(repoPath, commit string) ([]gitrepo.File, error)
	Changes(repoPath, from, to string) ([]gitrepo.Change, error)
}

// DispatcherConfig wires a Dispatcher. A nil Index disables indexing and
// the status mirror. A nil Trees records heads without their files.
type DispatcherConfig struct {
	Index   RepoIndex
	Status  StatusWriter
	Heads   HeadResolver
	Trees   TreeReader
	Filters *filter.Registry
	Metrics *Metrics
	Logger  *slog.Logger
}

// Dispatcher maps decoded commands onto index side effects.
type Dispatcher struct {
	index   RepoIndex
	status  StatusWriter
	heads   HeadResolver
	trees   TreeReader
	filters *filter.Registry
	metrics *Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Filters == nil {
		cfg.Filters = filter.NewRegistry()
	}
	return &Dispatcher{
		index:   cfg.Index,
		status:  cfg.Status,
		heads:   cfg.Heads,
		trees:   cfg.Trees,
		filters: cfg.Filters,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Dispatch handles one command. Failures are logged and counted; only
// Shutdown stops the loop.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command) Result {
	d.metrics.CommandsTotal.WithLabelValues(cmd.Op().String()).Inc()

	switch c := cmd.(type) {
	case protocol.Added:
		d.logger.Info("adding file", "file", c.Leaf, "repo", c.Root, "hash", c.RootHash)
		d.recordFile(ctx, c.FileEvent, gitrepo.FileAdded)
	case protocol.Changed:
		d.logger.Info("updating file", "file", c.Leaf, "repo", c.Root, "hash", c.RootHash)
		d.recordFile(ctx, c.FileEvent, gitrepo.FileModified)
	case protocol.Removed:
		d.logger.Info("removing file", "file", c.Leaf, "repo", c.Root, "hash", c.RootHash)
	case protocol.Add:
		d.add(ctx, c.Path)
	case protocol.Remove:
		d.logger.Info("removing repository", "repo", c.Path)
	case protocol.Query:
		d.logger.Info("query", "id", c.QueryID, "terms", c.Terms, "repo_filter", c.RepoFilter)
	case protocol.Shutdown:
		d.logger.Info("shutdown requested")
		return Stop
	default:
		d.logger.Error("unknown operation", "op", cmd.Op())
	}
	return Continue
}

// matchFilter reports which content filter, if any, claims the file. It
// returns the filter name or "".
func (d *Dispatcher) matchFilter(leaf string) string {
	ext := filepath.Ext(leaf)
	if ext == "" {
		return ""
	}
	f, ok := d.filters.Lookup(ext)
	if !ok {
		return ""
	}
	d.logger.Debug("content filter matched", "file", leaf, "filter", f.Name(), "version", f.Version())
	return f.Name()
}

func (d *Dispatcher) add(ctx context.Context, repoPath string) {
	d.logger.Info("adding repository", "repo", repoPath)
	if d.index == nil {
		return
	}
	if d.heads == nil {
		d.logger.Warn("no head resolver, dropping add", "repo", repoPath)
		return
	}

	hash, err := d.heads.Head(repoPath)
	if err != nil {
		d.metrics.IndexErrorsTotal.WithLabelValues("head").Inc()
		d.logger.Warn("failed to resolve repository head", "repo", repoPath, "error", err)
		return
	}

	lookup := d.index.LookupRepo(ctx, repoPath)
	switch {
	case lookup.Matches(hash):
		d.logger.Debug("repository up to date", "repo", repoPath, "hash", hash)
	case d.trees == nil:
		d.checkLookup(repoPath, lookup)
		if err = d.index.UpsertRepo(ctx, repoPath, hash); err != nil {
			d.metrics.IndexErrorsTotal.WithLabelValues("upsert").Inc()
			d.logger.Error("failed to update repository index", "repo", repoPath, "error", err)
		}
	case lookup.Status == storage.LookupFound:
		err = d.indexChanges(ctx, repoPath, lookup.Hash, hash)
	default:
		d.checkLookup(repoPath, lookup)
		err = d.indexFiles(ctx, repoPath, hash)
	}
	if err != nil {
		return
	}
	d.writeStatus(repoPath, hash)
}

// indexFiles records every file of commit hash, replacing whatever the
// index held for the repository.
func (d *Dispatcher) indexFiles(ctx context.Context, repoPath, hash string) error {
	files, err := d.trees.Files(repoPath, hash)
	if err != nil {
		d.metrics.IndexErrorsTotal.WithLabelValues("tree").Inc()
		d.logger.Warn("failed to list repository files", "repo", repoPath, "hash", hash, "error", err)
		return err
	}

	leaves := make([]storage.Leaf, 0, len(files))
	for _, f := range files {
		leaves = append(leaves, d.leaf(f))
	}
	if err := d.index.ReplaceLeaves(ctx, repoPath, hash, leaves); err != nil {
		d.metrics.IndexErrorsTotal.WithLabelValues("upsert").Inc()
		d.logger.Error("failed to update repository index", "repo", repoPath, "error", err)
		return err
	}
	d.metrics.LeavesTotal.WithLabelValues(gitrepo.FileAdded.String()).Add(float64(len(leaves)))
	d.logger.Info("indexed repository", "repo", repoPath, "hash", hash, "files", len(leaves))
	return nil
}

// indexChanges applies the file changes between the cached head and hash.
// When the cached commit is gone it falls back to a full pass.
func (d *Dispatcher) indexChanges(ctx context.Context, repoPath, from, hash string) error {
	diff, err := d.trees.Changes(repoPath, from, hash)
	if err != nil {
		d.metrics.IndexErrorsTotal.WithLabelValues("diff").Inc()
		d.logger.Warn("incremental update failed, reindexing", "repo", repoPath, "from", from, "to", hash, "error", err)
		return d.indexFiles(ctx, repoPath, hash)
	}

	var changes storage.LeafChanges
	for _, c := range diff {
		if c.Kind == gitrepo.FileDeleted {
			changes.Deletes = append(changes.Deletes, c.File.Path)
		} else {
			changes.Upserts = append(changes.Upserts, d.leaf(c.File))
		}
		d.metrics.LeavesTotal.WithLabelValues(c.Kind.String()).Inc()
	}
	if err := d.index.ApplyLeafChanges(ctx, repoPath, hash, changes); err != nil {
		d.metrics.IndexErrorsTotal.WithLabelValues("upsert").Inc()
		d.logger.Error("failed to update repository index", "repo", repoPath, "error", err)
		return err
	}
	d.logger.Info("updated repository", "repo", repoPath, "from", from, "to", hash,
		"upserted", len(changes.Upserts), "deleted", len(changes.Deletes))
	return nil
}

// recordFile stores a single file reported by a legacy event together
// with the head it was seen at.
func (d *Dispatcher) recordFile(ctx context.Context, ev protocol.FileEvent, kind gitrepo.ChangeKind) {
	leaf := d.leaf(gitrepo.File{Path: ev.Leaf, Hash: ev.LeafHash})
	if d.index == nil || ev.Root == "" {
		return
	}

	changes := storage.LeafChanges{Upserts: []storage.Leaf{leaf}}
	if err := d.index.ApplyLeafChanges(ctx, ev.Root, ev.RootHash, changes); err != nil {
		d.metrics.IndexErrorsTotal.WithLabelValues("upsert").Inc()
		d.logger.Error("failed to update repository index", "repo", ev.Root, "error", err)
		return
	}
	d.metrics.LeavesTotal.WithLabelValues(kind.String()).Inc()
	d.writeStatus(ev.Root, ev.RootHash)
}

// leaf converts f and tags it with the content filter that claims it.
func (d *Dispatcher) leaf(f gitrepo.File) storage.Leaf {
	return storage.Leaf{Path: f.Path, Hash: f.Hash, Size: f.Size, Filter: d.matchFilter(f.Path)}
}

func (d *Dispatcher) checkLookup(repoPath string, lookup storage.RepoLookup) {
	if lookup.Status == storage.LookupDegraded {
		d.metrics.IndexErrorsTotal.WithLabelValues("lookup").Inc()
		d.logger.Warn("repository lookup failed", "repo", repoPath, "error", lookup.Err)
	}
}

// writeStatus rewrites the mirror even when the index already held hash:
// the runtime directory does not survive a reboot.
func (d *Dispatcher) writeStatus(repoPath, hash string) {
	if d.status == nil {
		return
	}
	if err := d.status.Write(repoPath, hash); err != nil {
		d.metrics.IndexErrorsTotal.WithLabelValues("status").Inc()
		d.logger.Error("failed to write repository status", "repo", repoPath, "error", err)
	}
}
