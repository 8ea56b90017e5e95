package daemon

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runger/malachi/internal/filter"
	"github.com/runger/malachi/internal/gitrepo"
	"github.com/runger/malachi/internal/protocol"
	"github.com/runger/malachi/internal/status"
	"github.com/runger/malachi/internal/storage"
)

type fakeIndex struct {
	repos     map[string]string
	leaves    map[string]map[string]storage.Leaf
	upserts   int
	replaces  int
	applies   int
	lookupErr error
	upsertErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{repos: map[string]string{}, leaves: map[string]map[string]storage.Leaf{}}
}

func (f *fakeIndex) UpsertRepo(_ context.Context, path, hash string) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	f.repos[path] = hash
	return nil
}

func (f *fakeIndex) LookupRepo(_ context.Context, path string) storage.RepoLookup {
	if f.lookupErr != nil {
		return storage.RepoLookup{Status: storage.LookupDegraded, Err: f.lookupErr}
	}
	hash, ok := f.repos[path]
	if !ok {
		return storage.RepoLookup{Status: storage.LookupMissing}
	}
	return storage.RepoLookup{Status: storage.LookupFound, Hash: hash}
}

func (f *fakeIndex) ReplaceLeaves(_ context.Context, path, hash string, leaves []storage.Leaf) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.replaces++
	f.repos[path] = hash
	f.leaves[path] = map[string]storage.Leaf{}
	for _, l := range leaves {
		f.leaves[path][l.Path] = l
	}
	return nil
}

func (f *fakeIndex) ApplyLeafChanges(_ context.Context, path, hash string, changes storage.LeafChanges) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.applies++
	f.repos[path] = hash
	if f.leaves[path] == nil {
		f.leaves[path] = map[string]storage.Leaf{}
	}
	for _, p := range changes.Deletes {
		delete(f.leaves[path], p)
	}
	for _, l := range changes.Upserts {
		f.leaves[path][l.Path] = l
	}
	return nil
}

type fakeStatus struct {
	writes map[string]string
	count  int
	err    error
}

func (f *fakeStatus) Write(repoPath, hash string) error {
	if f.err != nil {
		return f.err
	}
	if f.writes == nil {
		f.writes = map[string]string{}
	}
	f.count++
	f.writes[repoPath] = hash
	return nil
}

type fakeHeads map[string]string

func (f fakeHeads) Head(repoPath string) (string, error) {
	if h, ok := f[repoPath]; ok {
		return h, nil
	}
	return "", errors.New("not a repository")
}

// fakeTrees serves commit file lists keyed by commit. Changes derives the
// diff from those lists.
type fakeTrees struct {
	commits  map[string][]gitrepo.File
	diffErr  error
	filesErr error
	diffs    int
}

func (f *fakeTrees) Files(_ string, commit string) ([]gitrepo.File, error) {
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	files, ok := f.commits[commit]
	if !ok {
		return nil, gitrepo.ErrUnknownCommit
	}
	return files, nil
}

func (f *fakeTrees) Changes(_ string, from, to string) ([]gitrepo.Change, error) {
	f.diffs++
	if f.diffErr != nil {
		return nil, f.diffErr
	}
	old, ok := f.commits[from]
	if !ok {
		return nil, gitrepo.ErrUnknownCommit
	}
	before := map[string]gitrepo.File{}
	for _, file := range old {
		before[file.Path] = file
	}
	var changes []gitrepo.Change
	for _, file := range f.commits[to] {
		prev, ok := before[file.Path]
		delete(before, file.Path)
		switch {
		case !ok:
			changes = append(changes, gitrepo.Change{Kind: gitrepo.FileAdded, File: file})
		case prev.Hash != file.Hash:
			changes = append(changes, gitrepo.Change{Kind: gitrepo.FileModified, File: file})
		}
	}
	for _, file := range before {
		changes = append(changes, gitrepo.Change{Kind: gitrepo.FileDeleted, File: file})
	}
	return changes, nil
}

type dispatchFixture struct {
	d       *Dispatcher
	index   *fakeIndex
	status  *fakeStatus
	trees   *fakeTrees
	metrics *Metrics
	logs    *bytes.Buffer
}

func newDispatchFixture(heads fakeHeads) *dispatchFixture {
	f := &dispatchFixture{
		index:   newFakeIndex(),
		status:  &fakeStatus{},
		trees:   &fakeTrees{commits: map[string][]gitrepo.File{}},
		metrics: NewMetrics(),
		logs:    &bytes.Buffer{},
	}
	f.d = NewDispatcher(DispatcherConfig{
		Index:   f.index,
		Status:  f.status,
		Heads:   heads,
		Trees:   f.trees,
		Filters: filter.Defaults(),
		Metrics: f.metrics,
		Logger:  slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	return f
}

func added(root, hash, leaf string) protocol.Added {
	return protocol.Added{FileEvent: protocol.FileEvent{Root: root, RootHash: hash, Leaf: leaf, LeafHash: "blob"}}
}

func TestDispatch_AddedRecordsFile(t *testing.T) {
	f := newDispatchFixture(nil)
	ctx := context.Background()

	assert.Equal(t, Continue, f.d.Dispatch(ctx, added("/src/r", "h1", "doc.pdf")))
	assert.Equal(t, "h1", f.index.repos["/src/r"])
	assert.Equal(t, "h1", f.status.writes["/src/r"])
	assert.Equal(t, storage.Leaf{Path: "doc.pdf", Hash: "blob", Filter: "pdf"}, f.index.leaves["/src/r"]["doc.pdf"])
	assert.Contains(t, f.logs.String(), "adding file")
	assert.Contains(t, f.logs.String(), "filter=pdf")

	// Same head, another file: both are tracked.
	f.d.Dispatch(ctx, added("/src/r", "h1", "other.txt"))
	assert.Len(t, f.index.leaves["/src/r"], 2)
	assert.Equal(t, "text", f.index.leaves["/src/r"]["other.txt"].Filter)

	// Changed moves the head and replaces the file's blob.
	f.d.Dispatch(ctx, protocol.Changed{FileEvent: protocol.FileEvent{Root: "/src/r", RootHash: "h2", Leaf: "doc.pdf", LeafHash: "blob2"}})
	assert.Equal(t, "h2", f.index.repos["/src/r"])
	assert.Equal(t, "blob2", f.index.leaves["/src/r"]["doc.pdf"].Hash)
	assert.Equal(t, "h2", f.status.writes["/src/r"])
	assert.Zero(t, f.index.upserts)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CommandsTotal.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommandsTotal.WithLabelValues("changed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.LeavesTotal.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LeavesTotal.WithLabelValues("modified")))
}

func TestDispatch_AddIndexesFiles(t *testing.T) {
	f := newDispatchFixture(fakeHeads{"/src/r": "c1"})
	f.trees.commits["c1"] = []gitrepo.File{
		{Path: "README.md", Hash: "b1", Size: 6},
		{Path: "paper.pdf", Hash: "b2", Size: 100},
		{Path: "main.go", Hash: "b3", Size: 20},
	}
	ctx := context.Background()

	f.d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	assert.Equal(t, "c1", f.index.repos["/src/r"])
	assert.Equal(t, "c1", f.status.writes["/src/r"])
	assert.Equal(t, 1, f.index.replaces)
	assert.Equal(t, map[string]storage.Leaf{
		"README.md": {Path: "README.md", Hash: "b1", Size: 6, Filter: "text"},
		"paper.pdf": {Path: "paper.pdf", Hash: "b2", Size: 100, Filter: "pdf"},
		"main.go":   {Path: "main.go", Hash: "b3", Size: 20},
	}, f.index.leaves["/src/r"])
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.LeavesTotal.WithLabelValues("added")))
	assert.Contains(t, f.logs.String(), "indexed repository")

	// Unchanged head: nothing is re-read.
	f.d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	assert.Equal(t, 1, f.index.replaces)
	assert.Zero(t, f.index.applies)
	assert.Zero(t, f.trees.diffs)

	// Unresolvable heads are dropped and counted.
	f.d.Dispatch(ctx, protocol.Add{Path: "/nowhere"})
	assert.NotContains(t, f.index.repos, "/nowhere")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexErrorsTotal.WithLabelValues("head")))
}

func TestDispatch_AddAppliesChanges(t *testing.T) {
	heads := fakeHeads{"/src/r": "c1"}
	f := newDispatchFixture(heads)
	f.trees.commits["c1"] = []gitrepo.File{
		{Path: "a.txt", Hash: "1"},
		{Path: "b.txt", Hash: "2"},
	}
	f.trees.commits["c2"] = []gitrepo.File{
		{Path: "a.txt", Hash: "1b", Size: 3},
		{Path: "c.pdf", Hash: "3", Size: 9},
	}
	ctx := context.Background()

	f.d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	heads["/src/r"] = "c2"
	f.d.Dispatch(ctx, protocol.Add{Path: "/src/r"})

	assert.Equal(t, 1, f.index.replaces, "a moved head is applied incrementally")
	assert.Equal(t, 1, f.index.applies)
	assert.Equal(t, "c2", f.index.repos["/src/r"])
	assert.Equal(t, "c2", f.status.writes["/src/r"])
	assert.Equal(t, map[string]storage.Leaf{
		"a.txt": {Path: "a.txt", Hash: "1b", Size: 3, Filter: "text"},
		"c.pdf": {Path: "c.pdf", Hash: "3", Size: 9, Filter: "pdf"},
	}, f.index.leaves["/src/r"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LeavesTotal.WithLabelValues("modified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LeavesTotal.WithLabelValues("deleted")))
}

func TestDispatch_AddReindexesWhenDiffFails(t *testing.T) {
	heads := fakeHeads{"/src/r": "c2"}
	f := newDispatchFixture(heads)
	f.trees.commits["c2"] = []gitrepo.File{{Path: "a.txt", Hash: "1"}}
	// The cached head was collected away.
	f.index.repos["/src/r"] = "gone"
	f.index.leaves["/src/r"] = map[string]storage.Leaf{"stale.txt": {Path: "stale.txt"}}

	f.d.Dispatch(context.Background(), protocol.Add{Path: "/src/r"})
	assert.Equal(t, 1, f.index.replaces)
	assert.Equal(t, map[string]storage.Leaf{
		"a.txt": {Path: "a.txt", Hash: "1", Filter: "text"},
	}, f.index.leaves["/src/r"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexErrorsTotal.WithLabelValues("diff")))
	assert.Equal(t, "c2", f.status.writes["/src/r"])
}

func TestDispatch_AddTreeFailureSkipsStatus(t *testing.T) {
	f := newDispatchFixture(fakeHeads{"/src/r": "c1"})
	f.trees.filesErr = errors.New("object store unreadable")

	assert.Equal(t, Continue, f.d.Dispatch(context.Background(), protocol.Add{Path: "/src/r"}))
	assert.NotContains(t, f.index.repos, "/src/r")
	assert.Empty(t, f.status.writes)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexErrorsTotal.WithLabelValues("tree")))
}

func TestDispatch_AddWithoutTreesRecordsHead(t *testing.T) {
	index := newFakeIndex()
	st := &fakeStatus{}
	d := NewDispatcher(DispatcherConfig{
		Index:  index,
		Status: st,
		Heads:  fakeHeads{"/src/r": "c0ffee"},
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	ctx := context.Background()

	d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	assert.Equal(t, 1, index.upserts, "unchanged head must not be rewritten")
	assert.Equal(t, "c0ffee", st.writes["/src/r"])
	assert.Empty(t, index.leaves)
}

func TestDispatch_UnchangedHeadRewritesStatus(t *testing.T) {
	f := newDispatchFixture(fakeHeads{"/src/r": "c1"})
	f.trees.commits["c1"] = []gitrepo.File{{Path: "a.txt", Hash: "1"}}
	ctx := context.Background()

	f.d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	f.d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	assert.Equal(t, 1, f.index.replaces)
	assert.Equal(t, 2, f.status.count)
}

func TestDispatch_StatusRestoredAfterRuntimeDirLoss(t *testing.T) {
	runDir := t.TempDir()
	mirror := status.NewMirror(filepath.Join(runDir, "repos"))
	index := newFakeIndex()
	d := NewDispatcher(DispatcherConfig{
		Index:  index,
		Status: mirror,
		Heads:  fakeHeads{"/src/r": "c1"},
		Trees:  &fakeTrees{commits: map[string][]gitrepo.File{"c1": {{Path: "a.txt", Hash: "1"}}}},
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	ctx := context.Background()

	d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	got, err := mirror.Read("/src/r")
	require.NoError(t, err)
	require.Equal(t, "c1", got)

	// A reboot empties the runtime directory; the index survives.
	require.NoError(t, os.RemoveAll(runDir))

	d.Dispatch(ctx, protocol.Add{Path: "/src/r"})
	got, err = mirror.Read("/src/r")
	require.NoError(t, err)
	assert.Equal(t, "c1", got)

	require.NoError(t, os.RemoveAll(runDir))
	d.Dispatch(ctx, added("/src/r", "c1", "a.txt"))
	got, err = mirror.Read("/src/r")
	require.NoError(t, err)
	assert.Equal(t, "c1", got)
}

func TestDispatch_DegradedLookupStillIndexes(t *testing.T) {
	f := newDispatchFixture(fakeHeads{"/src/r": "c1"})
	f.trees.commits["c1"] = []gitrepo.File{{Path: "a.txt", Hash: "1"}}
	f.index.lookupErr = errors.New("database is locked")

	f.d.Dispatch(context.Background(), protocol.Add{Path: "/src/r"})
	assert.Equal(t, "c1", f.index.repos["/src/r"])
	assert.Equal(t, 1, f.index.replaces, "an unreadable cache gets a full pass")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexErrorsTotal.WithLabelValues("lookup")))
}

func TestDispatch_FailuresDoNotStop(t *testing.T) {
	f := newDispatchFixture(nil)
	f.index.upsertErr = errors.New("disk full")

	assert.Equal(t, Continue, f.d.Dispatch(context.Background(), added("/src/r", "h1", "x")))
	assert.Empty(t, f.status.writes, "status must not be written when the upsert failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexErrorsTotal.WithLabelValues("upsert")))

	f.index.upsertErr = nil
	f.status.err = errors.New("read-only")
	assert.Equal(t, Continue, f.d.Dispatch(context.Background(), added("/src/r", "h1", "x")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexErrorsTotal.WithLabelValues("status")))
}

func TestDispatch_LogOnlyOperations(t *testing.T) {
	f := newDispatchFixture(fakeHeads{})
	ctx := context.Background()

	for _, cmd := range []protocol.Command{
		protocol.Removed{FileEvent: protocol.FileEvent{Root: "/src/r", RootHash: "h", Leaf: "gone.txt"}},
		protocol.Remove{Path: "/src/r"},
		protocol.Query{QueryID: "q1", Terms: "needle"},
	} {
		assert.Equal(t, Continue, f.d.Dispatch(ctx, cmd))
	}
	assert.Zero(t, f.index.upserts)
	assert.Zero(t, f.index.applies)
	assert.Contains(t, f.logs.String(), "removing file")
	assert.Contains(t, f.logs.String(), "removing repository")
	assert.Contains(t, f.logs.String(), "terms=needle")
}

func TestDispatch_Shutdown(t *testing.T) {
	f := newDispatchFixture(nil)
	assert.Equal(t, Stop, f.d.Dispatch(context.Background(), protocol.Shutdown{}))
	assert.Contains(t, f.logs.String(), "shutdown requested")
}

func TestDispatch_IndexDisabled(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		Heads:  fakeHeads{"/src/r": "h"},
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	ctx := context.Background()
	assert.Equal(t, Continue, d.Dispatch(ctx, added("/src/r", "h", "x")))
	assert.Equal(t, Continue, d.Dispatch(ctx, protocol.Add{Path: "/src/r"}))
}

func TestDispatch_MatchFilter(t *testing.T) {
	f := newDispatchFixture(nil)
	assert.Equal(t, "pdf", f.d.matchFilter("paper.PDF"))
	assert.Equal(t, "text", f.d.matchFilter("notes.md"))
	assert.Equal(t, "", f.d.matchFilter("Makefile"))
	assert.Equal(t, "", f.d.matchFilter("main.go"))
}
