package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimestamp is the layout of CURRENT_TIMESTAMP.
const sqliteTimestamp = "2006-01-02 15:04:05"

// ErrEmptyPath is returned when a repository path is empty.
var ErrEmptyPath = errors.New("repository path is empty")

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once // ensures Close() is idempotent
	closeErr  error     // stores the error from Close()
	recovered *Recovery
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the index at dbPath and brings
// its schema up to date. A corrupt database is renamed aside and replaced
// with an empty one; Recovered reports when that happened.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path is empty")
	}
	store, err := openStore(dbPath)
	if err != nil && isCorruptionError(err) && !isEnvironmentError(err) {
		return recoverStore(dbPath, err)
	}
	return store, err
}

// OpenSQLiteStore opens the index without corruption recovery. Clients use
// it so a reader never rotates files out from under the daemon.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path is empty")
	}
	return openStore(dbPath)
}

func openStore(dbPath string) (*SQLiteStore, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// modernc.org/sqlite uses _pragma=name(value) syntax
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection, used synchronously from the run loop.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Ping to establish connection and ensure pragmas are applied
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
// It is safe to call Close multiple times.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		// Merge the WAL back into the main file before closing
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Recovered returns the rotation performed while opening, or nil.
func (s *SQLiteStore) Recovered() *Recovery {
	return s.recovered
}

// DB returns the underlying database connection for advanced use cases.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// UpsertRepo records hash as the HEAD of the repository at path and
// refreshes its timestamp.
func (s *SQLiteStore) UpsertRepo(ctx context.Context, path, hash string) error {
	if path == "" {
		return ErrEmptyPath
	}
	return upsertRepo(ctx, s.db, path, hash)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRepo(ctx context.Context, db execer, path, hash string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO repositories (path, head_sha, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
		  head_sha = excluded.head_sha,
		  updated_at = excluded.updated_at
	`, path, hash)
	if err != nil {
		return fmt.Errorf("failed to upsert repository %s: %w", path, err)
	}
	return nil
}

// LookupRepo returns the cached HEAD for path.
func (s *SQLiteStore) LookupRepo(ctx context.Context, path string) RepoLookup {
	if path == "" {
		return RepoLookup{Status: LookupDegraded, Err: ErrEmptyPath}
	}

	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT head_sha FROM repositories WHERE path = ?`, path).Scan(&hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RepoLookup{Status: LookupMissing}
	case err != nil:
		return RepoLookup{Status: LookupDegraded, Err: fmt.Errorf("failed to query repository %s: %w", path, err)}
	default:
		return RepoLookup{Status: LookupFound, Hash: hash}
	}
}

// ListRepos returns every indexed repository with its tracked file count,
// most recently updated first.
func (s *SQLiteStore) ListRepos(ctx context.Context) ([]Repo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.path, r.head_sha, r.updated_at,
		  (SELECT COUNT(*) FROM leaves l WHERE l.repo_path = r.path)
		FROM repositories r
		ORDER BY r.updated_at DESC, r.path ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repo
	for rows.Next() {
		var r Repo
		var updated string
		if err := rows.Scan(&r.Path, &r.HeadSHA, &updated, &r.Leaves); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		r.UpdatedAt = parseTimestamp(updated)
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// parseTimestamp accepts CURRENT_TIMESTAMP text and the RFC 3339 form the
// driver may hand back. Unparseable values yield the zero time.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{sqliteTimestamp, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// migrate runs database migrations to ensure the schema is up to date.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	// Check current schema version
	currentVersion := 0
	row := s.db.QueryRowContext(ctx, `
		SELECT version FROM schema_meta ORDER BY version DESC LIMIT 1
	`)
	if err := row.Scan(&currentVersion); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows), isTableNotFoundError(err):
			currentVersion = 0
		default:
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{version: 1, sql: migrationV1},
		{version: 2, sql: migrationV2},
		{version: 3, sql: migrationV3},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration v%d failed: %w", m.version, err)
		}

		// Record migration
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_meta (version, applied_at_unix_ms)
			VALUES (?, ?)
		`, m.version, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_meta`).Scan(&v)
	return v, err
}

// isTableNotFoundError checks if the error indicates a missing table.
func isTableNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}

// migrationV1 creates the initial schema.
const migrationV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_meta (
  version INTEGER PRIMARY KEY,
  applied_at_unix_ms INTEGER NOT NULL
);

-- Repository index
CREATE TABLE IF NOT EXISTS repositories (
  path TEXT PRIMARY KEY,
  head_sha TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// migrationV2 indexes repositories by recency for status listings.
const migrationV2 = `
CREATE INDEX IF NOT EXISTS idx_repositories_updated ON repositories(updated_at DESC);
`

// migrationV3 adds the per-file index. filter names the content filter
// that claims the file, or is empty.
const migrationV3 = `
CREATE TABLE IF NOT EXISTS leaves (
  repo_path TEXT NOT NULL,
  leaf_path TEXT NOT NULL,
  leaf_hash TEXT NOT NULL,
  leaf_size INTEGER NOT NULL DEFAULT 0,
  filter TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (repo_path, leaf_path)
);

CREATE INDEX IF NOT EXISTS idx_leaves_filter ON leaves(filter) WHERE filter != '';
`
