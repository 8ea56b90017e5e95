package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// RecoveryHistoryFile sits next to the database and lists every rotation.
const RecoveryHistoryFile = "recovery_history.json"

// Recovery records one corrupt database that was set aside and replaced
// with an empty index.
type Recovery struct {
	Timestamp         time.Time `json:"timestamp"`
	OriginalPath      string    `json:"original_path"`
	Backup            string    `json:"backup"`
	Reason            string    `json:"reason"`
	OriginalSizeBytes int64     `json:"original_size_bytes"`
}

// RecoveryHistory is the on-disk list of recoveries.
type RecoveryHistory struct {
	Events []Recovery `json:"events"`
}

// isCorruptionError reports whether err looks like SQLITE_CORRUPT or
// SQLITE_NOTADB. modernc.org/sqlite only exposes these through the message.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"database disk image is malformed",
		"file is not a database",
		"file is encrypted or is not a database",
		"sqlite_corrupt",
		"sqlite_notadb",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isEnvironmentError reports failures that rotating the files would not
// fix: permissions and a full disk.
func isEnvironmentError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOSPC) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "no space left on device")
}

// rotateCorruptDB renames the database and its WAL and SHM files with a
// .corrupt.<unix> suffix and returns the new name of the main file.
func rotateCorruptDB(dbPath string, now time.Time) (string, error) {
	suffix := fmt.Sprintf(".corrupt.%d", now.Unix())

	var backup string
	for _, f := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(f, f+suffix); err != nil {
			return "", fmt.Errorf("failed to rotate %s: %w", f, err)
		}
		if f == dbPath {
			backup = f + suffix
		}
	}
	return backup, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns an error listing
// the problems unless the database reports "ok".
func (s *SQLiteStore) IntegrityCheck(ctx context.Context) error {
	return integrityCheck(ctx, s.db)
}

func integrityCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan integrity check result: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("integrity check rows error: %w", err)
	}

	if len(results) == 1 && results[0] == "ok" {
		return nil
	}
	return fmt.Errorf("integrity check failed: %s", strings.Join(results, "; "))
}

// recoverStore sets the corrupt files aside, opens a fresh index and appends
// the event to the history file. A history write failure is not fatal.
func recoverStore(dbPath string, cause error) (*SQLiteStore, error) {
	now := time.Now()
	var size int64
	if info, err := os.Stat(dbPath); err == nil {
		size = info.Size()
	}

	backup, err := rotateCorruptDB(dbPath, now)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate corrupt database: %w", err)
	}

	store, err := openStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open fresh database after recovery: %w", err)
	}

	store.recovered = &Recovery{
		Timestamp:         now.UTC(),
		OriginalPath:      dbPath,
		Backup:            backup,
		Reason:            cause.Error(),
		OriginalSizeBytes: size,
	}
	_ = appendRecovery(filepath.Join(filepath.Dir(dbPath), RecoveryHistoryFile), *store.recovered)
	return store, nil
}

func appendRecovery(historyPath string, event Recovery) error {
	history, err := LoadRecoveryHistory(historyPath)
	if err != nil {
		history = &RecoveryHistory{}
	}
	history.Events = append(history.Events, event)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal recovery history: %w", err)
	}
	if err := os.WriteFile(historyPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write recovery history: %w", err)
	}
	return nil
}

// LoadRecoveryHistory reads the history file. A missing file is an empty
// history.
func LoadRecoveryHistory(path string) (*RecoveryHistory, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is derived from the data directory
	if err != nil {
		if os.IsNotExist(err) {
			return &RecoveryHistory{}, nil
		}
		return nil, fmt.Errorf("failed to read recovery history: %w", err)
	}

	var history RecoveryHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to parse recovery history: %w", err)
	}
	return &history, nil
}
