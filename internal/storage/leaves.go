package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ReplaceLeaves records hash as the HEAD of the repository at path and
// makes leaves its complete file list. Both happen in one transaction.
func (s *SQLiteStore) ReplaceLeaves(ctx context.Context, path, hash string, leaves []Leaf) error {
	if path == "" {
		return ErrEmptyPath
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertRepo(ctx, tx, path, hash); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM leaves WHERE repo_path = ?`, path); err != nil {
			return fmt.Errorf("failed to clear files of %s: %w", path, err)
		}
		return insertLeaves(ctx, tx, path, leaves)
	})
}

// ApplyLeafChanges records hash as the HEAD of the repository at path and
// applies changes to its file list in one transaction. Deleting a path
// that is not tracked is not an error.
func (s *SQLiteStore) ApplyLeafChanges(ctx context.Context, path, hash string, changes LeafChanges) error {
	if path == "" {
		return ErrEmptyPath
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertRepo(ctx, tx, path, hash); err != nil {
			return err
		}
		if len(changes.Deletes) > 0 {
			stmt, err := tx.PrepareContext(ctx, `DELETE FROM leaves WHERE repo_path = ? AND leaf_path = ?`)
			if err != nil {
				return fmt.Errorf("failed to prepare file delete: %w", err)
			}
			defer stmt.Close()
			for _, leaf := range changes.Deletes {
				if _, err := stmt.ExecContext(ctx, path, leaf); err != nil {
					return fmt.Errorf("failed to delete %s from %s: %w", leaf, path, err)
				}
			}
		}
		return insertLeaves(ctx, tx, path, changes.Upserts)
	})
}

// ListLeaves returns the files tracked under path ordered by file path.
func (s *SQLiteStore) ListLeaves(ctx context.Context, path string) ([]Leaf, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT leaf_path, leaf_hash, leaf_size, filter FROM leaves
		WHERE repo_path = ?
		ORDER BY leaf_path ASC
	`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list files of %s: %w", path, err)
	}
	defer rows.Close()

	var leaves []Leaf
	for rows.Next() {
		var l Leaf
		if err := rows.Scan(&l.Path, &l.Hash, &l.Size, &l.Filter); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

func insertLeaves(ctx context.Context, tx *sql.Tx, path string, leaves []Leaf) error {
	if len(leaves) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO leaves (repo_path, leaf_path, leaf_hash, leaf_size, filter)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_path, leaf_path) DO UPDATE SET
		  leaf_hash = excluded.leaf_hash,
		  leaf_size = excluded.leaf_size,
		  filter = excluded.filter
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range leaves {
		if _, err := stmt.ExecContext(ctx, path, l.Path, l.Hash, l.Size, l.Filter); err != nil {
			return fmt.Errorf("failed to record %s in %s: %w", l.Path, path, err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
