// Package locker provides the mutual-exclusion lock that prevents
// overlapping runs for the same (source, mode) key. Locks are held in the
// ledger database so multiple worker processes on one host stay correct,
// and carry a TTL so a crashed worker cannot wedge a key forever.
package locker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store is the lock abstraction the orchestrator uses: atomic
// acquire-if-absent with TTL, holder-checked release.
type Store interface {
	// Acquire attempts to take the lock for key. Returns false when the
	// key is already held by a live (non-expired) holder.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release frees the lock if holder still owns it. Releasing a lock
	// that expired and was re-acquired by someone else is a no-op.
	Release(ctx context.Context, key, holder string) error
}

// Key builds the canonical lock key for a source and mode.
func Key(source, mode string) string {
	return source + ":" + mode
}

// SQLStore implements Store on the ledger's SQLite handle.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the locks table if needed and returns the store.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_locks (
			key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			locked_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating run_locks table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Acquire purges an expired row for the key, then inserts. The primary-key
// constraint makes "set if absent" atomic: both statements run in one
// transaction, and a constraint violation means another holder is live.
func (s *SQLStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning lock transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM run_locks WHERE key = ? AND expires_at <= ?
	`, key, now.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("purging expired lock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_locks (key, holder, locked_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, key, holder, now.Format(time.RFC3339Nano), now.Add(ttl).Format(time.RFC3339Nano))
	if err != nil {
		if isConstraintViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing lock acquisition: %w", err)
	}
	return true, nil
}

// Release deletes the lock only if holder still owns it.
func (s *SQLStore) Release(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM run_locks WHERE key = ? AND holder = ?
	`, key, holder)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return nil
}

// isConstraintViolation detects a primary-key conflict from the sqlite
// driver without depending on its internal error types.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
