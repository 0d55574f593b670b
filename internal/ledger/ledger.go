// Package ledger persists the append-only run history and the schedule
// definitions in SQLite. The ledger is the source of truth for incremental
// watermarks: the watermark of a (source, entity) pair is the end time of
// its most recent successful run.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status enumerates the lifecycle states of a run.
type Status string

const (
	StatusRunning        Status = "running"
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusSkippedOverlap Status = "skipped_overlap"
)

// ErrAlreadyFinalized is returned when FinalizeRun targets a run that is
// no longer in the running state. Finalization happens exactly once.
var ErrAlreadyFinalized = errors.New("run already finalized")

// MaxDiagnostics caps how many per-record errors a run retains.
const MaxDiagnostics = 20

// RecordError is one per-record failure with enough context to locate the
// offending record at the source.
type RecordError struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Counts aggregates the record-level outcome of a run.
type Counts struct {
	Fetched int64 `json:"fetched"`
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
	Failed  int64 `json:"failed"`
}

// RunRecord is one row of the run history.
type RunRecord struct {
	ID          string
	Source      string
	Entity      string
	Mode        string // "full" or "delta"
	Status      Status
	StartedAt   time.Time
	FinishedAt  *time.Time
	Counts      Counts
	Error       string
	Diagnostics []RecordError
}

// Store manages the ledger database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "inlet.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating ledger schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		entity TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TEXT NOT NULL,
		finished_at TEXT,
		fetched INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		diagnostics TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_runs_source_entity ON runs(source, entity, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		source TEXT NOT NULL,
		entity TEXT NOT NULL,
		mode TEXT NOT NULL,
		recurrence TEXT NOT NULL,
		valid_from TEXT,
		valid_until TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		options TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling stores (the run lock) can
// share one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(r *RunRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	r.Status = StatusRunning
	_, err := s.db.Exec(`
		INSERT INTO runs (id, source, entity, mode, status, started_at)
		VALUES (?, ?, ?, ?, 'running', ?)
	`, r.ID, r.Source, r.Entity, r.Mode, r.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("creating run %s: %w", r.ID, err)
	}
	return nil
}

// FinalizeRun transitions a running run to its terminal state. Returns
// ErrAlreadyFinalized if the run is not in the running state, so double
// finalization is detectable rather than silent.
func (s *Store) FinalizeRun(id string, status Status, counts Counts, errMsg string, diags []RecordError) error {
	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	if len(diags) > MaxDiagnostics {
		diags = diags[:MaxDiagnostics]
	}
	diagJSON, err := json.Marshal(diags)
	if err != nil {
		return fmt.Errorf("encoding diagnostics: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, finished_at = ?, fetched = ?, created = ?, updated = ?, failed = ?,
		    error_message = ?, diagnostics = ?
		WHERE id = ? AND status = 'running'
	`, string(status), time.Now().UTC().Format(time.RFC3339Nano),
		counts.Fetched, counts.Created, counts.Updated, counts.Failed,
		errMsg, string(diagJSON), id)
	if err != nil {
		return fmt.Errorf("finalizing run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// RecordSkipped writes a run that was skipped because the (source, mode)
// lock was held. Skips are terminal on creation.
func (s *Store) RecordSkipped(id, source, entity, mode string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO runs (id, source, entity, mode, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, 'skipped_overlap', ?, ?)
	`, id, source, entity, mode, now, now)
	if err != nil {
		return fmt.Errorf("recording skipped run: %w", err)
	}
	return nil
}

// LastSuccess returns the end time of the most recent successful run for
// (source, entity), or nil when no successful run exists. This derived
// value is the incremental watermark.
func (s *Store) LastSuccess(source, entity string) (*time.Time, error) {
	var finished string
	err := s.db.QueryRow(`
		SELECT finished_at FROM runs
		WHERE source = ? AND entity = ? AND status = 'success'
		ORDER BY started_at DESC LIMIT 1
	`, source, entity).Scan(&finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, finished)
	if err != nil {
		return nil, fmt.Errorf("parsing watermark timestamp: %w", err)
	}
	return &ts, nil
}

// RunQuery filters the run history. Zero values mean "no filter".
type RunQuery struct {
	Source string
	Entity string
	Status Status
	Limit  int
}

// Runs returns run records most-recent-first, filtered by the query.
func (s *Store) Runs(q RunQuery) ([]RunRecord, error) {
	sqlStr := `
		SELECT id, source, entity, mode, status, started_at, finished_at,
		       fetched, created, updated, failed, error_message, diagnostics
		FROM runs WHERE 1=1`
	var args []any
	if q.Source != "" {
		sqlStr += " AND source = ?"
		args = append(args, q.Source)
	}
	if q.Entity != "" {
		sqlStr += " AND entity = ?"
		args = append(args, q.Entity)
	}
	if q.Status != "" {
		sqlStr += " AND status = ?"
		args = append(args, string(q.Status))
	}
	sqlStr += " ORDER BY started_at DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	sqlStr += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run by id, or nil if it does not exist.
func (s *Store) GetRun(id string) (*RunRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, source, entity, mode, status, started_at, finished_at,
		       fetched, created, updated, failed, error_message, diagnostics
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var startedStr string
	var finishedStr sql.NullString
	var status, diagJSON string
	err := row.Scan(&r.ID, &r.Source, &r.Entity, &r.Mode, &status, &startedStr, &finishedStr,
		&r.Counts.Fetched, &r.Counts.Created, &r.Counts.Updated, &r.Counts.Failed,
		&r.Error, &diagJSON)
	if err != nil {
		return r, err
	}
	r.Status = Status(status)
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if finishedStr.Valid {
		ts, err := time.Parse(time.RFC3339Nano, finishedStr.String)
		if err == nil {
			r.FinishedAt = &ts
		}
	}
	if diagJSON != "" {
		// Corrupt diagnostics must not hide the run itself.
		_ = json.Unmarshal([]byte(diagJSON), &r.Diagnostics)
	}
	return r, nil
}
