package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inlet-sync/inlet/internal/breaker"
	"github.com/inlet-sync/inlet/internal/ledger"
	"github.com/inlet-sync/inlet/internal/logging"
	"github.com/inlet-sync/inlet/internal/schema"
)

// Violation classifies a constraint failure reported by the store.
type Violation int

const (
	ViolationOther Violation = iota
	ViolationLength
	ViolationNull
	ViolationDuplicate
)

func (v Violation) String() string {
	switch v {
	case ViolationLength:
		return "value too long"
	case ViolationNull:
		return "null in required column"
	case ViolationDuplicate:
		return "duplicate key"
	default:
		return "constraint violation"
	}
}

// Result aggregates the outcome of persisting one batch.
type Result struct {
	Created     int64
	Updated     int64
	Failed      int64
	Diagnostics []ledger.RecordError
}

// db is the slice of pgxpool.Pool the upserter uses, small enough to fake
// in tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Upserter writes batches with a two-phase strategy: a single bulk
// insert-or-update round trip, falling back to per-record isolation when
// the bulk statement reports a constraint violation. Callers see one
// interface and one Result regardless of which path executed.
type Upserter struct {
	db       db
	schema   string
	brk      *breaker.Breaker
	maxTries uint
}

// storeMaxTries bounds backoff retries per store round trip.
const storeMaxTries = 4

// NewUpserter creates an upserter writing through the given pool.
func NewUpserter(pool *Pool, brk *breaker.Breaker) *Upserter {
	return &Upserter{db: pool.pool, schema: pool.schema, brk: brk, maxTries: storeMaxTries}
}

// PostgreSQL caps placeholders per statement at 65535.
const maxParams = 65000

// Upsert persists one batch. forceOverwrite bypasses the skip-if-unchanged
// change detection so every row is rewritten.
func (u *Upserter) Upsert(ctx context.Context, entity *schema.EntitySpec, records []schema.Record, forceOverwrite bool) (Result, error) {
	var res Result
	if len(records) == 0 {
		return res, nil
	}

	cols := entity.Columns()
	chunk := maxParams / len(cols)
	if chunk < 1 {
		chunk = 1
	}

	for start := 0; start < len(records); start += chunk {
		end := start + chunk
		if end > len(records) {
			end = len(records)
		}
		if err := u.upsertChunk(ctx, entity, records[start:end], forceOverwrite, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (u *Upserter) upsertChunk(ctx context.Context, entity *schema.EntitySpec, records []schema.Record, forceOverwrite bool, res *Result) error {
	created, err := u.bulkUpsert(ctx, entity, records, forceOverwrite)
	if err == nil {
		res.Created += created
		res.Updated += int64(len(records)) - created
		return nil
	}

	violation, isData := classifyStoreError(err)
	if !isData {
		// Connection or transport problem that survived the retries: the
		// whole chunk is undelivered and the error is the run's to handle.
		return fmt.Errorf("bulk upsert into %s: %w", entity.Table, err)
	}

	logging.Warn("Bulk upsert into %s hit %s, isolating %d records individually",
		entity.Table, violation, len(records))
	return u.isolateRecords(ctx, entity, records, forceOverwrite, res)
}

// bulkUpsert is the throughput path: one multi-row INSERT ... ON CONFLICT
// round trip. RETURNING (xmax = 0) distinguishes inserted from updated
// rows; rows skipped by change detection are not returned and count as
// updated (delivered, already current). Transient store errors are retried
// with exponential backoff; constraint violations go straight back to the
// caller for isolation.
func (u *Upserter) bulkUpsert(ctx context.Context, entity *schema.EntitySpec, records []schema.Record, forceOverwrite bool) (int64, error) {
	sqlStr, args := buildUpsertSQL(u.schema, entity, records, forceOverwrite)

	tries := u.maxTries
	if tries == 0 {
		tries = storeMaxTries
	}

	return backoff.Retry(ctx, func() (int64, error) {
		var created int64
		err := u.guard(ctx, func() error {
			rows, err := u.db.Query(ctx, sqlStr, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var inserted bool
				if err := rows.Scan(&inserted); err != nil {
					return err
				}
				if inserted {
					created++
				}
			}
			return rows.Err()
		})
		if err != nil {
			if _, isData := classifyStoreError(err); isData {
				return 0, backoff.Permanent(err)
			}
			return 0, err
		}
		return created, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(tries))
}

// isolateRecords re-attempts each record of a failed chunk individually.
// Records that fail alone are recorded with field-level diagnostics; the
// rest persist normally, so N good records in a batch of N+1 always land.
func (u *Upserter) isolateRecords(ctx context.Context, entity *schema.EntitySpec, records []schema.Record, forceOverwrite bool, res *Result) error {
	for i := range records {
		rec := records[i : i+1]
		created, err := u.bulkUpsert(ctx, entity, rec, forceOverwrite)
		if err == nil {
			res.Created += created
			res.Updated += 1 - created
			continue
		}

		violation, isData := classifyStoreError(err)
		if !isData {
			return fmt.Errorf("upserting record %s into %s: %w", records[i].SourceID, entity.Table, err)
		}

		res.Failed++
		diag := diagnose(entity, &records[i], violation, err)
		res.Diagnostics = append(res.Diagnostics, diag)
		logging.Warn("Record %s failed to persist: %s (field %s)", diag.RecordID, diag.Message, diag.Field)
	}
	return nil
}

// guard routes a store call through the circuit breaker. Constraint
// violations are data problems, not endpoint failures, so they never count
// against the breaker window.
func (u *Upserter) guard(ctx context.Context, fn func() error) error {
	if u.brk == nil {
		return fn()
	}
	var dataErr error
	err := u.brk.Do(ctx, func() error {
		err := fn()
		if err != nil {
			if _, isData := classifyStoreError(err); isData {
				dataErr = err
				return nil
			}
		}
		return err
	})
	if err != nil {
		return err
	}
	return dataErr
}

// classifyStoreError maps a store error to a violation kind. The second
// return is true when the error is a per-record data problem (SQLSTATE
// data exception or integrity violation) rather than a transport failure.
func classifyStoreError(err error) (Violation, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ViolationOther, false
	}
	switch pgErr.Code {
	case "22001": // string_data_right_truncation
		return ViolationLength, true
	case "23502": // not_null_violation
		return ViolationNull, true
	case "23505": // unique_violation
		return ViolationDuplicate, true
	}
	if len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return ViolationOther, true
		}
	}
	return ViolationOther, false
}

// diagnose builds the operator-facing description of one failed record:
// the offending field, its value length where relevant, and the record's
// source identifier.
func diagnose(entity *schema.EntitySpec, rec *schema.Record, violation Violation, err error) ledger.RecordError {
	diag := ledger.RecordError{RecordID: rec.SourceID, Message: violation.String()}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ColumnName != "" {
		diag.Field = pgErr.ColumnName
	}

	switch violation {
	case ViolationLength:
		// The server does not name the column for 22001; find the longest
		// string value relative to its declared limit.
		for i, f := range entity.Fields {
			s, ok := rec.Values[i].(string)
			if !ok {
				continue
			}
			if f.MaxLen > 0 && len(s) > f.MaxLen {
				diag.Field = f.Name
				diag.Message = fmt.Sprintf("value length %d exceeds column limit %d", len(s), f.MaxLen)
				return diag
			}
		}
		diag.Message = fmt.Sprintf("value too long: %s", pgMessage(err))
	case ViolationNull:
		if diag.Field == "" {
			for i, f := range entity.Fields {
				if f.Required && rec.Values[i] == nil {
					diag.Field = f.Name
					break
				}
			}
		}
		diag.Message = "null value in required column"
	case ViolationDuplicate:
		if diag.Field == "" {
			diag.Field = strings.Join(entity.KeyColumns, ",")
		}
		diag.Message = fmt.Sprintf("duplicate key: %s", pgMessage(err))
	default:
		diag.Message = pgMessage(err)
	}
	return diag
}

func pgMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	return err.Error()
}

// buildUpsertSQL generates the multi-row upsert statement:
//
//	INSERT INTO schema.table (cols) VALUES ($1, ...), ...
//	ON CONFLICT (key_cols) DO UPDATE SET col = EXCLUDED.col, ...
//	WHERE (table.cols) IS DISTINCT FROM (EXCLUDED.cols)
//	RETURNING (xmax = 0)
//
// The IS DISTINCT FROM clause skips rewriting unchanged rows (table bloat
// and WAL churn); forceOverwrite drops it.
func buildUpsertSQL(schemaName string, entity *schema.EntitySpec, records []schema.Record, forceOverwrite bool) (string, []any) {
	cols := entity.Columns()
	numCols := len(cols)

	quotedCols := make([]string, numCols)
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
	}
	quotedKeys := make([]string, len(entity.KeyColumns))
	for i, k := range entity.KeyColumns {
		quotedKeys[i] = quoteIdent(k)
	}

	keySet := make(map[string]bool, len(entity.KeyColumns))
	for _, k := range entity.KeyColumns {
		keySet[k] = true
	}

	var setClauses, targetCols, excludedCols []string
	for _, c := range cols {
		if keySet[c] {
			continue
		}
		q := quoteIdent(c)
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		targetCols = append(targetCols, quoteIdent(entity.Table)+"."+q)
		excludedCols = append(excludedCols, "EXCLUDED."+q)
	}

	args := make([]any, 0, len(records)*numCols)
	valueTuples := make([]string, len(records))
	for rowIdx := range records {
		params := make([]string, numCols)
		for colIdx := 0; colIdx < numCols; colIdx++ {
			params[colIdx] = fmt.Sprintf("$%d", rowIdx*numCols+colIdx+1)
			args = append(args, records[rowIdx].Values[colIdx])
		}
		valueTuples[rowIdx] = "(" + strings.Join(params, ", ") + ")"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		qualifyTable(schemaName, entity.Table),
		strings.Join(quotedCols, ", "),
		strings.Join(valueTuples, ", ")))
	sb.WriteString(fmt.Sprintf(" ON CONFLICT (%s)", strings.Join(quotedKeys, ", ")))

	if len(setClauses) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(fmt.Sprintf(" DO UPDATE SET %s", strings.Join(setClauses, ", ")))
		if !forceOverwrite {
			sb.WriteString(fmt.Sprintf(" WHERE (%s) IS DISTINCT FROM (%s)",
				strings.Join(targetCols, ", "),
				strings.Join(excludedCols, ", ")))
		}
	}
	sb.WriteString(" RETURNING (xmax = 0)")

	return sb.String(), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualifyTable(schemaName, table string) string {
	return quoteIdent(schemaName) + "." + quoteIdent(table)
}
