// Package pipeline drives one sync run: it consumes the adapter's record
// stream in bounded batches, transforms and validates each record, and
// hands surviving records to the persister. Batches run strictly in
// sequence within a run; concurrency exists only across runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/inlet-sync/inlet/internal/ledger"
	"github.com/inlet-sync/inlet/internal/logging"
	"github.com/inlet-sync/inlet/internal/persist"
	"github.com/inlet-sync/inlet/internal/progress"
	"github.com/inlet-sync/inlet/internal/schema"
	"github.com/inlet-sync/inlet/internal/source"
	"github.com/inlet-sync/inlet/internal/syncerrs"
)

// DefaultBatchSize is used when the run options leave the batch size unset.
const DefaultBatchSize = 500

// Persister writes one validated batch. The two-phase bulk/isolation
// strategy lives behind this interface; the pipeline never knows which
// path executed.
type Persister interface {
	Upsert(ctx context.Context, entity *schema.EntitySpec, records []schema.Record, forceOverwrite bool) (persist.Result, error)
}

// Options tunes one run.
type Options struct {
	BatchSize      int
	MaxRecords     int64 // 0 = unlimited
	DryRun         bool  // transform + validate only, no persistence
	ForceOverwrite bool
}

// Outcome is the record-level result of a run, reported even when the run
// itself failed so the ledger always carries full counts.
type Outcome struct {
	Counts      ledger.Counts
	Diagnostics []ledger.RecordError
}

// Pipeline executes runs against a fixed persister and reporter.
type Pipeline struct {
	persister Persister
	reporter  progress.Reporter
}

// New creates a pipeline. A nil reporter disables progress reporting.
func New(persister Persister, reporter progress.Reporter) *Pipeline {
	if reporter == nil {
		reporter = progress.Noop{}
	}
	return &Pipeline{persister: persister, reporter: reporter}
}

// Run consumes the stream to completion (or until MaxRecords, a fatal
// error, or cancellation). Cancellation stops fetching promptly but lets
// the collected batch finish persisting, so no half-written batch goes
// unrecorded.
func (p *Pipeline) Run(ctx context.Context, runID, sourceKey string, entity *schema.EntitySpec, stream source.RecordStream, opts Options) (Outcome, error) {
	defer stream.Close()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var out Outcome
	batch := make([]schema.Record, 0, batchSize)
	batches := 0
	done := false
	var cancelled bool

	for !done {
		batch = batch[:0]

		// Fill one batch.
		for len(batch) < batchSize {
			if err := ctx.Err(); err != nil {
				cancelled = true
				break
			}
			if opts.MaxRecords > 0 && out.Counts.Fetched >= opts.MaxRecords {
				done = true
				break
			}

			raw, err := stream.Next(ctx)
			if err == io.EOF {
				done = true
				break
			}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					cancelled = true
					break
				}
				// Adapter errors surface after the adapter's own retries
				// are exhausted; they end the run.
				return out, fmt.Errorf("fetching records: %w", err)
			}

			out.Counts.Fetched++
			rec, fieldErrs := entity.Transform(raw)
			if len(fieldErrs) > 0 {
				out.Counts.Failed++
				for _, fe := range fieldErrs {
					logging.Debug("Record %s rejected: field %s: %s", fe.RecordID, fe.Field, fe.Reason)
					if len(out.Diagnostics) < ledger.MaxDiagnostics {
						out.Diagnostics = append(out.Diagnostics, ledger.RecordError{
							RecordID: fe.RecordID,
							Field:    fe.Field,
							Message:  fe.Reason,
						})
					}
				}
				continue
			}
			batch = append(batch, rec)
		}

		if len(batch) > 0 {
			if err := p.persistBatch(ctx, entity, batch, opts, &out); err != nil {
				return out, err
			}
		}

		batches++
		p.reporter.Report(progress.Update{
			RunID:   runID,
			Source:  sourceKey,
			Entity:  entity.Name,
			Batches: batches,
			Fetched: out.Counts.Fetched,
			Created: out.Counts.Created,
			Updated: out.Counts.Updated,
			Failed:  out.Counts.Failed,
		})

		if cancelled {
			return out, &syncerrs.CancelledError{Reason: "context cancelled during fetch"}
		}
	}

	return out, nil
}

// persistBatch hands one batch to the persister, outside the caller's
// cancellation: an in-flight batch always finishes so its outcome is
// recorded.
func (p *Pipeline) persistBatch(ctx context.Context, entity *schema.EntitySpec, batch []schema.Record, opts Options, out *Outcome) error {
	if opts.DryRun {
		logging.Debug("Dry run: skipping persistence of %d records", len(batch))
		return nil
	}

	// Detach persistence from cancellation so the batch completes.
	persistCtx := context.WithoutCancel(ctx)
	res, err := p.persister.Upsert(persistCtx, entity, batch, opts.ForceOverwrite)

	out.Counts.Created += res.Created
	out.Counts.Updated += res.Updated
	out.Counts.Failed += res.Failed
	for _, d := range res.Diagnostics {
		if len(out.Diagnostics) < ledger.MaxDiagnostics {
			out.Diagnostics = append(out.Diagnostics, d)
		}
	}

	if err != nil {
		return fmt.Errorf("persisting batch of %d: %w", len(batch), err)
	}
	return nil
}
