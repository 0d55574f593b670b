// Package orchestrator owns the lifecycle of one sync run: strategy
// decision, overlap lock, ledger bookkeeping, pipeline execution, and
// notification. Every triggered run, manual or scheduled, leaves exactly
// one ledger row behind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inlet-sync/inlet/internal/config"
	"github.com/inlet-sync/inlet/internal/ledger"
	"github.com/inlet-sync/inlet/internal/locker"
	"github.com/inlet-sync/inlet/internal/logging"
	"github.com/inlet-sync/inlet/internal/notify"
	"github.com/inlet-sync/inlet/internal/pipeline"
	"github.com/inlet-sync/inlet/internal/schema"
	"github.com/inlet-sync/inlet/internal/source"
	"github.com/inlet-sync/inlet/internal/strategy"
	"github.com/inlet-sync/inlet/internal/syncerrs"
)

// Ledger is the slice of the run ledger the orchestrator needs.
type Ledger interface {
	CreateRun(r *ledger.RunRecord) error
	FinalizeRun(id string, status ledger.Status, counts ledger.Counts, errMsg string, diags []ledger.RecordError) error
	RecordSkipped(id, source, entity, mode string) error
	GetRun(id string) (*ledger.RunRecord, error)
	LastSuccess(source, entity string) (*time.Time, error)
}

// Request describes one run to execute.
type Request struct {
	Source    string
	Entity    string
	ForceFull bool
	// Since overrides the ledger watermark; implies a delta fetch.
	Since   *time.Time
	Options ledger.RunOptions
	DryRun  bool
}

// Orchestrator executes runs against a fixed ledger, lock store, and
// pipeline. Safe for concurrent Execute calls; overlap between runs of
// the same source and mode is resolved by the lock store.
type Orchestrator struct {
	cfg      *config.Config
	store    Ledger
	locks    locker.Store
	pipe     *pipeline.Pipeline
	notifier notify.Provider
	holder   string

	adapterMu sync.Mutex
	adapters  map[string]source.Adapter
}

// New creates an orchestrator. A nil notifier disables notifications.
func New(cfg *config.Config, store Ledger, locks locker.Store, pipe *pipeline.Pipeline, notifier notify.Provider) *Orchestrator {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	host, _ := os.Hostname()
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		locks:    locks,
		pipe:     pipe,
		notifier: notifier,
		holder:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		adapters: make(map[string]source.Adapter),
	}
}

// Execute runs one sync to completion and returns its ledger record.
// An overlap skip is not an error: the returned record has status
// skipped_overlap and the error is nil. A failed run returns both the
// finalized record and the failure.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*ledger.RunRecord, error) {
	src := o.cfg.Source(req.Source)
	if src == nil {
		return nil, fmt.Errorf("unknown source %q", req.Source)
	}
	entity := src.Entity(req.Entity)
	if entity == nil {
		return nil, fmt.Errorf("source %q has no entity %q", req.Source, req.Entity)
	}

	plan, err := strategy.Decide(o.store, req.Source, req.Entity, req.ForceFull, req.Since)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	key := locker.Key(req.Source, string(plan.Mode))
	ttl := req.Options.LockTTL
	if ttl <= 0 {
		ttl = time.Duration(o.cfg.Sync.LockTTL)
	}

	acquired, err := o.locks.Acquire(ctx, key, o.holder, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock %s: %w", key, err)
	}
	if !acquired {
		if err := o.store.RecordSkipped(runID, req.Source, req.Entity, string(plan.Mode)); err != nil {
			return nil, err
		}
		logging.Warn("Run %s skipped: %s/%s %s already in progress", runID, req.Source, req.Entity, plan.Mode)
		return o.store.GetRun(runID)
	}
	// Released only after the run is finalized, so a concurrent trigger
	// that wins the lock next always sees this run's terminal row.
	defer func() {
		if err := o.locks.Release(context.WithoutCancel(ctx), key, o.holder); err != nil {
			logging.Warn("Releasing run lock %s: %v", key, err)
		}
	}()

	run := &ledger.RunRecord{ID: runID, Source: req.Source, Entity: req.Entity, Mode: string(plan.Mode)}
	if err := o.store.CreateRun(run); err != nil {
		return nil, err
	}
	if plan.Watermark != nil {
		logging.Info("Run %s: %s/%s delta since %s", runID, req.Source, req.Entity, plan.Watermark.Format(time.RFC3339))
	} else {
		logging.Info("Run %s: %s/%s full", runID, req.Source, req.Entity)
	}

	outcome, runErr := o.runPipeline(ctx, runID, src, entity, plan, req)

	status := ledger.StatusSuccess
	errMsg := ""
	if runErr != nil {
		status = ledger.StatusFailed
		errMsg = runErr.Error()
	}
	if err := o.store.FinalizeRun(runID, status, outcome.Counts, errMsg, outcome.Diagnostics); err != nil {
		if !errors.Is(err, ledger.ErrAlreadyFinalized) {
			return nil, fmt.Errorf("finalizing run %s: %w", runID, err)
		}
	}

	final, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	o.notifyOutcome(final)
	return final, runErr
}

func (o *Orchestrator) runPipeline(ctx context.Context, runID string, src *config.SourceConfig, entity *schema.EntitySpec, plan strategy.Plan, req Request) (pipeline.Outcome, error) {
	adapter, err := o.adapterFor(src)
	if err != nil {
		return pipeline.Outcome{}, err
	}

	stream, err := adapter.Open(ctx, entity, plan)
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("opening %s/%s: %w", adapter.Source(), entity.Name, err)
	}
	defer stream.Close()

	opts := pipeline.Options{
		BatchSize:      req.Options.BatchSize,
		MaxRecords:     req.Options.MaxRecords,
		DryRun:         req.DryRun,
		ForceOverwrite: req.Options.ForceOverwrite,
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = o.cfg.Sync.BatchSize
	}
	return o.pipe.Run(ctx, runID, adapter.Source(), entity, stream, opts)
}

// adapterFor returns the adapter for a source, building it on first use.
// Adapters live for the orchestrator's lifetime so a source's circuit
// breaker keeps its failure history across consecutive runs.
func (o *Orchestrator) adapterFor(src *config.SourceConfig) (source.Adapter, error) {
	o.adapterMu.Lock()
	defer o.adapterMu.Unlock()
	if a, ok := o.adapters[src.Key]; ok {
		return a, nil
	}
	a, err := source.New(src.Kind, src.Settings, src.Key)
	if err != nil {
		return nil, err
	}
	o.adapters[src.Key] = a
	return a, nil
}

// ExecuteScheduled adapts Execute to the scheduler's fire-and-log
// contract. Lock skips and failures are already recorded in the ledger;
// here they only need logging.
func (o *Orchestrator) ExecuteScheduled(ctx context.Context, def ledger.ScheduleDefinition) {
	req := Request{
		Source:    def.Source,
		Entity:    def.Entity,
		ForceFull: def.Mode == "full",
		Options:   def.Options,
	}
	run, err := o.Execute(ctx, req)
	switch {
	case err != nil && run != nil:
		logging.Error("Schedule %s run %s failed: %v", def.ID, run.ID, err)
	case err != nil:
		logging.Error("Schedule %s failed before starting: %v", def.ID, err)
	case run.Status == ledger.StatusSkippedOverlap:
		logging.Info("Schedule %s skipped: overlapping run in progress", def.ID)
	default:
		logging.Info("Schedule %s run %s finished: %d fetched, %d created, %d updated, %d failed",
			def.ID, run.ID, run.Counts.Fetched, run.Counts.Created, run.Counts.Updated, run.Counts.Failed)
	}
}

func (o *Orchestrator) notifyOutcome(run *ledger.RunRecord) {
	var err error
	switch run.Status {
	case ledger.StatusSuccess:
		err = o.notifier.RunCompleted(run)
	case ledger.StatusFailed:
		err = o.notifier.RunFailed(run)
	default:
		return
	}
	if err != nil {
		logging.Warn("Notification for run %s failed: %v", run.ID, err)
	}
}

// Cancelled reports whether a run failure came from operator cancellation
// rather than a source or store fault.
func Cancelled(err error) bool {
	var ce *syncerrs.CancelledError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}
