// Package scheduler triggers pipeline runs from recurring schedule
// definitions. The trigger set is re-read from the ledger on every tick,
// so an enabled definition and its registration are the same row and can
// never diverge. Overlap prevention is not the scheduler's job: every
// trigger, scheduled or manual, goes through the executor's
// acquire-or-skip lock path.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/inlet-sync/inlet/internal/ledger"
	"github.com/inlet-sync/inlet/internal/logging"
)

// Executor runs one triggered schedule. Implemented by the orchestrator;
// it acquires the run lock, records skips, and finalizes the run.
type Executor interface {
	ExecuteScheduled(ctx context.Context, def ledger.ScheduleDefinition)
}

// ScheduleReader is the slice of the ledger the scheduler needs.
type ScheduleReader interface {
	Schedules(enabledOnly bool) ([]ledger.ScheduleDefinition, error)
}

// Scheduler polls schedule definitions and dispatches due runs to a
// bounded worker pool.
type Scheduler struct {
	store    ScheduleReader
	executor Executor
	workers  int
	tick     time.Duration

	now func() time.Time // injectable for tests
}

// New creates a scheduler with the given worker bound.
func New(store ScheduleReader, executor Executor, workers int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		workers:  workers,
		tick:     time.Minute,
		now:      time.Now,
	}
}

// Run blocks, firing due schedules until the context is cancelled.
// In-flight runs are left to observe the cancellation themselves; Run
// waits for them before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Info("Scheduler started (%d workers, %s tick)", s.workers, s.tick)

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	// Schedules due in (prevTick, now] fire exactly once per boundary.
	prevTick := s.now()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logging.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		now := s.now()
		defs, err := s.store.Schedules(true)
		if err != nil {
			logging.Error("Reading schedules: %v", err)
			prevTick = now
			continue
		}

		for _, def := range defs {
			if !s.due(&def, prevTick, now) {
				continue
			}

			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case sem <- struct{}{}:
			}

			wg.Add(1)
			go func(def ledger.ScheduleDefinition) {
				defer wg.Done()
				defer func() { <-sem }()
				logging.Info("Schedule %s fired (%s/%s %s)", def.ID, def.Source, def.Entity, def.Mode)
				s.executor.ExecuteScheduled(ctx, def)
			}(def)
		}

		prevTick = now
	}
}

// due reports whether the definition fires in the window (prevTick, now].
func (s *Scheduler) due(def *ledger.ScheduleDefinition, prevTick, now time.Time) bool {
	if !withinValidity(def, now) {
		return false
	}
	next := NextFire(def.Recurrence, prevTick)
	if next.IsZero() {
		return false
	}
	return !next.After(now)
}
