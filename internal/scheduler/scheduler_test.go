package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inlet-sync/inlet/internal/ledger"
)

type fakeStore struct {
	mu   sync.Mutex
	defs []ledger.ScheduleDefinition
}

func (f *fakeStore) Schedules(enabledOnly bool) ([]ledger.ScheduleDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ledger.ScheduleDefinition, 0, len(f.defs))
	for _, d := range f.defs {
		if !enabledOnly || d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	fired []string
}

func (f *fakeExecutor) ExecuteScheduled(ctx context.Context, def ledger.ScheduleDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, def.ID)
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func TestDue(t *testing.T) {
	prev := time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)

	tests := []struct {
		name string
		def  ledger.ScheduleDefinition
		now  time.Time
		want bool
	}{
		{
			name: "interval boundary inside window",
			def:  ledger.ScheduleDefinition{Recurrence: ledger.Recurrence{Every: time.Minute}},
			now:  prev.Add(time.Minute),
			want: true,
		},
		{
			name: "boundary not yet reached",
			def:  ledger.ScheduleDefinition{Recurrence: ledger.Recurrence{Every: 5 * time.Minute}},
			now:  prev.Add(time.Minute),
			want: false,
		},
		{
			name: "outside validity window",
			def: func() ledger.ScheduleDefinition {
				until := prev.Add(-time.Hour)
				return ledger.ScheduleDefinition{
					Recurrence: ledger.Recurrence{Every: time.Minute},
					ValidUntil: &until,
				}
			}(),
			now:  prev.Add(time.Minute),
			want: false,
		},
		{
			name: "empty recurrence never fires",
			def:  ledger.ScheduleDefinition{},
			now:  prev.Add(time.Hour),
			want: false,
		},
	}

	s := New(&fakeStore{}, &fakeExecutor{}, 1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.due(&tt.def, prev, tt.now); got != tt.want {
				t.Fatalf("due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDueFiresOncePerBoundary(t *testing.T) {
	s := New(&fakeStore{}, &fakeExecutor{}, 1)
	def := ledger.ScheduleDefinition{Recurrence: ledger.Recurrence{Every: 5 * time.Minute}}

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fires := 0
	prev := base
	for i := 1; i <= 10; i++ {
		now := base.Add(time.Duration(i) * time.Minute)
		if s.due(&def, prev, now) {
			fires++
		}
		prev = now
	}
	// Ten one-minute windows cover exactly two 5-minute boundaries.
	if fires != 2 {
		t.Fatalf("fires = %d over 10 minutes, want 2", fires)
	}
}

func TestRunFiresDueSchedules(t *testing.T) {
	store := &fakeStore{defs: []ledger.ScheduleDefinition{
		{ID: "on", Enabled: true, Recurrence: ledger.Recurrence{Every: time.Minute}},
		{ID: "off", Enabled: false, Recurrence: ledger.Recurrence{Every: time.Minute}},
	}}
	exec := &fakeExecutor{}

	s := New(store, exec, 2)
	s.tick = 2 * time.Millisecond

	// Each observation of the clock advances it one minute, so every tick
	// crosses an interval boundary.
	var mu sync.Mutex
	current := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Minute)
		return current
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Run() = %v, want context.DeadlineExceeded", err)
	}

	if exec.count() == 0 {
		t.Fatal("enabled schedule never fired")
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, id := range exec.fired {
		if id == "off" {
			t.Fatal("disabled schedule fired")
		}
	}
}

func TestRunWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	blockExec := &blockingExecutor{started: started, finished: finished}

	store := &fakeStore{defs: []ledger.ScheduleDefinition{
		{ID: "slow", Enabled: true, Recurrence: ledger.Recurrence{Every: time.Minute}},
	}}

	s := New(store, blockExec, 1)
	s.tick = 2 * time.Millisecond
	var mu sync.Mutex
	current := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Minute)
		return current
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run() returned while a schedule execution was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(finished)
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after in-flight execution finished")
	}
}

type blockingExecutor struct {
	once     sync.Once
	started  chan struct{}
	finished chan struct{}
}

func (b *blockingExecutor) ExecuteScheduled(ctx context.Context, def ledger.ScheduleDefinition) {
	b.once.Do(func() {
		close(b.started)
		<-b.finished
	})
}
