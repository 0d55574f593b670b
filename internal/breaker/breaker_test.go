package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests drive the breaker's view of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New("test", cfg)
	b.now = clock.now
	return b, clock
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Do(context.Background(), func() error {
			return errors.New("boom")
		})
		if err == nil {
			t.Fatalf("Do() returned nil, want failure")
		}
	}
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	failN(t, b, 2)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	failN(t, b, 1)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
}

func TestOpenFailsFastWithoutCallingFn(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})
	failN(t, b, 2)

	called := false
	err := b.Do(context.Background(), func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Do() while open = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn was invoked while the circuit was open")
	}
}

func TestFailuresOutsideWindowDoNotTrip(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 3, Window: time.Minute})

	failN(t, b, 2)
	clock.advance(2 * time.Minute)
	failN(t, b, 1)

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed: stale failures should have been pruned", got)
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 2, CoolDown: 30 * time.Second})
	failN(t, b, 2)

	clock.advance(31 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after cool-down = %v, want half-open", got)
	}

	if err := b.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("probe Do() error: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 2, CoolDown: 30 * time.Second})
	failN(t, b, 2)

	clock.advance(31 * time.Second)
	failN(t, b, 1)

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	// The reopened circuit must fail fast again until the next cool-down.
	if err := b.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("Do() after reopen = %v, want ErrOpen", err)
	}
}

func TestHalfOpenAdmitsLimitedProbes(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 2, CoolDown: time.Second, HalfOpenProbes: 1})
	failN(t, b, 2)
	clock.advance(2 * time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), func() error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	// Second caller arrives while the single probe slot is taken.
	if err := b.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("concurrent Do() during probe = %v, want ErrOpen", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("probe Do() error: %v", err)
	}
}

func TestContextCancellationNotCounted(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	err := b.Do(context.Background(), func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after cancellation = %v, want closed", got)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
