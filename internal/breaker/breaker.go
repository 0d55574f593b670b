// Package breaker implements a per-endpoint circuit breaker. Repeated
// transport failures within a sliding window open the circuit; while open,
// calls fail fast without contacting the endpoint. After a cool-down a
// limited number of trial calls probe the endpoint: success closes the
// circuit, failure reopens it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker instance.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens
	// the circuit.
	FailureThreshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// CoolDown is how long the circuit stays open before probing.
	CoolDown time.Duration
	// HalfOpenProbes is the number of trial calls admitted while half-open.
	HalfOpenProbes int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// Breaker guards a single upstream or downstream endpoint. Each endpoint
// gets its own instance; state is never shared across endpoints.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	probes   int

	now func() time.Time // injectable for tests
}

// New creates a breaker for the named endpoint.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// State returns the current state, applying any due open→half-open
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Do runs fn under the breaker. While open it returns ErrOpen immediately
// without invoking fn. Context cancellation is passed through and never
// counted as an endpoint failure.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.probes++
		return nil
	default:
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if success {
			b.toClosed()
		} else {
			b.toOpen()
		}
	case StateClosed:
		if success {
			return
		}
		now := b.now()
		b.failures = append(b.failures, now)
		b.pruneWindow(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.toOpen()
		}
	}
}

// maybeHalfOpen transitions open→half-open once the cool-down elapsed.
// Caller must hold the mutex.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		b.state = StateHalfOpen
		b.probes = 0
	}
}

func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = b.failures[:0]
	b.probes = 0
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failures = b.failures[:0]
	b.probes = 0
}
