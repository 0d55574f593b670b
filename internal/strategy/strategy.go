// Package strategy decides whether a run fetches the full source or only
// records changed since the last successful run.
package strategy

import (
	"fmt"
	"time"
)

// Mode is the fetch mode for a run.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeDelta Mode = "delta"
)

// Plan is the decided fetch strategy. Watermark is nil for full fetches.
type Plan struct {
	Mode      Mode
	Watermark *time.Time
}

// LedgerReader is the slice of the run ledger the decider needs.
type LedgerReader interface {
	LastSuccess(source, entity string) (*time.Time, error)
}

// Decide is a pure function of ledger state and the caller's overrides.
// Precedence: an explicit since override always wins, then forceFull,
// then history (no prior success means full, otherwise delta from the
// last success's end time). Safe to call concurrently for different
// (source, entity) pairs: the only shared state is the ledger read.
func Decide(ledger LedgerReader, source, entity string, forceFull bool, sinceOverride *time.Time) (Plan, error) {
	if sinceOverride != nil {
		ts := *sinceOverride
		return Plan{Mode: ModeDelta, Watermark: &ts}, nil
	}
	if forceFull {
		return Plan{Mode: ModeFull}, nil
	}
	watermark, err := ledger.LastSuccess(source, entity)
	if err != nil {
		return Plan{}, fmt.Errorf("reading last success for %s/%s: %w", source, entity, err)
	}
	if watermark == nil {
		return Plan{Mode: ModeFull}, nil
	}
	return Plan{Mode: ModeDelta, Watermark: watermark}, nil
}
