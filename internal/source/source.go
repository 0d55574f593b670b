// Package source defines the adapter boundary between the orchestration
// engine and individual connectors, plus the built-in adapters. An adapter
// owns its own transport concerns (rate limiting, retries, pagination) and
// surfaces failures through the syncerrs taxonomy so the engine can tell
// transport problems from data problems.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inlet-sync/inlet/internal/schema"
	"github.com/inlet-sync/inlet/internal/strategy"
)

// RecordStream is a lazy, finite sequence of raw records. It is not
// restartable mid-stream: consumers that need to start over must Open a
// new stream.
type RecordStream interface {
	// Next returns the next record, or io.EOF when the stream is done.
	Next(ctx context.Context) (schema.RawRecord, error)
	Close() error
}

// Adapter supplies records for one source according to a fetch plan.
type Adapter interface {
	// Source returns the source key this adapter serves.
	Source() string
	// Open starts a fetch for one entity. A delta plan carries the
	// watermark records must be filtered against.
	Open(ctx context.Context, entity *schema.EntitySpec, plan strategy.Plan) (RecordStream, error)
}

// Factory builds an adapter from its source-specific settings.
type Factory func(settings map[string]string, sourceKey string) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a source kind available to configuration. Called from
// adapter init functions.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// New builds an adapter for the given kind.
func New(kind string, settings map[string]string, sourceKey string) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q (registered: %v)", kind, Kinds())
	}
	return f(settings, sourceKey)
}

// Kinds lists registered source kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
