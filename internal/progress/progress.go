// Package progress reports lightweight per-batch progress from running
// syncs. Reporting is best effort and never blocks the pipeline.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Update is one progress sample, emitted after each persisted batch.
type Update struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id"`
	Source    string `json:"source"`
	Entity    string `json:"entity"`
	Batches   int    `json:"batches"`
	Fetched   int64  `json:"fetched"`
	Created   int64  `json:"created"`
	Updated   int64  `json:"updated"`
	Failed    int64  `json:"failed"`
}

// Reporter receives progress updates. Implementations must return quickly;
// the pipeline calls Report between batches on its own goroutine.
type Reporter interface {
	Report(u Update)
	Close()
}

// Noop discards all updates.
type Noop struct{}

func (Noop) Report(Update) {}
func (Noop) Close()        {}

// Bar renders an interactive progress display for CLI runs. The total
// record count is unknown until the stream ends, so it renders a spinner
// with a running count rather than a percentage.
type Bar struct {
	bar  *progressbar.ProgressBar
	mu   sync.Mutex
	seen int64
}

// NewBar creates an interactive progress reporter.
func NewBar(source, entity string) *Bar {
	return &Bar{
		bar: progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription(fmt.Sprintf("Syncing %s/%s", source, entity)),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("records"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(100*time.Millisecond),
		),
	}
}

func (b *Bar) Report(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delta := u.Fetched - b.seen
	if delta > 0 {
		b.bar.Add64(delta)
		b.seen = u.Fetched
	}
}

func (b *Bar) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Finish()
	fmt.Fprintln(os.Stderr)
}

// JSON writes throttled JSON progress lines, typically to stderr, for
// machine consumers (cron wrappers, workflow engines).
type JSON struct {
	writer   io.Writer
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewJSON creates a JSON reporter with a minimum interval between lines.
func NewJSON(w io.Writer, interval time.Duration) *JSON {
	if w == nil {
		w = os.Stderr
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &JSON{writer: w, interval: interval}
}

func (j *JSON) Report(u Update) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	if now.Sub(j.last) < j.interval {
		return
	}
	j.last = now
	u.Timestamp = now.UTC().Format(time.RFC3339)
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	fmt.Fprintln(j.writer, string(data))
}

func (j *JSON) Close() {}
