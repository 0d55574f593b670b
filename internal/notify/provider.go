// Package notify is the alert-delivery boundary. The engine reports run
// outcomes through Provider; delivery channels beyond the bundled Slack
// webhook are external collaborators behind the same interface.
package notify

import "github.com/inlet-sync/inlet/internal/ledger"

// Provider receives run lifecycle events. Implementations must not block
// run finalization; failures to deliver are logged and dropped.
type Provider interface {
	// RunCompleted fires after a run finalizes successfully.
	RunCompleted(run *ledger.RunRecord) error

	// RunFailed fires after a run finalizes as failed.
	RunFailed(run *ledger.RunRecord) error
}

// Noop discards all events.
type Noop struct{}

func (Noop) RunCompleted(*ledger.RunRecord) error { return nil }
func (Noop) RunFailed(*ledger.RunRecord) error    { return nil }

var _ Provider = Noop{}
var _ Provider = (*Slack)(nil)
