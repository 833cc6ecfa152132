// Package budget enforces windowed spending limits with two-phase,
// idempotent check/commit semantics.
//
// Check reserves budget tentatively and is idempotent on request id: a
// replayed check returns the original check id instead of double-reserving.
// Commit finalizes a reservation and is idempotent on (request id,
// commit id); a replay with a different commit id fails. Enforcement is
// fail-closed: any storage error denies the call.
package budget

import (
	"context"
	"time"
)

// DefaultWindow is the rolling accounting window when none is configured.
const DefaultWindow = time.Hour

// Limits configures the per-window thresholds. A zero limit means that
// scope is unlimited.
type Limits struct {
	AgentLimit int64
	ToolLimit  int64
	Window     time.Duration
}

func (l Limits) window() time.Duration {
	if l.Window <= 0 {
		return DefaultWindow
	}
	return l.Window
}

// CheckResult reports a successful (or replayed) reservation.
type CheckResult struct {
	CheckID   string
	RequestID string
	Agent     string
	Tool      string
	Cost      int64
	Accepted  bool
}

// Manager is the two-phase budget contract consumed by the engine.
type Manager interface {
	// Check reserves cost against the agent and tool counters. It returns
	// an ExceededError when a projected post-check total crosses a limit.
	Check(ctx context.Context, requestID, agent, tool string, cost int64) (*CheckResult, error)

	// Commit finalizes a prior reservation with the cost actually incurred.
	Commit(ctx context.Context, requestID, commitID string, actualCost int64) error

	// Close releases backend resources.
	Close() error
}
