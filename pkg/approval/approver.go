package approval

import (
	"context"
	"fmt"
	"time"
)

// Request carries everything an approver needs to make a decision about one
// guarded call. Parameters are already redacted.
type Request struct {
	Binding    Binding
	Action     string
	AgentID    string
	Parameters map[string]any
	Reason     string
	ExpiresAt  time.Time
}

// Decision is an approver's answer. A non-nil Binding is validated against
// the request's decision by the engine; approvers that cannot echo a
// binding leave it nil.
type Decision struct {
	Approved   bool
	ApproverID string
	Binding    *Binding
}

// Approver resolves approval requests. Implementations must respect ctx:
// the engine bounds every approval wait with a deadline.
type Approver interface {
	Approve(ctx context.Context, req Request) (*Decision, error)
}

// StaticApprover answers every request the same way. Useful for development
// auto-approval and for tests.
type StaticApprover struct {
	Approved   bool
	ApproverID string
}

// Approve implements Approver, echoing the request's binding.
func (a StaticApprover) Approve(_ context.Context, req Request) (*Decision, error) {
	binding := req.Binding
	return &Decision{Approved: a.Approved, ApproverID: a.ApproverID, Binding: &binding}, nil
}

// PollingApprover waits for an out-of-band party to resolve the approval in
// the shared store. The engine creates the pending record before invoking
// the approver; this poller just watches for the terminal state.
type PollingApprover struct {
	Store    Store
	Interval time.Duration
}

// Approve implements Approver.
func (a *PollingApprover) Approve(ctx context.Context, req Request) (*Decision, error) {
	interval := a.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := a.Store.Fetch(ctx, req.Binding.RequestID)
		if err != nil {
			return nil, fmt.Errorf("poll approval store: %w", err)
		}
		if record == nil {
			return nil, fmt.Errorf("approval record missing for request")
		}
		if record.State != StatePending {
			binding := record.Binding
			return &Decision{
				Approved:   record.State == StateApproved,
				ApproverID: record.ApproverID,
				Binding:    &binding,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
