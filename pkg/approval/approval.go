// Package approval manages human/external approval of guarded calls.
//
// An approval is bound to exactly one decision through the
// {request_id, policy_hash, decision_hash} triple; the engine rejects any
// resolution whose binding does not match. Stores enforce TTLs so no
// approval can stay pending forever.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TTL bounds. Every pending approval expires; the hard cap applies even to
// caller-supplied expirations.
const (
	DefaultTTL = 5 * time.Minute
	MaxTTL     = time.Hour
)

// State of an approval record.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
	StateFailed   State = "failed"
)

func validState(s State) bool {
	switch s {
	case StatePending, StateApproved, StateDenied, StateExpired, StateFailed:
		return true
	}
	return false
}

// Binding ties an approval to exactly one decision.
type Binding struct {
	RequestID    string `json:"request_id"`
	PolicyHash   string `json:"policy_hash"`
	DecisionHash string `json:"decision_hash"`
}

func (b Binding) validate() error {
	for name, v := range map[string]string{
		"request_id":    b.RequestID,
		"policy_hash":   b.PolicyHash,
		"decision_hash": b.DecisionHash,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s must be a non-empty string", name)
		}
	}
	return nil
}

// Matches reports whether two bindings refer to the same decision.
func (b Binding) Matches(other Binding) bool {
	return b.RequestID == other.RequestID &&
		b.PolicyHash == other.PolicyHash &&
		b.DecisionHash == other.DecisionHash
}

// Record is a stored approval.
type Record struct {
	Binding    Binding
	State      State
	ApproverID string
	CreatedAt  time.Time
	ResolvedAt *time.Time
	ExpiresAt  time.Time
}

// Store persists approval records across restarts and processes. TTL
// enforcement happens at the store level: Fetch transitions overdue pending
// records to expired before returning them.
type Store interface {
	// CreatePending records a pending approval. Idempotent on request id:
	// re-creating a still-pending approval refreshes its expiry, re-creating
	// a resolved one is a no-op, and a binding mismatch is an error.
	CreatePending(ctx context.Context, binding Binding, expiresAt *time.Time) error

	// Resolve transitions a pending approval to a terminal state. Replaying
	// the same terminal state is a no-op; any other transition fails.
	Resolve(ctx context.Context, requestID string, state State, approverID string) error

	// Fetch returns the record, or (nil, nil) when absent.
	Fetch(ctx context.Context, requestID string) (*Record, error)

	// ExpireOverdue transitions all overdue pending approvals to expired
	// and returns how many it touched.
	ExpireOverdue(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// capExpiry applies the default TTL and the hard cap relative to now.
func capExpiry(now time.Time, expiresAt *time.Time, defaultTTL, maxTTL time.Duration) time.Time {
	maxExpiry := now.Add(maxTTL)
	if expiresAt == nil {
		return now.Add(defaultTTL)
	}
	if expiresAt.After(maxExpiry) {
		return maxExpiry
	}
	return *expiresAt
}
