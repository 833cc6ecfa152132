package engine

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/sudogate/pkg/approval"
	"github.com/Mindburn-Labs/sudogate/pkg/audit"
	"github.com/Mindburn-Labs/sudogate/pkg/budget"
	"go.opentelemetry.io/otel/trace"
)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithApprover sets the approver consulted on REQUIRE_APPROVAL decisions.
// Without one, every approval-gated call is denied.
func WithApprover(a approval.Approver) Option {
	return func(e *Engine) { e.approver = a }
}

// WithApprovalStore sets the durable store for pending approvals. Optional;
// required for approvals that survive restarts or cross processes.
func WithApprovalStore(s approval.Store) Option {
	return func(e *Engine) { e.approvalStore = s }
}

// WithBudget enables two-phase budget enforcement.
func WithBudget(m budget.Manager) Option {
	return func(e *Engine) { e.budget = m }
}

// WithBudgetWindow sets the accounting window recorded in decision entries.
// It must match the window the manager enforces.
func WithBudgetWindow(w time.Duration) Option {
	return func(e *Engine) {
		if w > 0 {
			e.budgetWindow = w
		}
	}
}

// WithAuditLogger sets the operational audit sink.
func WithAuditLogger(l audit.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.audit = l
		}
	}
}

// WithLogger sets the slog logger for operational warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the engine clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithRequestIDFunc overrides request-id generation for testing.
func WithRequestIDFunc(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newRequestID = fn
		}
	}
}

// WithApprovalTTL sets the default approval wait. Capped by the store's
// hard maximum.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.approvalTTL = ttl
		}
	}
}

// WithIncludeErrorMessages opts ledger error envelopes into carrying the
// error message instead of just the error type.
func WithIncludeErrorMessages(include bool) Option {
	return func(e *Engine) { e.includeErrorMessages = include }
}

// WithMaxErrorLength bounds error envelope messages.
func WithMaxErrorLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxErrorLength = n
		}
	}
}

// WithRateLimit gates invocations through a token bucket before any other
// work. Zero disables the gate.
func WithRateLimit(perSecond rate.Limit, burst int) Option {
	return func(e *Engine) {
		if perSecond > 0 && burst > 0 {
			e.limiter = rate.NewLimiter(perSecond, burst)
		}
	}
}

// WithTracer emits one span per guarded call.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}
