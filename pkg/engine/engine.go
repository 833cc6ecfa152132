// Package engine implements the fail-closed guarded-call pipeline:
// redaction, deterministic policy evaluation, optional approval bound to
// the decision hash, optional budget check/commit, a durable decision
// record, execution, and a best-effort outcome record. The guarded
// function runs only after the decision entry is durably appended to the
// tamper-evident ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/sudogate/pkg/approval"
	"github.com/Mindburn-Labs/sudogate/pkg/audit"
	"github.com/Mindburn-Labs/sudogate/pkg/budget"
	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
	"github.com/Mindburn-Labs/sudogate/pkg/ledger"
	"github.com/Mindburn-Labs/sudogate/pkg/policy"
)

// DefaultMaxErrorLength bounds error messages in ledger entries.
const DefaultMaxErrorLength = 200

// Func is a guarded callable. It receives the original, non-redacted
// arguments; redaction applies only to what policies, approvers, and the
// ledger observe.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Call describes one guarded invocation.
type Call struct {
	Action string
	Func   Func
	Args   []any
	Kwargs map[string]any

	// Policy overrides the engine's default policy for this call.
	Policy policy.Policy
	// BudgetCost overrides the default cost of 1.
	BudgetCost *int64
	// ApprovalTTL overrides the engine's default approval wait.
	ApprovalTTL time.Duration
	// Metadata is redacted and exposed to the policy.
	Metadata map[string]any
}

// Engine guards function calls behind policy, approval, and budget checks,
// with every decision durably recorded before execution. Safe for
// concurrent use; each invocation owns its own state.
type Engine struct {
	policy        policy.Policy
	ledger        ledger.Ledger
	approver      approval.Approver
	approvalStore approval.Store
	budget        budget.Manager
	budgetWindow  time.Duration
	audit         audit.Logger
	log           *slog.Logger
	agentID       string

	clock        func() time.Time
	newRequestID func() string
	approvalTTL  time.Duration

	includeErrorMessages bool
	maxErrorLength       int
	limiter              *rate.Limiter
	tracer               trace.Tracer

	errorCount atomic.Int64
}

// New creates an engine. The policy and ledger are mandatory; everything
// else is optional and fail-closed in its absence.
func New(p policy.Policy, l ledger.Ledger, agentID string, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("policy is required")
	}
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("agent id must be a non-empty string")
	}

	e := &Engine{
		policy:         p,
		ledger:         l,
		agentID:        agentID,
		budgetWindow:   budget.DefaultWindow,
		audit:          audit.Discard,
		log:            slog.Default(),
		clock:          time.Now,
		newRequestID:   uuid.NewString,
		approvalTTL:    approval.DefaultTTL,
		maxErrorLength: DefaultMaxErrorLength,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ErrorCount reports how many best-effort outcome writes have failed since
// the engine was created.
func (e *Engine) ErrorCount() int64 { return e.errorCount.Load() }

// GuardFunc wraps fn so every invocation goes through the engine.
func (e *Engine) GuardFunc(action string, fn Func) Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return e.Execute(ctx, Call{Action: action, Func: fn, Args: args, Kwargs: kwargs})
	}
}

// Execute runs one guarded call. The guarded function is invoked only when
// the policy allows (directly or via approval), the budget accepts, and the
// decision entry is durably written.
func (e *Engine) Execute(ctx context.Context, call Call) (result any, err error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate gate: %w", err)
		}
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sudogate.execute",
			trace.WithAttributes(attribute.String("sudogate.action", call.Action)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	state, err := e.buildState(call)
	if err != nil {
		return nil, &PolicyError{msg: "context construction failed", err: err}
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("sudogate.request_id", state.requestID))
	}

	effective := e.policy
	if call.Policy != nil {
		effective = call.Policy
	}

	policyResult, reasonCode, evalErr := e.evaluatePolicy(effective, state)
	if evalErr != nil {
		envelope := errorEnvelope(evalErr, e.includeErrorMessages, e.maxErrorLength)
		if logErr := e.writeDecision(ctx, state, "deny", "policy evaluation failed",
			policy.CodePolicyEvaluationFailed, nil, nil, envelope); logErr != nil {
			return nil, logErr
		}
		return nil, &PolicyError{msg: "policy evaluation failed", err: evalErr}
	}

	switch policyResult.Decision {
	case policy.Allow:
		return e.executeAllowed(ctx, call, state, policyResult.Reason, reasonCode, nil)
	case policy.Deny:
		if logErr := e.writeDecision(ctx, state, "deny", policyResult.Reason, reasonCode, nil, nil, nil); logErr != nil {
			return nil, logErr
		}
		return nil, &ApprovalDenied{Reason: policyResult.Reason}
	default:
		return e.executeWithApproval(ctx, call, state, policyResult, reasonCode)
	}
}

// evaluatePolicy runs the deterministic policy. Validate bounds the result
// to the three known decisions.
func (e *Engine) evaluatePolicy(p policy.Policy, state *callState) (policy.Result, string, error) {
	result, err := p.Evaluate(state.policyCtx)
	if err != nil {
		return policy.Result{}, "", err
	}
	if err := result.Validate(); err != nil {
		return policy.Result{}, "", err
	}
	reasonCode := result.ReasonCode
	if reasonCode == "" {
		reasonCode = policy.DefaultReasonCode(result.Decision)
	}
	return result, reasonCode, nil
}

func (e *Engine) executeAllowed(
	ctx context.Context,
	call Call,
	state *callState,
	reason, reasonCode string,
	info *approvalInfo,
) (any, error) {
	// Budget check before the decision is written; the check result is
	// authoritative and the reservation id rides into the outcome commit.
	var budgetBlock map[string]any
	if e.budget != nil {
		check, err := e.budget.Check(ctx, state.requestID, state.agentID, state.action, state.budgetCost)
		if err != nil {
			code := policy.CodeBudgetEvaluationFailed
			msg := "budget evaluation failed"
			if exceeded, ok := budget.AsExceeded(err); ok {
				msg = "budget exceeded"
				switch exceeded.Scope {
				case budget.ScopeAgent:
					code = policy.CodeBudgetExceededAgentRate
				case budget.ScopeTool:
					code = policy.CodeBudgetExceededToolRate
				}
			}
			// The failed check reserved nothing: the block records the
			// attempt without a reservation id.
			if logErr := e.writeDecision(ctx, state, "deny", msg, code, info,
				state.budgetBlock(e.budgetWindow, false), nil); logErr != nil {
				return nil, logErr
			}
			return nil, &BudgetError{msg: msg, err: err}
		}
		state.checkID = check.CheckID
		budgetBlock = state.budgetBlock(e.budgetWindow, true)
	}

	// Decision logging is the last step before execution: anything able to
	// observe the side effect is guaranteed a chained authorization record.
	if logErr := e.writeDecision(ctx, state, "allow", reason, reasonCode, info, budgetBlock, nil); logErr != nil {
		return nil, logErr
	}

	result, err := call.Func(ctx, call.Args, call.Kwargs)
	if err != nil {
		e.writeOutcome(ctx, state, reason, reasonCode, "error", err)
		return nil, err
	}
	e.writeOutcome(ctx, state, reason, reasonCode, "success", nil)
	return result, nil
}

func (e *Engine) executeWithApproval(
	ctx context.Context,
	call Call,
	state *callState,
	policyResult policy.Result,
	reasonCode string,
) (any, error) {
	binding := state.binding()
	expiresAt := e.clock().UTC().Add(state.approvalTTL)

	if e.approvalStore != nil {
		if _, err := e.approvalStore.ExpireOverdue(ctx); err != nil {
			e.log.Warn("expire overdue approvals", "error", err)
		}
		if err := e.approvalStore.CreatePending(ctx, binding, &expiresAt); err != nil {
			return nil, e.approvalFailed(ctx, state, "approval process failed", err)
		}
	}

	if e.approver == nil {
		return nil, e.approvalFailed(ctx, state, "no approver configured",
			fmt.Errorf("approval required but no approver configured"))
	}

	approveCtx, cancel := context.WithTimeout(ctx, state.approvalTTL)
	decision, err := e.approver.Approve(approveCtx, approval.Request{
		Binding:    binding,
		Action:     state.action,
		AgentID:    state.agentID,
		Parameters: state.parameters(),
		Reason:     policyResult.Reason,
		ExpiresAt:  expiresAt,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			info := e.resolveApproval(ctx, state, approval.StateExpired, "")
			info.approved = false
			if logErr := e.writeDecision(ctx, state, "deny", "approval expired",
				policy.CodeApprovalProcessFailed, info, nil, nil); logErr != nil {
				return nil, logErr
			}
			return nil, &ApprovalError{msg: "approval expired", err: err}
		}
		return nil, e.approvalFailed(ctx, state, "approval process failed", err)
	}

	approved := decision != nil && decision.Approved
	approverID := ""
	respBinding := &binding
	if decision != nil {
		approverID = decision.ApproverID
		if decision.Binding != nil {
			respBinding = decision.Binding
		}
	}

	// A binding to a different decision is an automatic rejection.
	if !binding.Matches(*respBinding) {
		info := e.resolveApproval(ctx, state, approval.StateDenied, approverID)
		info.binding = respBinding
		if logErr := e.writeDecision(ctx, state, "deny", "approval binding mismatch",
			policy.CodeApprovalProcessFailed, info, nil, nil); logErr != nil {
			return nil, logErr
		}
		return nil, &ApprovalDenied{Reason: "approval binding mismatch"}
	}

	if !approved {
		info := e.resolveApproval(ctx, state, approval.StateDenied, approverID)
		info.binding = respBinding
		if logErr := e.writeDecision(ctx, state, "deny", policyResult.Reason,
			policy.CodeApprovalDenied, info, nil, nil); logErr != nil {
			return nil, logErr
		}
		return nil, &ApprovalDenied{Reason: policyResult.Reason}
	}

	info := e.resolveApproval(ctx, state, approval.StateApproved, approverID)
	info.approved = true
	info.binding = respBinding
	return e.executeAllowed(ctx, call, state, policyResult.Reason, reasonCode, info)
}

// approvalFailed records the deny decision for an approval-process failure
// and returns the error the caller should surface.
func (e *Engine) approvalFailed(ctx context.Context, state *callState, msg string, cause error) error {
	info := e.resolveApproval(ctx, state, approval.StateFailed, "")
	envelope := errorEnvelope(cause, e.includeErrorMessages, e.maxErrorLength)
	if logErr := e.writeDecision(ctx, state, "deny", msg,
		policy.CodeApprovalProcessFailed, info, nil, envelope); logErr != nil {
		return logErr
	}
	return &ApprovalError{msg: msg, err: cause}
}

// resolveApproval moves the stored approval to a terminal state and returns
// the approval block inputs for the decision entry.
func (e *Engine) resolveApproval(ctx context.Context, state *callState, st approval.State, approverID string) *approvalInfo {
	info := &approvalInfo{
		approved:   st == approval.StateApproved,
		state:      st,
		approverID: approverID,
	}
	if e.approvalStore == nil {
		return info
	}
	if err := e.approvalStore.Resolve(ctx, state.requestID, st, approverID); err != nil {
		e.log.Warn("resolve approval", "request_id", state.requestID, "state", st, "error", err)
	}
	if record, err := e.approvalStore.Fetch(ctx, state.requestID); err == nil && record != nil {
		info.record = record
		info.state = record.State
	}
	return info
}

// writeDecision appends the decision entry and records the operational
// event. Fail-closed: any error here blocks execution.
func (e *Engine) writeDecision(
	ctx context.Context,
	state *callState,
	effect, reason, reasonCode string,
	info *approvalInfo,
	budget map[string]any,
	envelope map[string]any,
) error {
	metadata := map[string]any{}
	for k, v := range envelope {
		metadata[k] = v
	}
	if reasonCode != "" {
		metadata["reason_code"] = reasonCode
	}

	var approvalBlock any
	if info != nil {
		approvalBlock = info.block(state.requestID)
	}
	var budgetBlock any
	if budget != nil {
		budgetBlock = budget
	}

	entry := ledger.Entry{
		ledger.FieldSchemaVersion: ledger.SchemaVersion,
		ledger.FieldLedgerVersion: ledger.LedgerVersion,
		ledger.FieldRequestID:     state.requestID,
		ledger.FieldCreatedAt:     state.decisionAtText,
		ledger.FieldEvent:         ledger.EventDecision,
		ledger.FieldAction:        state.action,
		ledger.FieldAgentID:       state.agentID,
		ledger.FieldDecision:      state.decisionBlock(effect, reason, reasonCode),
		"approval":                approvalBlock,
		"budget":                  budgetBlock,
		ledger.FieldParameters:    state.parameters(),
		"metadata":                metadata,
	}

	if _, err := e.ledger.Append(ctx, entry); err != nil {
		// The call is about to be refused; the system event is the only
		// trace of why, so record it even though the ledger is down.
		_ = e.audit.Record(ctx, audit.Event{
			Timestamp:  state.decisionAt,
			Type:       audit.EventSystem,
			RequestID:  state.requestID,
			Action:     state.action,
			AgentID:    state.agentID,
			Reason:     "decision write failed",
			ReasonCode: policy.CodeLedgerWriteFailedDecision,
		})
		return &AuditLogError{msg: "decision write failed", err: err}
	}

	if err := e.audit.Record(ctx, audit.Event{
		Timestamp:  state.decisionAt,
		Type:       audit.EventDecision,
		RequestID:  state.requestID,
		Action:     state.action,
		AgentID:    state.agentID,
		Effect:     effect,
		Reason:     reason,
		ReasonCode: reasonCode,
	}); err != nil {
		return &AuditLogError{msg: "decision audit write failed", err: err}
	}
	return nil
}

// writeOutcome appends the outcome entry and commits the budget
// reservation. Best-effort: failures are counted and logged but never
// replace the guarded function's result or error.
func (e *Engine) writeOutcome(ctx context.Context, state *callState, reason, reasonCode, status string, callErr error) {
	if e.budget != nil && state.checkID != "" {
		if err := e.budget.Commit(ctx, state.requestID, state.checkID, state.budgetCost); err != nil {
			e.errorCount.Add(1)
			e.log.Warn("budget commit failed", "request_id", state.requestID, "error", err)
		}
	}

	outcome := map[string]any{
		"status":      status,
		"reason":      reason,
		"reason_code": orNil(reasonCode),
		"error_type":  nil,
		"error":       nil,
	}
	if callErr != nil {
		envelope := errorEnvelope(callErr, e.includeErrorMessages, e.maxErrorLength)
		outcome["error"] = envelope["error"]
		outcome["error_type"] = envelope["error_type"]
	}

	now := e.clock().UTC()
	entry := ledger.Entry{
		ledger.FieldSchemaVersion: ledger.SchemaVersion,
		ledger.FieldLedgerVersion: ledger.LedgerVersion,
		ledger.FieldRequestID:     state.requestID,
		ledger.FieldCreatedAt:     canonical.FormatTime(now),
		ledger.FieldEvent:         ledger.EventOutcome,
		ledger.FieldAction:        state.action,
		ledger.FieldAgentID:       state.agentID,
		ledger.FieldDecision:      state.outcomeDecisionBlock(reason, reasonCode),
		ledger.FieldOutcome:       outcome,
		ledger.FieldParameters:    state.parameters(),
	}
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		e.errorCount.Add(1)
		e.log.Warn("outcome write failed", "request_id", state.requestID, "error", err)
	}

	if err := e.audit.Record(ctx, audit.Event{
		Timestamp: now,
		Type:      audit.EventOutcome,
		RequestID: state.requestID,
		Action:    state.action,
		AgentID:   state.agentID,
		Effect:    status,
		Reason:    reason,
	}); err != nil {
		e.errorCount.Add(1)
		e.log.Warn("outcome audit write failed", "request_id", state.requestID, "error", err)
	}
}
