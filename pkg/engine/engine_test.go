package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sudogate/pkg/approval"
	"github.com/Mindburn-Labs/sudogate/pkg/audit"
	"github.com/Mindburn-Labs/sudogate/pkg/budget"
	"github.com/Mindburn-Labs/sudogate/pkg/ledger"
	"github.com/Mindburn-Labs/sudogate/pkg/policy"
	"github.com/Mindburn-Labs/sudogate/pkg/redact"
)

type fixedPolicy struct {
	result policy.Result
	err    error
}

func (p fixedPolicy) Evaluate(policy.Context) (policy.Result, error) {
	return p.result, p.err
}

type approverFunc func(ctx context.Context, req approval.Request) (*approval.Decision, error)

func (f approverFunc) Approve(ctx context.Context, req approval.Request) (*approval.Decision, error) {
	return f(ctx, req)
}

func newFileLedger(t *testing.T) (*ledger.FileLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l := ledger.NewFileLedger(path)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func newEngine(t *testing.T, p policy.Policy, l ledger.Ledger, opts ...Option) *Engine {
	t.Helper()
	e, err := New(p, l, "agent-7", opts...)
	require.NoError(t, err)
	return e
}

func refundCall(invoked *bool) Call {
	return Call{
		Action: "payments.refund",
		Func: func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
			if invoked != nil {
				*invoked = true
			}
			return kwargs["amount"], nil
		},
		Kwargs: map[string]any{"user": "u1", "amount": int64(10)},
	}
}

func ledgerEntries(t *testing.T, l ledger.Ledger) []ledger.Entry {
	t.Helper()
	var entries []ledger.Entry
	err := l.IterVerified(context.Background(), nil, func(_ int, entry ledger.Entry) error {
		entries = append(entries, entry)
		return nil
	})
	require.NoError(t, err)
	return entries
}

func TestExecuteAllowPath(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{
		Decision:   policy.Allow,
		Reason:     "within limit",
		ReasonCode: policy.CodePolicyAllowLowRisk,
	}}
	e := newEngine(t, allow, l)

	invoked := false
	result, err := e.Execute(context.Background(), refundCall(&invoked))
	require.NoError(t, err)
	assert.True(t, invoked)
	assert.Equal(t, int64(10), result)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 2)
	assert.Equal(t, "decision", entries[0]["event"])
	assert.Equal(t, "outcome", entries[1]["event"])
	assert.Equal(t, entries[0]["request_id"], entries[1]["request_id"])

	decision := entries[0]["decision"].(map[string]any)
	assert.Equal(t, "allow", decision["effect"])
	assert.Equal(t, "within limit", decision["reason"])
	outcome := entries[1]["outcome"].(map[string]any)
	assert.Equal(t, "success", outcome["status"])

	report, err := l.Verify(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Entries)
}

func TestExecuteDenyPath(t *testing.T) {
	l, _ := newFileLedger(t)
	deny := fixedPolicy{result: policy.Result{
		Decision:   policy.Deny,
		Reason:     "blocked",
		ReasonCode: policy.CodePolicyDenyHighRisk,
	}}
	e := newEngine(t, deny, l)

	invoked := false
	_, err := e.Execute(context.Background(), Call{
		Action: "infra.delete_prod",
		Func: func(context.Context, []any, map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
	})
	var denied *ApprovalDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "blocked", denied.Reason)
	assert.False(t, invoked)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 1)
	decision := entries[0]["decision"].(map[string]any)
	assert.Equal(t, "deny", decision["effect"])
	assert.Equal(t, policy.CodePolicyDenyHighRisk, decision["reason_code"])
}

func TestExecuteApprovalGranted(t *testing.T) {
	l, _ := newFileLedger(t)
	gate := fixedPolicy{result: policy.Result{
		Decision: policy.RequireApproval,
		Reason:   "amount above threshold",
	}}
	store := approval.NewMemoryStore()
	approver := approverFunc(func(_ context.Context, req approval.Request) (*approval.Decision, error) {
		binding := req.Binding
		return &approval.Decision{Approved: true, ApproverID: "ops-1", Binding: &binding}, nil
	})
	e := newEngine(t, gate, l, WithApprover(approver), WithApprovalStore(store))

	invoked := false
	call := refundCall(&invoked)
	call.Kwargs["amount"] = int64(1500)
	result, err := e.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, invoked)
	assert.Equal(t, int64(1500), result)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 2)
	decision := entries[0]["decision"].(map[string]any)
	assert.Equal(t, "allow", decision["effect"])

	block := entries[0]["approval"].(map[string]any)
	assert.Equal(t, "approved", block["state"])
	assert.Equal(t, "ops-1", block["approver_id"])
	binding := block["binding"].(map[string]any)
	assert.Equal(t, entries[0]["request_id"], binding["request_id"])
	assert.Equal(t, decision["policy_hash"], binding["policy_hash"])
	assert.Equal(t, decision["decision_hash"], binding["decision_hash"])

	record, err := store.Fetch(context.Background(), entries[0]["request_id"].(string))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, approval.StateApproved, record.State)
}

func TestExecuteApprovalBindingMismatch(t *testing.T) {
	l, _ := newFileLedger(t)
	gate := fixedPolicy{result: policy.Result{
		Decision: policy.RequireApproval,
		Reason:   "amount above threshold",
	}}
	approver := approverFunc(func(_ context.Context, req approval.Request) (*approval.Decision, error) {
		forged := req.Binding
		// Flip one byte of the decision hash.
		forged.DecisionHash = "0" + forged.DecisionHash[1:]
		if strings.HasPrefix(req.Binding.DecisionHash, "0") {
			forged.DecisionHash = "1" + forged.DecisionHash[1:]
		}
		return &approval.Decision{Approved: true, ApproverID: "ops-1", Binding: &forged}, nil
	})
	e := newEngine(t, gate, l, WithApprover(approver))

	invoked := false
	call := refundCall(&invoked)
	_, err := e.Execute(context.Background(), call)
	var denied *ApprovalDenied
	require.ErrorAs(t, err, &denied)
	assert.False(t, invoked)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 1)
	decision := entries[0]["decision"].(map[string]any)
	assert.Equal(t, "deny", decision["effect"])
	assert.Equal(t, policy.CodeApprovalProcessFailed, decision["reason_code"])
}

func TestExecuteApprovalDenied(t *testing.T) {
	l, _ := newFileLedger(t)
	gate := fixedPolicy{result: policy.Result{
		Decision: policy.RequireApproval,
		Reason:   "amount above threshold",
	}}
	approver := approverFunc(func(_ context.Context, req approval.Request) (*approval.Decision, error) {
		binding := req.Binding
		return &approval.Decision{Approved: false, ApproverID: "ops-2", Binding: &binding}, nil
	})
	e := newEngine(t, gate, l, WithApprover(approver))

	_, err := e.Execute(context.Background(), refundCall(nil))
	var denied *ApprovalDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "amount above threshold", denied.Reason)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 1)
	decision := entries[0]["decision"].(map[string]any)
	assert.Equal(t, policy.CodeApprovalDenied, decision["reason_code"])
}

func TestExecuteApprovalTimeout(t *testing.T) {
	l, _ := newFileLedger(t)
	gate := fixedPolicy{result: policy.Result{
		Decision: policy.RequireApproval,
		Reason:   "needs a human",
	}}
	approver := approverFunc(func(ctx context.Context, _ approval.Request) (*approval.Decision, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	store := approval.NewMemoryStore()
	e := newEngine(t, gate, l, WithApprover(approver), WithApprovalStore(store))

	call := refundCall(nil)
	call.ApprovalTTL = 50 * time.Millisecond
	_, err := e.Execute(context.Background(), call)
	var approvalErr *ApprovalError
	require.ErrorAs(t, err, &approvalErr)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 1)
	decision := entries[0]["decision"].(map[string]any)
	assert.Equal(t, policy.CodeApprovalProcessFailed, decision["reason_code"])
	block := entries[0]["approval"].(map[string]any)
	assert.Equal(t, "expired", block["state"])
}

func TestExecuteNoApproverFailsClosed(t *testing.T) {
	l, _ := newFileLedger(t)
	gate := fixedPolicy{result: policy.Result{
		Decision: policy.RequireApproval,
		Reason:   "needs a human",
	}}
	e := newEngine(t, gate, l)

	invoked := false
	_, err := e.Execute(context.Background(), Call{
		Action: "payments.refund",
		Func: func(context.Context, []any, map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
	})
	var approvalErr *ApprovalError
	require.ErrorAs(t, err, &approvalErr)
	assert.False(t, invoked)
}

func TestExecutePolicyErrorFailsClosed(t *testing.T) {
	l, _ := newFileLedger(t)
	broken := fixedPolicy{err: errors.New("policy backend unavailable")}
	e := newEngine(t, broken, l)

	invoked := false
	_, err := e.Execute(context.Background(), Call{
		Action: "payments.refund",
		Func: func(context.Context, []any, map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
	})
	var policyErr *PolicyError
	require.ErrorAs(t, err, &policyErr)
	assert.False(t, invoked)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 1)
	decision := entries[0]["decision"].(map[string]any)
	assert.Equal(t, "deny", decision["effect"])
	assert.Equal(t, policy.CodePolicyEvaluationFailed, decision["reason_code"])
}

func TestExecuteBudgetExceeded(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	manager := budget.NewMemoryManager(budget.Limits{AgentLimit: 3})
	e := newEngine(t, allow, l, WithBudget(manager))

	cost := int64(5)
	call := refundCall(nil)
	call.BudgetCost = &cost
	_, err := e.Execute(context.Background(), call)
	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	exceeded, ok := budget.AsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, budget.ScopeAgent, exceeded.Scope)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 1)
	decision := entries[0]["decision"].(map[string]any)
	assert.Equal(t, "deny", decision["effect"])
	assert.Equal(t, policy.CodeBudgetExceededAgentRate, decision["reason_code"])
	block := entries[0]["budget"].(map[string]any)
	assert.Equal(t, true, block["checked"])
	assert.Equal(t, false, block["reserved"])
	assert.Nil(t, block["check_id"])
}

func TestExecuteBudgetIdempotentReplay(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	manager := budget.NewMemoryManager(budget.Limits{AgentLimit: 6})
	// Pin the request id so both invocations replay the same reservation.
	e := newEngine(t, allow, l,
		WithBudget(manager),
		WithRequestIDFunc(func() string { return "req-fixed" }),
	)

	cost := int64(5)
	for i := 0; i < 2; i++ {
		call := refundCall(nil)
		call.BudgetCost = &cost
		_, err := e.Execute(context.Background(), call)
		require.NoError(t, err, "invocation %d", i)
	}

	entries := ledgerEntries(t, l)
	block := entries[0]["budget"].(map[string]any)
	assert.Equal(t, true, block["checked"])
	assert.Equal(t, true, block["reserved"])
	assert.NotNil(t, block["check_id"])

	// A third call under a fresh request id sees the committed spend of 5,
	// not 10: 5 + 5 > 6 denies.
	e2 := newEngine(t, allow, l, WithBudget(manager))
	call := refundCall(nil)
	call.BudgetCost = &cost
	_, err := e2.Execute(context.Background(), call)
	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
}

// flakyLedger fails Append once the countdown reaches zero.
type flakyLedger struct {
	ledger.Ledger
	appendsBeforeFailure int
}

func (f *flakyLedger) Append(ctx context.Context, entry ledger.Entry) (string, error) {
	if f.appendsBeforeFailure <= 0 {
		return "", errors.New("disk full")
	}
	f.appendsBeforeFailure--
	return f.Ledger.Append(ctx, entry)
}

func TestExecuteLedgerFailureBlocksExecution(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	e := newEngine(t, allow, &flakyLedger{Ledger: l})

	invoked := false
	_, err := e.Execute(context.Background(), Call{
		Action: "payments.refund",
		Func: func(context.Context, []any, map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
	})
	var auditErr *AuditLogError
	require.ErrorAs(t, err, &auditErr)
	assert.False(t, invoked)

	// Nothing reached the ledger.
	assert.Empty(t, ledgerEntries(t, l))
}

func TestExecuteLedgerFailureEmitsSystemAuditEvent(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	var buf bytes.Buffer
	e := newEngine(t, allow, &flakyLedger{Ledger: l},
		WithAuditLogger(audit.NewLoggerWithWriter(&buf)))

	_, err := e.Execute(context.Background(), refundCall(nil))
	var auditErr *AuditLogError
	require.ErrorAs(t, err, &auditErr)

	var event audit.Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, audit.EventSystem, event.Type)
	assert.Equal(t, policy.CodeLedgerWriteFailedDecision, event.ReasonCode)
	assert.Equal(t, "payments.refund", event.Action)
}

func TestExecuteOutcomeFailureDoesNotMaskResult(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	// The decision append succeeds, the outcome append fails.
	e := newEngine(t, allow, &flakyLedger{Ledger: l, appendsBeforeFailure: 1})

	result, err := e.Execute(context.Background(), Call{
		Action: "payments.refund",
		Func: func(context.Context, []any, map[string]any) (any, error) {
			return "done", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, int64(1), e.ErrorCount())

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 1)
	assert.Equal(t, "decision", entries[0]["event"])
}

func TestExecuteCallErrorPropagatesWithOutcome(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	e := newEngine(t, allow, l)

	boom := errors.New("downstream unavailable")
	_, err := e.Execute(context.Background(), Call{
		Action: "payments.refund",
		Func: func(context.Context, []any, map[string]any) (any, error) {
			return nil, boom
		},
	})
	require.ErrorIs(t, err, boom)

	entries := ledgerEntries(t, l)
	require.Len(t, entries, 2)
	outcome := entries[1]["outcome"].(map[string]any)
	assert.Equal(t, "error", outcome["status"])
	// Messages are suppressed by default, only the type is recorded.
	assert.Equal(t, "errorString", outcome["error_type"])
}

func TestExecuteRedactsSensitiveParameters(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	e := newEngine(t, allow, l)

	var seenKwargs map[string]any
	_, err := e.Execute(context.Background(), Call{
		Action: "accounts.update",
		Func: func(_ context.Context, _ []any, kwargs map[string]any) (any, error) {
			seenKwargs = kwargs
			return nil, nil
		},
		Kwargs: map[string]any{"user": "u1", "api_key": "sk-live-abcdef0123456789"},
	})
	require.NoError(t, err)

	// The callable receives the original values.
	assert.Equal(t, "sk-live-abcdef0123456789", seenKwargs["api_key"])

	// The ledger sees only the sentinel.
	entries := ledgerEntries(t, l)
	params := entries[0]["parameters"].(map[string]any)
	kwargs := params["kwargs"].(map[string]any)
	assert.Equal(t, redact.Sentinel, kwargs["api_key"])
	assert.Equal(t, "u1", kwargs["user"])
}

func TestVerifyDetectsTamperAfterAllow(t *testing.T) {
	l, path := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{
		Decision:   policy.Allow,
		Reason:     "within limit",
		ReasonCode: policy.CodePolicyAllowLowRisk,
	}}
	e := newEngine(t, allow, l)

	_, err := e.Execute(context.Background(), refundCall(nil))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "within limit", "within  limit", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	report, err := ledger.NewFileLedger(path).Verify(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, report.FirstFailure)
	assert.False(t, report.OK)
	assert.Equal(t, 0, report.FirstFailure.Position)
	assert.Equal(t, ledger.KindTamper, report.FirstFailure.Kind)
}

func TestGuardFunc(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	e := newEngine(t, allow, l)

	guarded := e.GuardFunc("math.double", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0].(int64) * 2, nil
	})
	result, err := guarded(context.Background(), []any{int64(21)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result)

	require.Len(t, ledgerEntries(t, l), 2)
}

func TestNewValidatesInputs(t *testing.T) {
	l, _ := newFileLedger(t)
	_, err := New(nil, l, "agent-7")
	assert.Error(t, err)
	_, err = New(policy.AllowAll{}, nil, "agent-7")
	assert.Error(t, err)
	_, err = New(policy.AllowAll{}, l, "  ")
	assert.Error(t, err)
}

func TestDecisionHashRecomputableFromEntry(t *testing.T) {
	l, _ := newFileLedger(t)
	allow := fixedPolicy{result: policy.Result{Decision: policy.Allow, Reason: "ok"}}
	e := newEngine(t, allow, l)

	_, err := e.Execute(context.Background(), refundCall(nil))
	require.NoError(t, err)

	entries := ledgerEntries(t, l)
	entry := entries[0]
	decision := entry["decision"].(map[string]any)

	recomputed, err := ledger.DecisionHash(
		entry["request_id"].(string),
		entry["created_at"].(string),
		decision["policy_hash"].(string),
		entry["action"].(string),
		entry["parameters"].(map[string]any),
		entry["agent_id"].(string),
	)
	require.NoError(t, err)
	assert.Equal(t, decision["decision_hash"], recomputed)
}

func TestErrorEnvelope(t *testing.T) {
	env := errorEnvelope(errors.New("open /etc/secrets/key failed"), true, 200)
	assert.Equal(t, "errorString", env["error"], "paths are stripped")

	long := errors.New(strings.Repeat("x", 300))
	env = errorEnvelope(long, true, 200)
	assert.Len(t, env["error"], 200)
	assert.True(t, strings.HasSuffix(env["error"].(string), "..."))

	env = errorEnvelope(fmt.Errorf("wrapped: %w", errors.New("inner")), false, 200)
	assert.Equal(t, env["error_type"], env["error"])
}
