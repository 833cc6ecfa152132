package engine

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Mindburn-Labs/sudogate/pkg/approval"
	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
	"github.com/Mindburn-Labs/sudogate/pkg/ledger"
	"github.com/Mindburn-Labs/sudogate/pkg/policy"
	"github.com/Mindburn-Labs/sudogate/pkg/redact"
)

// callState is the immutable snapshot of one guarded call. Everything the
// decision and outcome entries need is captured up front so the two records
// cannot drift apart.
type callState struct {
	requestID      string
	action         string
	safeArgs       []any
	safeKwargs     map[string]any
	policyCtx      policy.Context
	policyID       string
	policyVersion  any
	policyHash     string
	decisionAt     time.Time
	decisionAtText string
	decisionHash   string
	agentID        string
	budgetCost     int64
	approvalTTL    time.Duration

	// set after a successful budget check
	checkID string
}

func (e *Engine) buildState(call Call) (*callState, error) {
	if strings.TrimSpace(call.Action) == "" {
		return nil, fmt.Errorf("action must be a non-empty string")
	}
	if call.Func == nil {
		return nil, fmt.Errorf("guarded func is required")
	}

	effective := e.policy
	if call.Policy != nil {
		effective = call.Policy
	}

	policyHash, err := policy.Hash(effective)
	if err != nil {
		return nil, fmt.Errorf("compute policy hash: %w", err)
	}
	var version any
	if versioned, ok := effective.(policy.Versioned); ok {
		version = versioned.PolicyVersion()
	}

	state := &callState{
		requestID:  e.newRequestID(),
		action:     call.Action,
		safeArgs:   redact.Args(call.Args),
		safeKwargs: redact.Kwargs(call.Kwargs),
		policyID:   policy.ID(effective),
		policyHash: policyHash,
		agentID:    e.agentID,
		budgetCost: 1,
	}
	state.policyVersion = version
	if call.BudgetCost != nil {
		state.budgetCost = *call.BudgetCost
	}
	state.approvalTTL = e.approvalTTL
	if call.ApprovalTTL > 0 {
		state.approvalTTL = call.ApprovalTTL
	}
	if state.approvalTTL > approval.MaxTTL {
		state.approvalTTL = approval.MaxTTL
	}

	state.decisionAt = e.clock().UTC()
	state.decisionAtText = canonical.FormatTime(state.decisionAt)
	state.decisionHash, err = ledger.DecisionHash(
		state.requestID, state.decisionAtText, state.policyHash,
		state.action, state.parameters(), state.agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("compute decision hash: %w", err)
	}

	metadata := map[string]any{"agent_id": state.agentID, "_redacted": true}
	for k, v := range redact.Kwargs(call.Metadata) {
		metadata[k] = v
	}
	state.policyCtx = policy.Context{
		Action:   state.action,
		Args:     state.safeArgs,
		Kwargs:   state.safeKwargs,
		Metadata: metadata,
	}
	return state, nil
}

func (s *callState) parameters() map[string]any {
	args := make([]any, len(s.safeArgs))
	copy(args, s.safeArgs)
	return map[string]any{"args": args, "kwargs": s.safeKwargs}
}

func (s *callState) binding() approval.Binding {
	return approval.Binding{
		RequestID:    s.requestID,
		PolicyHash:   s.policyHash,
		DecisionHash: s.decisionHash,
	}
}

func (s *callState) decisionBlock(effect, reason, reasonCode string) map[string]any {
	return map[string]any{
		"effect":         effect,
		"reason":         reason,
		"reason_code":    orNil(reasonCode),
		"policy_id":      s.policyID,
		"policy_version": s.policyVersion,
		"policy_hash":    s.policyHash,
		"decision_hash":  s.decisionHash,
	}
}

// budgetBlock describes the budget check for the decision entry. reserved
// is false when the check denied or errored, so no reservation id exists.
func (s *callState) budgetBlock(window time.Duration, reserved bool) map[string]any {
	block := map[string]any{
		"agent_id":       s.agentID,
		"action":         s.action,
		"cost":           s.budgetCost,
		"window_seconds": int64(window / time.Second),
		"checked":        true,
		"reserved":       reserved,
		"check_id":       nil,
	}
	if reserved {
		block["check_id"] = orNil(s.checkID)
	}
	return block
}

func (s *callState) outcomeDecisionBlock(reason, reasonCode string) map[string]any {
	return map[string]any{
		"decision_hash":  s.decisionHash,
		"policy_id":      s.policyID,
		"policy_version": s.policyVersion,
		"policy_hash":    s.policyHash,
		"reason":         reason,
		"reason_code":    orNil(reasonCode),
	}
}

// approvalInfo captures how the approval went, for the decision entry's
// approval block.
type approvalInfo struct {
	approved   bool
	state      approval.State
	approverID string
	binding    *approval.Binding
	record     *approval.Record
}

func (a *approvalInfo) block(requestID string) map[string]any {
	block := map[string]any{
		"approval_id": requestID,
		"approver_id": orNil(a.approverID),
		"state":       string(a.state),
		"created_at":  nil,
		"resolved_at": nil,
		"expires_at":  nil,
		"binding":     nil,
	}
	if a.record != nil {
		block["created_at"] = canonical.FormatTime(a.record.CreatedAt)
		block["expires_at"] = canonical.FormatTime(a.record.ExpiresAt)
		if a.record.ResolvedAt != nil {
			block["resolved_at"] = canonical.FormatTime(*a.record.ResolvedAt)
		}
		if a.approverID == "" {
			block["approver_id"] = orNil(a.record.ApproverID)
		}
	}
	if a.binding != nil {
		block["binding"] = map[string]any{
			"request_id":    a.binding.RequestID,
			"policy_hash":   a.binding.PolicyHash,
			"decision_hash": a.binding.DecisionHash,
		}
	}
	return block
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// errorEnvelope renders an error for ledger entries: no stack traces, no
// file paths, bounded length.
func errorEnvelope(err error, includeMessage bool, maxLength int) map[string]any {
	errType := errorTypeName(err)
	msg := errType
	if includeMessage {
		msg = err.Error()
	}
	if strings.ContainsAny(msg, "/\\") {
		msg = errType
	}
	if len(msg) > maxLength {
		msg = msg[:maxLength-3] + "..."
	}
	return map[string]any{"error": msg, "error_type": errType}
}

func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
