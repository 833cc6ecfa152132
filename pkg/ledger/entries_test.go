package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
)

const (
	testAgentID    = "agent-7"
	testAction     = "payments.refund"
	testPolicyHash = "5b0c45c85c695b22553d7d02e7aa04287acb5e6a8f01fd5a80a84ea440b1f2a3"
)

var testBase = time.Date(2024, 5, 1, 12, 30, 0, 123000, time.UTC)

// newDecisionEntry builds a well-formed decision entry whose decision_hash
// is derived the same way the engine derives it.
func newDecisionEntry(t *testing.T, requestID string, at time.Time) Entry {
	t.Helper()
	createdAt := canonical.FormatTime(at)
	params := map[string]any{
		"args":   []any{},
		"kwargs": map[string]any{"amount": json.Number("100"), "currency": "USD"},
	}
	decisionHash, err := DecisionHash(requestID, createdAt, testPolicyHash, testAction, params, testAgentID)
	require.NoError(t, err)

	return Entry{
		FieldSchemaVersion: SchemaVersion,
		FieldLedgerVersion: LedgerVersion,
		FieldRequestID:     requestID,
		FieldCreatedAt:     createdAt,
		FieldEvent:         EventDecision,
		FieldAction:        testAction,
		FieldAgentID:       testAgentID,
		FieldDecision: map[string]any{
			"effect":         "allow",
			"reason":         "within limit",
			"reason_code":    "POLICY_ALLOW_LOW_RISK",
			"policy_id":      "allow-all",
			"policy_version": nil,
			"policy_hash":    testPolicyHash,
			"decision_hash":  decisionHash,
		},
		"approval":      nil,
		"budget":        nil,
		FieldParameters: params,
		"metadata":      map[string]any{"agent_id": testAgentID},
	}
}

// newOutcomeEntry builds the outcome sibling of a decision entry.
func newOutcomeEntry(t *testing.T, decision Entry, status string) Entry {
	t.Helper()
	decisionBlock := decision[FieldDecision].(map[string]any)
	return Entry{
		FieldSchemaVersion: SchemaVersion,
		FieldLedgerVersion: LedgerVersion,
		FieldRequestID:     decision[FieldRequestID],
		FieldCreatedAt:     canonical.FormatTime(testBase.Add(time.Second)),
		FieldEvent:         EventOutcome,
		FieldAction:        testAction,
		FieldAgentID:       testAgentID,
		FieldDecision: map[string]any{
			"decision_hash":  decisionBlock["decision_hash"],
			"policy_id":      decisionBlock["policy_id"],
			"policy_version": nil,
			"policy_hash":    testPolicyHash,
			"reason":         "executed",
			"reason_code":    nil,
		},
		FieldOutcome: map[string]any{
			"status":      status,
			"reason":      "executed",
			"reason_code": nil,
			"error_type":  nil,
			"error":       nil,
		},
		FieldParameters: decision[FieldParameters],
	}
}
