package ledger

import (
	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
)

// decisionHashVersion versions the decision-hash payload shape, independent
// of the entry schema.
const decisionHashVersion = "2.0"

// ActorSource identifies the SDK as the acting principal's channel in
// decision-hash payloads.
const ActorSource = "sdk"

// DecisionHash computes the stable identifier of a decision: the hash bound
// by approvals and referenced by outcome entries. parameters must already be
// redacted.
func DecisionHash(requestID, decisionAt, policyHash, action string, parameters map[string]any, agentID string) (string, error) {
	payload := map[string]any{
		"version":     decisionHashVersion,
		"request_id":  requestID,
		"decision_at": decisionAt,
		"policy_hash": policyHash,
		"intent":      action,
		"resource":    map[string]any{"type": "function", "name": action},
		"parameters":  parameters,
		"actor":       map[string]any{"principal": agentID, "source": ActorSource},
	}
	return canonical.Hash(payload)
}
