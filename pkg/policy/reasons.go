package policy

// Stable reason-code taxonomy. Codes are part of the ledger format: they
// appear in decision records and downstream reporting keys off them, so
// they never change spelling.
const (
	CodePolicyAllowLowRisk             = "POLICY_ALLOW_LOW_RISK"
	CodePolicyDenyHighRisk             = "POLICY_DENY_HIGH_RISK"
	CodePolicyRequireApprovalHighValue = "POLICY_REQUIRE_APPROVAL_HIGH_VALUE"
	CodePolicyEvaluationFailed         = "POLICY_EVALUATION_FAILED"

	CodeBudgetExceededAgentRate = "BUDGET_EXCEEDED_AGENT_RATE"
	CodeBudgetExceededToolRate  = "BUDGET_EXCEEDED_TOOL_RATE"
	CodeBudgetEvaluationFailed  = "BUDGET_EVALUATION_FAILED"

	CodeApprovalDenied        = "APPROVAL_DENIED"
	CodeApprovalProcessFailed = "APPROVAL_PROCESS_FAILED"

	CodeLedgerWriteFailedDecision = "LEDGER_WRITE_FAILED_DECISION"
)

// DefaultReasonCode maps a decision to the taxonomy code used when the
// policy did not supply one.
func DefaultReasonCode(d Decision) string {
	switch d {
	case Allow:
		return CodePolicyAllowLowRisk
	case Deny:
		return CodePolicyDenyHighRisk
	case RequireApproval:
		return CodePolicyRequireApprovalHighValue
	}
	return ""
}
