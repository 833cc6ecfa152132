package engine

import "errors"

// PolicyError means the policy raised or returned an invalid result. The
// caller sees it only after a deny record was written.
type PolicyError struct {
	msg string
	err error
}

func (e *PolicyError) Error() string { return "policy error: " + e.msg }
func (e *PolicyError) Unwrap() error { return e.err }

// ApprovalDenied is the normal "not authorized" outcome: the policy denied,
// the approver declined, or the approval binding did not match.
type ApprovalDenied struct {
	Reason string
}

func (e *ApprovalDenied) Error() string { return "denied: " + e.Reason }

// ApprovalError means the approval process itself failed: the approver
// errored or the wait timed out. Treated like denial.
type ApprovalError struct {
	msg string
	err error
}

func (e *ApprovalError) Error() string { return "approval error: " + e.msg }
func (e *ApprovalError) Unwrap() error { return e.err }

// BudgetError means the budget check failed or the manager was unavailable.
// Treated like denial; wraps budget.ExceededError when a limit was hit.
type BudgetError struct {
	msg string
	err error
}

func (e *BudgetError) Error() string { return "budget error: " + e.msg }
func (e *BudgetError) Unwrap() error { return e.err }

// AuditLogError means the decision could not be durably recorded. Execution
// is blocked unconditionally: this is the only pre-execution failure without
// a prior durable deny record.
type AuditLogError struct {
	msg string
	err error
}

func (e *AuditLogError) Error() string { return "audit log error: " + e.msg }
func (e *AuditLogError) Unwrap() error { return e.err }

// IsDenied reports whether err is the ordinary denial outcome.
func IsDenied(err error) bool {
	var denied *ApprovalDenied
	return errors.As(err, &denied)
}
