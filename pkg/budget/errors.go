package budget

import (
	"errors"
	"fmt"
)

// Budget scopes, reported on ExceededError.
const (
	ScopeAgent = "agent"
	ScopeTool  = "tool"
)

// ExceededError means a reservation would cross a configured limit.
type ExceededError struct {
	Scope string
	Limit int64
	Usage int64
	Cost  int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: usage %d + cost %d > limit %d", e.Scope, e.Usage, e.Cost, e.Limit)
}

// AsExceeded extracts an ExceededError, if err carries one.
func AsExceeded(err error) (*ExceededError, bool) {
	var exceeded *ExceededError
	if errors.As(err, &exceeded) {
		return exceeded, true
	}
	return nil, false
}

// StateError means the check/commit protocol was violated or the backing
// store failed; callers must treat it as a denial.
type StateError struct {
	msg string
	err error
}

func (e *StateError) Error() string { return "budget state error: " + e.msg }
func (e *StateError) Unwrap() error { return e.err }

func stateErrorf(format string, args ...any) *StateError {
	return &StateError{msg: fmt.Sprintf(format, args...)}
}

func wrapStateError(op string, err error) *StateError {
	return &StateError{msg: op + " failed", err: err}
}
