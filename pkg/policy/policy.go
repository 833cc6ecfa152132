// Package policy defines the deterministic decision surface evaluated once
// per guarded call. Policies are plain code objects, not a DSL: anything
// implementing Evaluate over a redacted Context can gate execution.
package policy

import (
	"fmt"
	"reflect"
	"strings"
)

// Decision is the outcome of evaluating one guarded action.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

func validDecision(d Decision) bool {
	switch d {
	case Allow, Deny, RequireApproval:
		return true
	}
	return false
}

// Context is the redacted snapshot of one guarded call. Policies only ever
// see redacted inputs; the raw arguments never reach evaluation.
type Context struct {
	Action   string
	Args     []any
	Kwargs   map[string]any
	Metadata map[string]any
}

// Result is a policy's answer for one call. ReasonCode is optional; when a
// policy leaves it empty the engine substitutes the default code for the
// decision.
type Result struct {
	Decision   Decision
	Reason     string
	ReasonCode string
}

// Validate checks that the result is well-formed: a known decision and a
// non-empty reason.
func (r Result) Validate() error {
	if !validDecision(r.Decision) {
		return fmt.Errorf("invalid policy decision %q", r.Decision)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("policy reason must be a non-empty string")
	}
	return nil
}

// Policy gates guarded actions. Evaluate must be deterministic and
// side-effect-free; the engine may call it concurrently from multiple
// invocations.
type Policy interface {
	Evaluate(ctx Context) (Result, error)
}

// Identified is implemented by policies that carry a stable identifier.
// Policies without one are identified by their fully-qualified type name.
type Identified interface {
	PolicyID() string
}

// Versioned is implemented by policies that expose a version string, mixed
// into the policy hash.
type Versioned interface {
	PolicyVersion() string
}

// SourceHashed is implemented by policies that can digest their own decision
// logic, mixed into the policy hash so logic changes are visible in the
// ledger.
type SourceHashed interface {
	PolicySourceHash() string
}

// Hashed is implemented by policies that pin their hash explicitly. An
// explicit hash wins over the derived composition.
type Hashed interface {
	PolicyHash() string
}

// ID returns the policy's stable identifier: the explicit PolicyID when
// present and non-blank, otherwise the fully-qualified type name.
func ID(p Policy) string {
	if identified, ok := p.(Identified); ok {
		if id := strings.TrimSpace(identified.PolicyID()); id != "" {
			return id
		}
	}
	t := reflect.TypeOf(p)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// AllowAll permits every action.
type AllowAll struct{}

func (AllowAll) Evaluate(Context) (Result, error) {
	return Result{Decision: Allow, Reason: "allowed"}, nil
}

// DenyAll blocks every action.
type DenyAll struct{}

func (DenyAll) Evaluate(Context) (Result, error) {
	return Result{Decision: Deny, Reason: "denied"}, nil
}

// Threshold requires approval when a named numeric keyword argument meets
// or exceeds Limit, allows below it, and denies calls missing the field
// when Require is set.
type Threshold struct {
	Field   string
	Limit   float64
	Require bool
}

func (p Threshold) Evaluate(ctx Context) (Result, error) {
	raw, ok := ctx.Kwargs[p.Field]
	if !ok {
		if p.Require {
			return Result{
				Decision:   Deny,
				Reason:     fmt.Sprintf("missing required field %q", p.Field),
				ReasonCode: CodePolicyDenyHighRisk,
			}, nil
		}
		return Result{Decision: Allow, Reason: "no threshold field present"}, nil
	}

	value, err := numericValue(raw)
	if err != nil {
		return Result{}, fmt.Errorf("threshold field %q: %w", p.Field, err)
	}
	if value >= p.Limit {
		return Result{
			Decision:   RequireApproval,
			Reason:     fmt.Sprintf("%s %v meets approval threshold %v", p.Field, raw, p.Limit),
			ReasonCode: CodePolicyRequireApprovalHighValue,
		}, nil
	}
	return Result{
		Decision:   Allow,
		Reason:     "within limit",
		ReasonCode: CodePolicyAllowLowRisk,
	}, nil
}

func numericValue(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case interface{ Float64() (float64, error) }: // json.Number
		return n.Float64()
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}
