package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedPolicy struct{}

func (namedPolicy) Evaluate(Context) (Result, error) {
	return Result{Decision: Allow, Reason: "named"}, nil
}

func (namedPolicy) PolicyID() string { return "refund-guard" }

type versionedPolicy struct {
	version string
}

func (versionedPolicy) Evaluate(Context) (Result, error) {
	return Result{Decision: Allow, Reason: "versioned"}, nil
}

func (p versionedPolicy) PolicyVersion() string { return p.version }

type pinnedPolicy struct{}

func (pinnedPolicy) Evaluate(Context) (Result, error) {
	return Result{Decision: Allow, Reason: "pinned"}, nil
}

func (pinnedPolicy) PolicyHash() string { return "feedface" }

func TestResultValidate(t *testing.T) {
	assert.NoError(t, Result{Decision: Allow, Reason: "ok"}.Validate())
	assert.Error(t, Result{Decision: Allow, Reason: "  "}.Validate())
	assert.Error(t, Result{Decision: Decision("maybe"), Reason: "ok"}.Validate())
}

func TestBuiltinPolicies(t *testing.T) {
	ctx := Context{Action: "payments.refund"}

	result, err := AllowAll{}.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Allow, result.Decision)

	result, err = DenyAll{}.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Deny, result.Decision)
}

func TestThresholdPolicy(t *testing.T) {
	p := Threshold{Field: "amount", Limit: 1000}

	result, err := p.Evaluate(Context{Kwargs: map[string]any{"amount": json.Number("10")}})
	require.NoError(t, err)
	assert.Equal(t, Allow, result.Decision)
	assert.Equal(t, CodePolicyAllowLowRisk, result.ReasonCode)

	result, err = p.Evaluate(Context{Kwargs: map[string]any{"amount": json.Number("1500")}})
	require.NoError(t, err)
	assert.Equal(t, RequireApproval, result.Decision)
	assert.Equal(t, CodePolicyRequireApprovalHighValue, result.ReasonCode)

	// Missing field allows unless Require is set.
	result, err = p.Evaluate(Context{Kwargs: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, Allow, result.Decision)

	strict := Threshold{Field: "amount", Limit: 1000, Require: true}
	result, err = strict.Evaluate(Context{Kwargs: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, Deny, result.Decision)

	_, err = p.Evaluate(Context{Kwargs: map[string]any{"amount": "lots"}})
	assert.Error(t, err)
}

func TestPolicyIDDefaultsToTypeName(t *testing.T) {
	assert.Equal(t, "refund-guard", ID(namedPolicy{}))
	assert.Equal(t, "github.com/Mindburn-Labs/sudogate/pkg/policy.AllowAll", ID(AllowAll{}))
	assert.Equal(t, ID(Threshold{}), ID(&Threshold{}))
}

func TestHashStableAndSensitive(t *testing.T) {
	h1, err := Hash(versionedPolicy{version: "1"})
	require.NoError(t, err)
	h2, err := Hash(versionedPolicy{version: "1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := Hash(versionedPolicy{version: "2"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	h4, err := Hash(AllowAll{})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestHashPrefersExplicitHash(t *testing.T) {
	h, err := Hash(pinnedPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "feedface", h)
}

func TestDefaultReasonCodes(t *testing.T) {
	assert.Equal(t, CodePolicyAllowLowRisk, DefaultReasonCode(Allow))
	assert.Equal(t, CodePolicyDenyHighRisk, DefaultReasonCode(Deny))
	assert.Equal(t, CodePolicyRequireApprovalHighValue, DefaultReasonCode(RequireApproval))
	assert.Equal(t, "", DefaultReasonCode(Decision("other")))
}
