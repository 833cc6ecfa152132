package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticApproverEchoesBinding(t *testing.T) {
	req := Request{Binding: testBinding(), Action: "payments.refund"}

	decision, err := StaticApprover{Approved: true, ApproverID: "dev"}.Approve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, "dev", decision.ApproverID)
	require.NotNil(t, decision.Binding)
	assert.True(t, req.Binding.Matches(*decision.Binding))
}

func TestPollingApproverSeesResolution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	binding := testBinding()
	require.NoError(t, store.CreatePending(ctx, binding, nil))

	// Resolve out-of-band after a short delay, as an operator would.
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Resolve(context.Background(), binding.RequestID, StateApproved, "ops-1")
	}()

	poller := &PollingApprover{Store: store, Interval: 10 * time.Millisecond}
	decision, err := poller.Approve(ctx, Request{Binding: binding})
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, "ops-1", decision.ApproverID)
	require.NotNil(t, decision.Binding)
	assert.True(t, binding.Matches(*decision.Binding))
}

func TestPollingApproverTimesOut(t *testing.T) {
	store := NewMemoryStore()
	binding := testBinding()
	require.NoError(t, store.CreatePending(context.Background(), binding, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	poller := &PollingApprover{Store: store, Interval: 10 * time.Millisecond}
	_, err := poller.Approve(ctx, Request{Binding: binding})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollingApproverDeniedAndExpired(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name  string
		state State
	}{
		{"denied", StateDenied},
		{"failed", StateFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			binding := testBinding()
			require.NoError(t, store.CreatePending(ctx, binding, nil))
			require.NoError(t, store.Resolve(ctx, binding.RequestID, tc.state, ""))

			poller := &PollingApprover{Store: store, Interval: 5 * time.Millisecond}
			decision, err := poller.Approve(ctx, Request{Binding: binding})
			require.NoError(t, err)
			assert.False(t, decision.Approved)
		})
	}
}

func TestTokenApproverRoundTrip(t *testing.T) {
	secret := []byte("test-signing-secret")
	binding := testBinding()

	token, err := IssueApprovalToken(secret, binding, true, "ops-2", time.Minute)
	require.NoError(t, err)

	approver := NewTokenApprover(secret, func(context.Context, Request) (string, error) {
		return token, nil
	})
	decision, err := approver.Approve(context.Background(), Request{Binding: binding})
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, "ops-2", decision.ApproverID)
	require.NotNil(t, decision.Binding)
	assert.True(t, binding.Matches(*decision.Binding))
}

func TestTokenApproverRejectsWrongSecret(t *testing.T) {
	binding := testBinding()
	token, err := IssueApprovalToken([]byte("secret-a"), binding, true, "", time.Minute)
	require.NoError(t, err)

	approver := NewTokenApprover([]byte("secret-b"), func(context.Context, Request) (string, error) {
		return token, nil
	})
	_, err = approver.Approve(context.Background(), Request{Binding: binding})
	assert.Error(t, err)
}

func TestTokenApproverBindingTravelsInClaims(t *testing.T) {
	secret := []byte("test-signing-secret")
	issued := testBinding()
	other := testBinding()

	token, err := IssueApprovalToken(secret, issued, true, "", time.Minute)
	require.NoError(t, err)

	approver := NewTokenApprover(secret, func(context.Context, Request) (string, error) {
		return token, nil
	})
	// The token still carries the binding it was minted for; the engine's
	// binding validation catches the mismatch downstream.
	decision, err := approver.Approve(context.Background(), Request{Binding: other})
	require.NoError(t, err)
	assert.False(t, other.Matches(*decision.Binding))
	assert.True(t, issued.Matches(*decision.Binding))
}
