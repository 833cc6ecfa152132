package budget

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCheckWithinLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{AgentLimit: 10, ToolLimit: 10, Window: time.Minute})

	result, err := m.Check(ctx, uuid.NewString(), "agent-1", "refund", 3)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.NotEmpty(t, result.CheckID)
	assert.Equal(t, int64(3), result.Cost)
}

func TestMemoryAgentLimitExceeded(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{AgentLimit: 5, Window: time.Minute})

	rid := uuid.NewString()
	result, err := m.Check(ctx, rid, "agent-1", "refund", 3)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, rid, result.CheckID, 3))

	_, err = m.Check(ctx, uuid.NewString(), "agent-1", "refund", 3)
	exceeded, ok := AsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, ScopeAgent, exceeded.Scope)
}

func TestMemoryToolLimitExceeded(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{ToolLimit: 4, Window: time.Minute})

	rid := uuid.NewString()
	result, err := m.Check(ctx, rid, "agent-1", "refund", 4)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, rid, result.CheckID, 4))

	// A different agent using the same tool still trips the tool counter.
	_, err = m.Check(ctx, uuid.NewString(), "agent-2", "refund", 1)
	exceeded, ok := AsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, ScopeTool, exceeded.Scope)
}

func TestMemoryCheckIdempotentOnRequestID(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{AgentLimit: 5, Window: time.Minute})

	rid := uuid.NewString()
	first, err := m.Check(ctx, rid, "agent-1", "refund", 5)
	require.NoError(t, err)

	// A replayed check must not double-reserve or re-enforce.
	second, err := m.Check(ctx, rid, "agent-1", "refund", 5)
	require.NoError(t, err)
	assert.Equal(t, first.CheckID, second.CheckID)

	// Even after commit, the same request id replays cleanly.
	require.NoError(t, m.Commit(ctx, rid, first.CheckID, 5))
	third, err := m.Check(ctx, rid, "agent-1", "refund", 5)
	require.NoError(t, err)
	assert.Equal(t, first.CheckID, third.CheckID)
}

func TestMemoryCommitIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{AgentLimit: 10, Window: time.Minute})

	rid := uuid.NewString()
	result, err := m.Check(ctx, rid, "agent-1", "refund", 2)
	require.NoError(t, err)

	require.NoError(t, m.Commit(ctx, rid, result.CheckID, 2))
	// Identical replay is a no-op.
	require.NoError(t, m.Commit(ctx, rid, result.CheckID, 2))

	// A different commit id against the same request fails.
	err = m.Commit(ctx, rid, uuid.NewString(), 2)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestMemoryCommitWithoutCheck(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{Window: time.Minute})

	err := m.Commit(ctx, uuid.NewString(), uuid.NewString(), 1)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestMemoryWindowExpiryFreesBudget(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryManager(Limits{AgentLimit: 5, Window: time.Minute}).
		WithClock(func() time.Time { return now })

	rid := uuid.NewString()
	result, err := m.Check(ctx, rid, "agent-1", "refund", 5)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, rid, result.CheckID, 5))

	_, err = m.Check(ctx, uuid.NewString(), "agent-1", "refund", 1)
	_, ok := AsExceeded(err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, err = m.Check(ctx, uuid.NewString(), "agent-1", "refund", 1)
	require.NoError(t, err)
}

func TestMemoryNegativeCostRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{Window: time.Minute})

	_, err := m.Check(ctx, uuid.NewString(), "agent-1", "refund", -1)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestMemoryUnlimitedWhenZeroLimits(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{Window: time.Minute})

	for i := 0; i < 20; i++ {
		rid := uuid.NewString()
		result, err := m.Check(ctx, rid, "agent-1", "refund", 100)
		require.NoError(t, err)
		require.NoError(t, m.Commit(ctx, rid, result.CheckID, 100))
	}
}

func TestMemoryPendingReservationHoldsBudget(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{AgentLimit: 6, Window: time.Minute})

	_, err := m.Check(ctx, uuid.NewString(), "agent-1", "refund", 5)
	require.NoError(t, err)

	// The first reservation is uncommitted but must already hold budget:
	// two in-flight calls may not jointly pass a limit neither could pass
	// alone.
	_, err = m.Check(ctx, uuid.NewString(), "agent-1", "refund", 5)
	exceeded, ok := AsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, ScopeAgent, exceeded.Scope)
	assert.Equal(t, int64(5), exceeded.Usage)

	_, err = m.Check(ctx, uuid.NewString(), "agent-1", "refund", 1)
	require.NoError(t, err)
}

func TestMemoryPendingReservationHoldsToolBudget(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(Limits{ToolLimit: 6, Window: time.Minute})

	_, err := m.Check(ctx, uuid.NewString(), "agent-1", "refund", 5)
	require.NoError(t, err)

	_, err = m.Check(ctx, uuid.NewString(), "agent-2", "refund", 5)
	exceeded, ok := AsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, ScopeTool, exceeded.Scope)
}
