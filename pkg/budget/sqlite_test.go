package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteManager(t *testing.T, limits Limits) *SQLiteManager {
	t.Helper()
	m, err := NewSQLiteManager(filepath.Join(t.TempDir(), "budget.db"), limits)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSQLiteCheckAndCommit(t *testing.T) {
	ctx := context.Background()
	m := newTestSQLiteManager(t, Limits{AgentLimit: 10, ToolLimit: 10, Window: time.Minute})

	rid := uuid.NewString()
	result, err := m.Check(ctx, rid, "agent-1", "refund", 4)
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	require.NoError(t, m.Commit(ctx, rid, result.CheckID, 4))

	// Usage is now visible to a fresh check.
	_, err = m.Check(ctx, uuid.NewString(), "agent-1", "refund", 7)
	exceeded, ok := AsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, ScopeAgent, exceeded.Scope)
}

func TestSQLiteCheckIdempotentAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "budget.db")
	limits := Limits{AgentLimit: 5, Window: time.Minute}

	m1, err := NewSQLiteManager(path, limits)
	require.NoError(t, err)
	rid := uuid.NewString()
	first, err := m1.Check(ctx, rid, "agent-1", "refund", 5)
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	// Reopen: the pending reservation survives the restart.
	m2, err := NewSQLiteManager(path, limits)
	require.NoError(t, err)
	defer func() { _ = m2.Close() }()

	second, err := m2.Check(ctx, rid, "agent-1", "refund", 5)
	require.NoError(t, err)
	assert.Equal(t, first.CheckID, second.CheckID)
}

func TestSQLiteCommitIdempotency(t *testing.T) {
	ctx := context.Background()
	m := newTestSQLiteManager(t, Limits{AgentLimit: 10, Window: time.Minute})

	rid := uuid.NewString()
	result, err := m.Check(ctx, rid, "agent-1", "refund", 2)
	require.NoError(t, err)

	require.NoError(t, m.Commit(ctx, rid, result.CheckID, 2))
	require.NoError(t, m.Commit(ctx, rid, result.CheckID, 2))

	err = m.Commit(ctx, rid, uuid.NewString(), 2)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestSQLiteCommitWithoutCheck(t *testing.T) {
	ctx := context.Background()
	m := newTestSQLiteManager(t, Limits{Window: time.Minute})

	err := m.Commit(ctx, uuid.NewString(), uuid.NewString(), 1)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestSQLiteWindowExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := newTestSQLiteManager(t, Limits{AgentLimit: 5, Window: time.Minute})
	m.WithClock(func() time.Time { return now })

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

func TestSQLitePendingReservationHoldsBudget(t *testing.T) {
	ctx := context.Background()
	m := newTestSQLiteManager(t, Limits{AgentLimit: 6, Window: time.Minute})

	_, err := m.Check(ctx, uuid.NewString(), "agent-1", "refund", 5)
	require.NoError(t, err)

	// Uncommitted reservations count toward usage.
	_, err = m.Check(ctx, uuid.NewString(), "agent-1", "refund", 5)
	exceeded, ok := AsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, ScopeAgent, exceeded.Scope)
	assert.Equal(t, int64(5), exceeded.Usage)

	_, err = m.Check(ctx, uuid.NewString(), "agent-1", "refund", 1)
	require.NoError(t, err)
}
