package budget

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
)

// PostgresManager persists budget state in PostgreSQL for multi-host
// deployments. The caller owns the *sql.DB.
type PostgresManager struct {
	db     *sql.DB
	limits Limits
	clock  func() time.Time
}

// NewPostgresManager wraps an open PostgreSQL handle. Migrate must run
// before first use.
func NewPostgresManager(db *sql.DB, limits Limits) *PostgresManager {
	return &PostgresManager{db: db, limits: limits, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *PostgresManager) WithClock(clock func() time.Time) *PostgresManager {
	m.clock = clock
	return m
}

// Migrate creates the budget tables.
func (m *PostgresManager) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS budget_pending (
		request_id TEXT PRIMARY KEY,
		check_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		tool TEXT NOT NULL,
		cost BIGINT NOT NULL,
		checked_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS budget_committed (
		request_id TEXT PRIMARY KEY,
		check_id TEXT NOT NULL,
		commit_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		tool TEXT NOT NULL,
		cost BIGINT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL
	);
	`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return wrapStateError("migrate", err)
	}
	return nil
}

// Check implements Manager. The whole reservation runs in one transaction;
// pg row locks serialize concurrent checks for the same counters.
func (m *PostgresManager) Check(ctx context.Context, requestID, agent, tool string, cost int64) (*CheckResult, error) {
	if cost < 0 {
		return nil, stateErrorf("cost must be non-negative")
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStateError("check", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := m.clock()

	var checkID string
	var existingCost int64
	err = tx.QueryRowContext(ctx,
		`SELECT check_id, cost FROM budget_committed WHERE request_id = $1`, requestID,
	).Scan(&checkID, &existingCost)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, wrapStateError("check", err)
		}
		return &CheckResult{CheckID: checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: existingCost, Accepted: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapStateError("check", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT check_id, cost FROM budget_pending WHERE request_id = $1`, requestID,
	).Scan(&checkID, &existingCost)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, wrapStateError("check", err)
		}
		return &CheckResult{CheckID: checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: existingCost, Accepted: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapStateError("check", err)
	}

	window := m.limits.window()
	cutoff := now.Add(-window)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM budget_committed WHERE committed_at < $1`, cutoff,
	); err != nil {
		return nil, wrapStateError("prune", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM budget_pending WHERE checked_at < $1`, now.Add(-2*window),
	); err != nil {
		return nil, wrapStateError("prune", err)
	}

	// Usage counts pending reservations alongside committed spend, so a
	// reservation holds budget from the moment of the check.
	var agentUsage, toolUsage int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM (
			SELECT cost FROM budget_committed WHERE agent = $1 AND committed_at >= $2
			UNION ALL
			SELECT cost FROM budget_pending WHERE agent = $1 AND checked_at >= $2
		) AS usage_window`,
		agent, cutoff,
	).Scan(&agentUsage)
	if err != nil {
		return nil, wrapStateError("usage query", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM (
			SELECT cost FROM budget_committed WHERE tool = $1 AND committed_at >= $2
			UNION ALL
			SELECT cost FROM budget_pending WHERE tool = $1 AND checked_at >= $2
		) AS usage_window`,
		tool, cutoff,
	).Scan(&toolUsage)
	if err != nil {
		return nil, wrapStateError("usage query", err)
	}

	if err := enforceLimits(m.limits, agentUsage, toolUsage, cost); err != nil {
		return nil, err
	}

	checkID = uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO budget_pending (request_id, check_id, agent, tool, cost, checked_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		requestID, checkID, agent, tool, cost, now,
	); err != nil {
		return nil, wrapStateError("reserve", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStateError("check", err)
	}
	return &CheckResult{CheckID: checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: cost, Accepted: true}, nil
}

// Commit implements Manager.
func (m *PostgresManager) Commit(ctx context.Context, requestID, commitID string, actualCost int64) error {
	if actualCost < 0 {
		return stateErrorf("actual cost must be non-negative")
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStateError("commit", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingCommitID string
	err = tx.QueryRowContext(ctx,
		`SELECT commit_id FROM budget_committed WHERE request_id = $1`, requestID,
	).Scan(&existingCommitID)
	switch {
	case err == nil:
		if existingCommitID == commitID {
			return tx.Commit()
		}
		return stateErrorf("commit replay with conflicting commit id")
	case !errors.Is(err, sql.ErrNoRows):
		return wrapStateError("commit", err)
	}

	var checkID, agent, tool string
	var cost int64
	err = tx.QueryRowContext(ctx,
		`SELECT check_id, agent, tool, cost FROM budget_pending WHERE request_id = $1 FOR UPDATE`, requestID,
	).Scan(&checkID, &agent, &tool, &cost)
	if errors.Is(err, sql.ErrNoRows) {
		return stateErrorf("pending check not found for commit")
	}
	if err != nil {
		return wrapStateError("commit", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO budget_committed (request_id, check_id, commit_id, agent, tool, cost, committed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		requestID, checkID, commitID, agent, tool, actualCost, m.clock(),
	); err != nil {
		return wrapStateError("commit", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM budget_pending WHERE request_id = $1`, requestID,
	); err != nil {
		return wrapStateError("commit", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapStateError("commit", err)
	}
	return nil
}

// Close implements Manager. The caller owns the handle.
func (m *PostgresManager) Close() error { return nil }
