package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteManager persists budget state in SQLite, giving idempotency across
// process restarts on a single host.
type SQLiteManager struct {
	db     *sql.DB
	limits Limits
	clock  func() time.Time
}

// NewSQLiteManager opens (and if needed creates) a SQLite budget store at
// path.
func NewSQLiteManager(path string, limits Limits) (*SQLiteManager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapStateError("open store", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapStateError("open store", err)
	}
	db.SetMaxOpenConns(1)

	m := &SQLiteManager{db: db, limits: limits, clock: time.Now}
	if err := m.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// WithClock overrides the clock for testing.
func (m *SQLiteManager) WithClock(clock func() time.Time) *SQLiteManager {
	m.clock = clock
	return m
}

func (m *SQLiteManager) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS budget_pending (
		request_id TEXT PRIMARY KEY,
		check_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		tool TEXT NOT NULL,
		cost INTEGER NOT NULL,
		checked_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS budget_committed (
		request_id TEXT PRIMARY KEY,
		check_id TEXT NOT NULL,
		commit_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		tool TEXT NOT NULL,
		cost INTEGER NOT NULL,
		committed_at INTEGER NOT NULL
	);
	`
	if _, err := m.db.ExecContext(context.Background(), query); err != nil {
		return wrapStateError("migrate", err)
	}
	return nil
}

// Check implements Manager.
func (m *SQLiteManager) Check(ctx context.Context, requestID, agent, tool string, cost int64) (*CheckResult, error) {
	if cost < 0 {
		return nil, stateErrorf("cost must be non-negative")
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStateError("check", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := m.clock()

	if result, ok, err := m.replayedCheck(ctx, tx, requestID); err != nil {
		return nil, err
	} else if ok {
		if err := tx.Commit(); err != nil {
			return nil, wrapStateError("check", err)
		}
		return result, nil
	}

	if err := m.pruneTx(ctx, tx, now); err != nil {
		return nil, err
	}

	// Usage counts pending reservations alongside committed spend, so a
	// reservation holds budget from the moment of the check.
	cutoff := now.Add(-m.limits.window()).UnixMicro()
	var agentUsage, toolUsage int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM (
			SELECT cost FROM budget_committed WHERE agent = ? AND committed_at >= ?
			UNION ALL
			SELECT cost FROM budget_pending WHERE agent = ? AND checked_at >= ?
		)`,
		agent, cutoff, agent, cutoff,
	).Scan(&agentUsage)
	if err != nil {
		return nil, wrapStateError("usage query", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM (
			SELECT cost FROM budget_committed WHERE tool = ? AND committed_at >= ?
			UNION ALL
			SELECT cost FROM budget_pending WHERE tool = ? AND checked_at >= ?
		)`,
		tool, cutoff, tool, cutoff,
	).Scan(&toolUsage)
	if err != nil {
		return nil, wrapStateError("usage query", err)
	}

	if err := enforceLimits(m.limits, agentUsage, toolUsage, cost); err != nil {
		return nil, err
	}

	checkID := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO budget_pending (request_id, check_id, agent, tool, cost, checked_at) VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, checkID, agent, tool, cost, now.UnixMicro(),
	)
	if err != nil {
		return nil, wrapStateError("reserve", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStateError("check", err)
	}
	return &CheckResult{CheckID: checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: cost, Accepted: true}, nil
}

func (m *SQLiteManager) replayedCheck(ctx context.Context, tx *sql.Tx, requestID string) (*CheckResult, bool, error) {
	var checkID, agent, tool string
	var cost int64
	err := tx.QueryRowContext(ctx,
		`SELECT check_id, agent, tool, cost FROM budget_committed WHERE request_id = ?`,
		requestID,
	).Scan(&checkID, &agent, &tool, &cost)
	if err == nil {
		return &CheckResult{CheckID: checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: cost, Accepted: true}, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, wrapStateError("check", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT check_id, agent, tool, cost FROM budget_pending WHERE request_id = ?`,
		requestID,
	).Scan(&checkID, &agent, &tool, &cost)
	if err == nil {
		return &CheckResult{CheckID: checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: cost, Accepted: true}, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, wrapStateError("check", err)
	}
	return nil, false, nil
}

// Commit implements Manager.
func (m *SQLiteManager) Commit(ctx context.Context, requestID, commitID string, actualCost int64) error {
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
		`SELECT commit_id FROM budget_committed WHERE request_id = ?`, requestID,
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
		`SELECT check_id, agent, tool, cost FROM budget_pending WHERE request_id = ?`, requestID,
	).Scan(&checkID, &agent, &tool, &cost)
	if errors.Is(err, sql.ErrNoRows) {
		return stateErrorf("pending check not found for commit")
	}
	if err != nil {
		return wrapStateError("commit", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO budget_committed (request_id, check_id, commit_id, agent, tool, cost, committed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, checkID, commitID, agent, tool, actualCost, m.clock().UnixMicro(),
	)
	if err != nil {
		return wrapStateError("commit", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM budget_pending WHERE request_id = ?`, requestID); err != nil {
		return wrapStateError("commit", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapStateError("commit", err)
	}
	return nil
}

// Close implements Manager.
func (m *SQLiteManager) Close() error { return m.db.Close() }

func (m *SQLiteManager) pruneTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	window := m.limits.window()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM budget_committed WHERE committed_at < ?`, now.Add(-window).UnixMicro(),
	); err != nil {
		return wrapStateError("prune", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM budget_pending WHERE checked_at < ?`, now.Add(-2*window).UnixMicro(),
	); err != nil {
		return wrapStateError("prune", err)
	}
	return nil
}
