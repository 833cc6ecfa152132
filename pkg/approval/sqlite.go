package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists approvals in SQLite so they survive restarts and are
// visible across processes on one host.
type SQLiteStore struct {
	db         *sql.DB
	clock      func() time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewSQLiteStore opens (and if needed creates) an approval store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, clock: time.Now, defaultTTL: DefaultTTL, maxTTL: MaxTTL}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS approvals (
		request_id TEXT PRIMARY KEY,
		policy_hash TEXT NOT NULL,
		decision_hash TEXT NOT NULL,
		state TEXT NOT NULL,
		approver_id TEXT,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_pending_expires
	ON approvals (state, expires_at) WHERE state = 'pending';
	`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate approval store: %w", err)
	}
	return nil
}

// CreatePending implements Store.
func (s *SQLiteStore) CreatePending(ctx context.Context, binding Binding, expiresAt *time.Time) error {
	if err := binding.validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create pending approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock()
	if _, err := s.expireTx(ctx, tx, now); err != nil {
		return err
	}

	var existingPolicy, existingDecision string
	var existingState State
	err = tx.QueryRowContext(ctx,
		`SELECT policy_hash, decision_hash, state FROM approvals WHERE request_id = ?`,
		binding.RequestID,
	).Scan(&existingPolicy, &existingDecision, &existingState)
	switch {
	case err == nil:
		if existingState != StatePending {
			return tx.Commit()
		}
		if existingPolicy != binding.PolicyHash || existingDecision != binding.DecisionHash {
			return fmt.Errorf("policy_hash/decision_hash mismatch for existing request_id")
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("create pending approval: %w", err)
	}

	expiry := capExpiry(now, expiresAt, s.defaultTTL, s.maxTTL)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (request_id, policy_hash, decision_hash, state, approver_id, created_at, resolved_at, expires_at)
		VALUES (?, ?, ?, 'pending', NULL, ?, NULL, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			expires_at = excluded.expires_at
		WHERE approvals.state = 'pending'`,
		binding.RequestID, binding.PolicyHash, binding.DecisionHash,
		now.UnixMicro(), expiry.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("create pending approval: %w", err)
	}
	return tx.Commit()
}

// Resolve implements Store.
func (s *SQLiteStore) Resolve(ctx context.Context, requestID string, state State, approverID string) error {
	if !validState(state) {
		return fmt.Errorf("invalid approval state %q", state)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var approver any
	if approverID != "" {
		approver = approverID
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE approvals SET state = ?, approver_id = ?, resolved_at = ? WHERE request_id = ? AND state = 'pending'`,
		string(state), approver, s.clock().UnixMicro(), requestID,
	)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if affected == 0 {
		var existingState State
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM approvals WHERE request_id = ?`, requestID,
		).Scan(&existingState)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("request_id not found")
		}
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		if existingState != state {
			return fmt.Errorf("invalid approval state transition: %s -> %s", existingState, state)
		}
	}
	return tx.Commit()
}

// Fetch implements Store. Overdue pending records are transitioned to
// expired before being returned.
func (s *SQLiteStore) Fetch(ctx context.Context, requestID string) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record, err := s.fetchTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, tx.Commit()
	}

	now := s.clock()
	if record.State == StatePending && record.ExpiresAt.Before(now) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE approvals SET state = 'expired', resolved_at = ? WHERE request_id = ?`,
			now.UnixMicro(), requestID,
		); err != nil {
			return nil, fmt.Errorf("fetch approval: %w", err)
		}
		record.State = StateExpired
		resolvedAt := now
		record.ResolvedAt = &resolvedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("fetch approval: %w", err)
	}
	return record, nil
}

func (s *SQLiteStore) fetchTx(ctx context.Context, tx *sql.Tx, requestID string) (*Record, error) {
	var record Record
	var approver sql.NullString
	var createdAt, expiresAt int64
	var resolvedAt sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT request_id, policy_hash, decision_hash, state, approver_id, created_at, resolved_at, expires_at
		FROM approvals WHERE request_id = ?`, requestID,
	).Scan(
		&record.Binding.RequestID, &record.Binding.PolicyHash, &record.Binding.DecisionHash,
		&record.State, &approver, &createdAt, &resolvedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch approval: %w", err)
	}
	record.ApproverID = approver.String
	record.CreatedAt = time.UnixMicro(createdAt).UTC()
	record.ExpiresAt = time.UnixMicro(expiresAt).UTC()
	if resolvedAt.Valid {
		t := time.UnixMicro(resolvedAt.Int64).UTC()
		record.ResolvedAt = &t
	}
	return &record, nil
}

// ExpireOverdue implements Store.
func (s *SQLiteStore) ExpireOverdue(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := s.expireTx(ctx, tx, s.clock())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) expireTx(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE approvals SET state = 'expired', resolved_at = ? WHERE state = 'pending' AND expires_at < ?`,
		now.UnixMicro(), now.UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return int(affected), nil
}
