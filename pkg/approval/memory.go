package approval

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps approvals in process memory. Suitable for tests and
// single-process auto-approval flows.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]*Record
	clock      func() time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewMemoryStore creates an in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*Record),
		clock:      time.Now,
		defaultTTL: DefaultTTL,
		maxTTL:     MaxTTL,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// CreatePending implements Store.
func (s *MemoryStore) CreatePending(ctx context.Context, binding Binding, expiresAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := binding.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.expireLocked(now)

	expiry := capExpiry(now, expiresAt, s.defaultTTL, s.maxTTL)
	if existing, ok := s.records[binding.RequestID]; ok {
		if existing.State != StatePending {
			return nil
		}
		if !existing.Binding.Matches(binding) {
			return fmt.Errorf("policy_hash/decision_hash mismatch for existing request_id")
		}
		existing.ExpiresAt = expiry
		return nil
	}

	s.records[binding.RequestID] = &Record{
		Binding:   binding,
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: expiry,
	}
	return nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(ctx context.Context, requestID string, state State, approverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validState(state) {
		return fmt.Errorf("invalid approval state %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[requestID]
	if !ok {
		return fmt.Errorf("request_id not found")
	}
	if record.State != StatePending {
		if record.State == state {
			return nil
		}
		return fmt.Errorf("invalid approval state transition: %s -> %s", record.State, state)
	}
	now := s.clock()
	record.State = state
	record.ApproverID = approverID
	record.ResolvedAt = &now
	return nil
}

// Fetch implements Store.
func (s *MemoryStore) Fetch(ctx context.Context, requestID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[requestID]
	if !ok {
		return nil, nil
	}
	now := s.clock()
	if record.State == StatePending && record.ExpiresAt.Before(now) {
		record.State = StateExpired
		record.ResolvedAt = &now
	}
	copied := *record
	return &copied, nil
}

// ExpireOverdue implements Store.
func (s *MemoryStore) ExpireOverdue(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked(s.clock()), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expireLocked(now time.Time) int {
	expired := 0
	for _, record := range s.records {
		if record.State == StatePending && record.ExpiresAt.Before(now) {
			record.State = StateExpired
			resolvedAt := now
			record.ResolvedAt = &resolvedAt
			expired++
		}
	}
	return expired
}
