package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "approval:"

// Resolved records are kept around for audit queries for a day after their
// expiry before redis reclaims them.
const redisRetention = 24 * time.Hour

// createPendingScript enforces the idempotent create contract atomically:
// refresh a matching pending record, ignore resolved ones, reject binding
// mismatches.
var createPendingScript = redis.NewScript(`
local key = KEYS[1]
local policy_hash = ARGV[1]
local decision_hash = ARGV[2]
local now = tonumber(ARGV[3])
local expires_at = tonumber(ARGV[4])
local retention = tonumber(ARGV[5])

local state = redis.call("HGET", key, "state")
if state then
    if state ~= "pending" then
        return 0
    end
    if redis.call("HGET", key, "policy_hash") ~= policy_hash or
       redis.call("HGET", key, "decision_hash") ~= decision_hash then
        return -1
    end
    redis.call("HSET", key, "expires_at", expires_at)
    redis.call("PEXPIRE", key, math.floor((expires_at - now) / 1000) + retention)
    return 1
end

redis.call("HSET", key,
    "policy_hash", policy_hash,
    "decision_hash", decision_hash,
    "state", "pending",
    "created_at", now,
    "expires_at", expires_at)
redis.call("PEXPIRE", key, math.floor((expires_at - now) / 1000) + retention)
return 1
`)

// resolveScript transitions pending -> terminal, treating a same-state
// replay as a no-op.
var resolveScript = redis.NewScript(`
local key = KEYS[1]
local target = ARGV[1]
local approver = ARGV[2]
local now = ARGV[3]

local state = redis.call("HGET", key, "state")
if not state then
    return -2
end
if state == "pending" then
    redis.call("HSET", key, "state", target, "resolved_at", now)
    if approver ~= "" then
        redis.call("HSET", key, "approver_id", approver)
    end
    return 1
end
if state == target then
    return 0
end
return -1
`)

// expireIfOverdueScript flips a pending record to expired when its deadline
// passed.
var expireIfOverdueScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])

local state = redis.call("HGET", key, "state")
if state == "pending" then
    local expires_at = tonumber(redis.call("HGET", key, "expires_at"))
    if expires_at and expires_at < now then
        redis.call("HSET", key, "state", "expired", "resolved_at", now)
        return 1
    end
end
return 0
`)

// RedisStore persists approvals in redis for multi-host deployments.
// All state transitions run as Lua scripts so they are atomic.
type RedisStore struct {
	client     *redis.Client
	clock      func() time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, clock: time.Now, defaultTTL: DefaultTTL, maxTTL: MaxTTL}
}

// WithClock overrides the clock for testing.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

func redisKey(requestID string) string { return redisKeyPrefix + requestID }

// CreatePending implements Store.
func (s *RedisStore) CreatePending(ctx context.Context, binding Binding, expiresAt *time.Time) error {
	if err := binding.validate(); err != nil {
		return err
	}
	now := s.clock()
	expiry := capExpiry(now, expiresAt, s.defaultTTL, s.maxTTL)

	res, err := createPendingScript.Run(ctx, s.client,
		[]string{redisKey(binding.RequestID)},
		binding.PolicyHash, binding.DecisionHash,
		now.UnixMicro(), expiry.UnixMicro(), redisRetention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("create pending approval: %w", err)
	}
	if res == -1 {
		return fmt.Errorf("policy_hash/decision_hash mismatch for existing request_id")
	}
	return nil
}

// Resolve implements Store.
func (s *RedisStore) Resolve(ctx context.Context, requestID string, state State, approverID string) error {
	if !validState(state) {
		return fmt.Errorf("invalid approval state %q", state)
	}
	res, err := resolveScript.Run(ctx, s.client,
		[]string{redisKey(requestID)},
		string(state), approverID, s.clock().UnixMicro(),
	).Int()
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	switch res {
	case -2:
		return fmt.Errorf("request_id not found")
	case -1:
		return fmt.Errorf("invalid approval state transition to %s", state)
	}
	return nil
}

// Fetch implements Store.
func (s *RedisStore) Fetch(ctx context.Context, requestID string) (*Record, error) {
	now := s.clock()
	if _, err := expireIfOverdueScript.Run(ctx, s.client,
		[]string{redisKey(requestID)}, now.UnixMicro(),
	).Int(); err != nil {
		return nil, fmt.Errorf("fetch approval: %w", err)
	}

	fields, err := s.client.HGetAll(ctx, redisKey(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch approval: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return recordFromRedis(requestID, fields)
}

// ExpireOverdue implements Store. Scans the approval keyspace; intended for
// periodic housekeeping, not the hot path.
func (s *RedisStore) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.clock().UnixMicro()
	expired := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := expireIfOverdueScript.Run(ctx, s.client, []string{iter.Val()}, now).Int()
		if err != nil {
			return expired, fmt.Errorf("expire approvals: %w", err)
		}
		expired += n
	}
	if err := iter.Err(); err != nil {
		return expired, fmt.Errorf("expire approvals: %w", err)
	}
	return expired, nil
}

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }

func recordFromRedis(requestID string, fields map[string]string) (*Record, error) {
	record := &Record{
		Binding: Binding{
			RequestID:    requestID,
			PolicyHash:   fields["policy_hash"],
			DecisionHash: fields["decision_hash"],
		},
		State:      State(fields["state"]),
		ApproverID: fields["approver_id"],
	}
	createdAt, err := microField(fields, "created_at")
	if err != nil {
		return nil, err
	}
	record.CreatedAt = createdAt
	expiresAt, err := microField(fields, "expires_at")
	if err != nil {
		return nil, err
	}
	record.ExpiresAt = expiresAt
	if _, ok := fields["resolved_at"]; ok {
		resolvedAt, err := microField(fields, "resolved_at")
		if err != nil {
			return nil, err
		}
		record.ResolvedAt = &resolvedAt
	}
	return record, nil
}

func microField(fields map[string]string, name string) (time.Time, error) {
	var micros int64
	if _, err := fmt.Sscanf(fields[name], "%d", &micros); err != nil {
		return time.Time{}, fmt.Errorf("approval record field %s invalid: %w", name, err)
	}
	return time.UnixMicro(micros).UTC(), nil
}
