package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pendingReservation struct {
	checkID   string
	agent     string
	tool      string
	cost      int64
	checkedAt time.Time
}

type committedSpend struct {
	checkID     string
	commitID    string
	agent       string
	tool        string
	cost        int64
	committedAt time.Time
}

// MemoryManager keeps budget state in process memory. Suitable for
// single-process deployments and tests.
type MemoryManager struct {
	mu        sync.Mutex
	limits    Limits
	clock     func() time.Time
	pending   map[string]pendingReservation
	committed map[string]committedSpend
}

// NewMemoryManager creates an in-memory budget manager.
func NewMemoryManager(limits Limits) *MemoryManager {
	return &MemoryManager{
		limits:    limits,
		clock:     time.Now,
		pending:   make(map[string]pendingReservation),
		committed: make(map[string]committedSpend),
	}
}

// WithClock overrides the clock for testing.
func (m *MemoryManager) WithClock(clock func() time.Time) *MemoryManager {
	m.clock = clock
	return m
}

// Check implements Manager.
func (m *MemoryManager) Check(ctx context.Context, requestID, agent, tool string, cost int64) (*CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapStateError("check", err)
	}
	if cost < 0 {
		return nil, stateErrorf("cost must be non-negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	m.prune(now)

	if spent, ok := m.committed[requestID]; ok {
		return &CheckResult{CheckID: spent.checkID, RequestID: requestID, Agent: spent.agent, Tool: spent.tool, Cost: spent.cost, Accepted: true}, nil
	}
	if reserved, ok := m.pending[requestID]; ok {
		return &CheckResult{CheckID: reserved.checkID, RequestID: requestID, Agent: reserved.agent, Tool: reserved.tool, Cost: reserved.cost, Accepted: true}, nil
	}

	agentUsage, toolUsage := m.usage(now, agent, tool)
	if err := enforceLimits(m.limits, agentUsage, toolUsage, cost); err != nil {
		return nil, err
	}

	checkID := uuid.NewString()
	m.pending[requestID] = pendingReservation{
		checkID:   checkID,
		agent:     agent,
		tool:      tool,
		cost:      cost,
		checkedAt: now,
	}
	return &CheckResult{CheckID: checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: cost, Accepted: true}, nil
}

// Commit implements Manager.
func (m *MemoryManager) Commit(ctx context.Context, requestID, commitID string, actualCost int64) error {
	if err := ctx.Err(); err != nil {
		return wrapStateError("commit", err)
	}
	if actualCost < 0 {
		return stateErrorf("actual cost must be non-negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if spent, ok := m.committed[requestID]; ok {
		if spent.commitID == commitID {
			return nil
		}
		return stateErrorf("commit replay with conflicting commit id")
	}
	reserved, ok := m.pending[requestID]
	if !ok {
		return stateErrorf("pending check not found for commit")
	}
	m.committed[requestID] = committedSpend{
		checkID:     reserved.checkID,
		commitID:    commitID,
		agent:       reserved.agent,
		tool:        reserved.tool,
		cost:        actualCost,
		committedAt: m.clock(),
	}
	delete(m.pending, requestID)
	return nil
}

// Close implements Manager.
func (m *MemoryManager) Close() error { return nil }

// usage sums committed spend and pending reservations inside the window.
// Pending costs count so concurrent checks cannot jointly pass a limit
// neither could pass alone.
func (m *MemoryManager) usage(now time.Time, agent, tool string) (agentUsage, toolUsage int64) {
	cutoff := now.Add(-m.limits.window())
	for _, spent := range m.committed {
		if spent.committedAt.Before(cutoff) {
			continue
		}
		if spent.agent == agent {
			agentUsage += spent.cost
		}
		if spent.tool == tool {
			toolUsage += spent.cost
		}
	}
	for _, reserved := range m.pending {
		if reserved.checkedAt.Before(cutoff) {
			continue
		}
		if reserved.agent == agent {
			agentUsage += reserved.cost
		}
		if reserved.tool == tool {
			toolUsage += reserved.cost
		}
	}
	return agentUsage, toolUsage
}

// prune drops committed spend outside the window and pending reservations
// abandoned for two windows.
func (m *MemoryManager) prune(now time.Time) {
	window := m.limits.window()
	cutoff := now.Add(-window)
	for id, spent := range m.committed {
		if spent.committedAt.Before(cutoff) {
			delete(m.committed, id)
		}
	}
	staleCutoff := now.Add(-2 * window)
	for id, reserved := range m.pending {
		if reserved.checkedAt.Before(staleCutoff) {
			delete(m.pending, id)
		}
	}
}

func enforceLimits(limits Limits, agentUsage, toolUsage, cost int64) error {
	if limits.AgentLimit > 0 && agentUsage+cost > limits.AgentLimit {
		return &ExceededError{Scope: ScopeAgent, Limit: limits.AgentLimit, Usage: agentUsage, Cost: cost}
	}
	if limits.ToolLimit > 0 && toolUsage+cost > limits.ToolLimit {
		return &ExceededError{Scope: ScopeTool, Limit: limits.ToolLimit, Usage: toolUsage, Cost: cost}
	}
	return nil
}
