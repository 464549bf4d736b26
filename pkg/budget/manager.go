package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lemnk/sudo-agent/pkg/reason"
)

// Manager enforces Limits against a Storage backend. Rate limiters are
// held in-process only (a restart resets rate state; cumulative cost does
// not, since that lives in Storage).
type Manager struct {
	storage Storage
	limits  Limits

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
}

// NewManager wires a Storage implementation with the given Limits.
func NewManager(storage Storage, limits Limits) *Manager {
	return &Manager{
		storage:      storage,
		limits:       limits,
		rateLimiters: make(map[string]*rate.Limiter),
	}
}

func (m *Manager) limiterFor(key string, perSecond float64, burst int) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rateLimiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perSecond), burst)
		m.rateLimiters[key] = l
	}
	return l
}

// Check reserves cost against the agent and tool counters named in cost,
// idempotent on requestID: a replay returns the same check_id without
// reserving twice. Fails closed with a *Error carrying the matching
// BUDGET_EXCEEDED_* or BUDGET_EVALUATION_FAILED reason code.
func (m *Manager) Check(ctx context.Context, requestID string, cost Cost) (string, error) {
	existing, err := m.storage.GetReservation(ctx, requestID)
	if err != nil {
		return "", &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
	}
	if existing != nil {
		return existing.CheckID, nil
	}

	if m.limits.AgentRatePerSecond > 0 && cost.AgentID != "" {
		l := m.limiterFor(agentCounterKey(cost.AgentID), m.limits.AgentRatePerSecond, m.limits.AgentRateBurst)
		if !l.Allow() {
			return "", &Error{Reason: reason.BudgetExceededAgentRate, Message: fmt.Sprintf("agent %q exceeded call rate", cost.AgentID)}
		}
	}
	if m.limits.ToolRatePerSecond > 0 && cost.Tool != "" {
		l := m.limiterFor(toolCounterKey(cost.Tool), m.limits.ToolRatePerSecond, m.limits.ToolRateBurst)
		if !l.Allow() {
			return "", &Error{Reason: reason.BudgetExceededToolRate, Message: fmt.Sprintf("tool %q exceeded call rate", cost.Tool)}
		}
	}

	if cost.AgentID != "" && m.limits.AgentCostLimit > 0 {
		if err := m.checkCostLimit(ctx, agentCounterKey(cost.AgentID), cost.Amount, m.limits.AgentCostLimit, reason.BudgetExceededAgentRate); err != nil {
			return "", err
		}
	}
	if cost.Tool != "" && m.limits.ToolCostLimit > 0 {
		if err := m.checkCostLimit(ctx, toolCounterKey(cost.Tool), cost.Amount, m.limits.ToolCostLimit, reason.BudgetExceededToolRate); err != nil {
			return "", err
		}
	}

	checkID := uuid.New().String()
	if cost.AgentID != "" {
		if err := m.storage.AdjustCounter(ctx, agentCounterKey(cost.AgentID), cost.Amount); err != nil {
			return "", &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
		}
	}
	if cost.Tool != "" {
		if err := m.storage.AdjustCounter(ctx, toolCounterKey(cost.Tool), cost.Amount); err != nil {
			return "", &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
		}
	}

	r := &Reservation{RequestID: requestID, CheckID: checkID, AgentID: cost.AgentID, Tool: cost.Tool, Reserved: cost.Amount}
	if err := m.storage.SaveReservation(ctx, r); err != nil {
		return "", &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
	}
	return checkID, nil
}

func (m *Manager) checkCostLimit(ctx context.Context, counterKey string, amount, limit int64, code reason.Code) error {
	used, err := m.storage.CounterTotal(ctx, counterKey)
	if err != nil {
		return &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
	}
	if used+amount > limit {
		return &Error{Reason: code, Message: fmt.Sprintf("counter %q would exceed limit: %d+%d > %d", counterKey, used, amount, limit)}
	}
	return nil
}

// Commit finalizes a reservation, adjusting the cumulative counters by the
// difference between reserved and actual cost. Idempotent on
// (requestID, commitID): a replay with the same pair is a no-op; a replay
// with a different commitID against an already-committed checkID fails.
func (m *Manager) Commit(ctx context.Context, requestID, checkID, commitID string, actualCost int64) error {
	r, err := m.storage.GetReservation(ctx, requestID)
	if err != nil {
		return &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
	}
	if r == nil {
		return &Error{Reason: reason.BudgetEvaluationFailed, Message: "commit: no reservation for request_id " + requestID}
	}
	if r.CheckID != checkID {
		return &Error{Reason: reason.BudgetEvaluationFailed, Message: "commit: check_id does not match the reservation on file"}
	}
	if r.Committed {
		if r.CommitID == commitID {
			return nil
		}
		return &Error{Reason: reason.BudgetEvaluationFailed, Message: "commit: already committed under a different commit_id"}
	}

	delta := actualCost - r.Reserved
	if delta != 0 {
		if r.AgentID != "" {
			if err := m.storage.AdjustCounter(ctx, agentCounterKey(r.AgentID), delta); err != nil {
				return &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
			}
		}
		if r.Tool != "" {
			if err := m.storage.AdjustCounter(ctx, toolCounterKey(r.Tool), delta); err != nil {
				return &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
			}
		}
	}

	r.Committed = true
	r.CommitID = commitID
	r.Actual = actualCost
	if err := m.storage.SaveReservation(ctx, r); err != nil {
		return &Error{Reason: reason.BudgetEvaluationFailed, Message: err.Error()}
	}
	return nil
}
