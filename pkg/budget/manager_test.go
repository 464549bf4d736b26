package budget

import (
	"context"
	"testing"

	"github.com/lemnk/sudo-agent/pkg/reason"
)

func TestCheckIsIdempotentOnRequestID(t *testing.T) {
	m := NewManager(NewMemoryStorage(), Limits{AgentCostLimit: 6})
	ctx := context.Background()

	id1, err := m.Check(ctx, "req-1", Cost{AgentID: "a1", Amount: 5})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.Check(ctx, "req-1", Cost{AgentID: "a1", Amount: 5})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("expected idempotent check_id, got %q and %q", id1, id2)
	}

	total, err := m.storage.CounterTotal(ctx, agentCounterKey("a1"))
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("expected counter to reflect a single reservation of 5, got %d", total)
	}
}

func TestCheckDeniesOverCostLimit(t *testing.T) {
	m := NewManager(NewMemoryStorage(), Limits{AgentCostLimit: 6})
	ctx := context.Background()

	if _, err := m.Check(ctx, "req-1", Cost{AgentID: "a1", Amount: 5}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Check(ctx, "req-2", Cost{AgentID: "a1", Amount: 5})
	if err == nil {
		t.Fatal("expected budget error")
	}
	budgetErr, ok := err.(*Error)
	if !ok || budgetErr.Reason != reason.BudgetExceededAgentRate {
		t.Errorf("expected BudgetExceededAgentRate, got %v", err)
	}
}

func TestCheckEnforcesRateLimit(t *testing.T) {
	m := NewManager(NewMemoryStorage(), Limits{AgentRatePerSecond: 1, AgentRateBurst: 1})
	ctx := context.Background()

	if _, err := m.Check(ctx, "req-1", Cost{AgentID: "a1", Amount: 1}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Check(ctx, "req-2", Cost{AgentID: "a1", Amount: 1})
	if err == nil {
		t.Fatal("expected rate limit error on second immediate call")
	}
	budgetErr, ok := err.(*Error)
	if !ok || budgetErr.Reason != reason.BudgetExceededAgentRate {
		t.Errorf("expected BudgetExceededAgentRate, got %v", err)
	}
}

func TestCommitIsIdempotentOnCommitID(t *testing.T) {
	m := NewManager(NewMemoryStorage(), Limits{})
	ctx := context.Background()

	checkID, err := m.Check(ctx, "req-1", Cost{AgentID: "a1", Amount: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx, "req-1", checkID, "commit-1", 5); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx, "req-1", checkID, "commit-1", 5); err != nil {
		t.Errorf("expected replay with identical commit_id to be a no-op, got %v", err)
	}
}

func TestCommitRejectsDifferentCommitIDReplay(t *testing.T) {
	m := NewManager(NewMemoryStorage(), Limits{})
	ctx := context.Background()

	checkID, err := m.Check(ctx, "req-1", Cost{AgentID: "a1", Amount: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx, "req-1", checkID, "commit-1", 5); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx, "req-1", checkID, "commit-2", 5); err == nil {
		t.Error("expected a second commit under a different commit_id to fail")
	}
}

func TestCommitAdjustsCounterByActualDelta(t *testing.T) {
	m := NewManager(NewMemoryStorage(), Limits{})
	ctx := context.Background()

	checkID, err := m.Check(ctx, "req-1", Cost{AgentID: "a1", Amount: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx, "req-1", checkID, "commit-1", 3); err != nil {
		t.Fatal(err)
	}
	total, err := m.storage.CounterTotal(ctx, agentCounterKey("a1"))
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("expected counter adjusted down to actual cost 3, got %d", total)
	}
}
