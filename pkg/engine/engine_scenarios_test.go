package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lemnk/sudo-agent/pkg/approval"
	"github.com/lemnk/sudo-agent/pkg/budget"
	"github.com/lemnk/sudo-agent/pkg/config"
	"github.com/lemnk/sudo-agent/pkg/ledger"
	"github.com/lemnk/sudo-agent/pkg/ledger/file"
	"github.com/lemnk/sudo-agent/pkg/policy"
	"github.com/lemnk/sudo-agent/pkg/reason"
	"github.com/lemnk/sudo-agent/pkg/redact"
)

func newTestBackend(t *testing.T) ledger.Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	b, err := file.New(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func allowPolicy() policy.Policy {
	return policy.NewFuncPolicy("always-allow", "", func(ctx context.Context, inv policy.Context) (policy.Result, error) {
		return policy.Result{Effect: policy.Allow, Reason: "within limit", ReasonCode: reason.PolicyAllowLowRisk}, nil
	})
}

func denyPolicy() policy.Policy {
	return policy.NewFuncPolicy("always-deny", "", func(ctx context.Context, inv policy.Context) (policy.Result, error) {
		return policy.Result{Effect: policy.Deny, Reason: "blocked action", ReasonCode: reason.PolicyDenyHighRisk}, nil
	})
}

func requireApprovalPolicy() policy.Policy {
	return policy.NewFuncPolicy("needs-approval", "", func(ctx context.Context, inv policy.Context) (policy.Result, error) {
		return policy.Result{Effect: policy.RequireApproval, Reason: "high value transfer", ReasonCode: reason.PolicyRequireApprovalHighVal}, nil
	})
}

type fixedApprover struct {
	resolution approval.Resolution
	err        error
}

func (f fixedApprover) Approve(ctx context.Context, binding approval.Binding, reasonText string) (approval.Resolution, error) {
	return f.resolution, f.err
}

func noopCallable(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return "ok", nil
}

// Scenario 1: an allowed call writes a decision entry, executes, and
// writes a success outcome entry.
func TestGuardAllowPath(t *testing.T) {
	backend := newTestBackend(t)
	e := New(backend, redact.New(), config.Default())

	ret, err := e.Guard(context.Background(), Invocation{Action: "refund", Policy: allowPolicy()}, noopCallable)
	require.NoError(t, err)
	require.Equal(t, "ok", ret)

	entries, err := backend.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ledger.EventDecision, entries[0].Event)
	require.Equal(t, ledger.EffectAllow, entries[0].Decision.Effect)
	require.Equal(t, ledger.EventOutcome, entries[1].Event)
	require.Equal(t, ledger.OutcomeSuccess, entries[1].Outcome.Status)
}

// Scenario 2: a denied call never invokes the callable and writes only a
// deny decision entry.
func TestGuardDenyPath(t *testing.T) {
	backend := newTestBackend(t)
	e := New(backend, redact.New(), config.Default())

	called := false
	_, err := e.Guard(context.Background(), Invocation{Action: "delete_prod", Policy: denyPolicy()},
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		})

	var denied *ApprovalDenied
	require.True(t, errors.As(err, &denied))
	require.Equal(t, reason.PolicyDenyHighRisk, denied.ReasonCode)
	require.False(t, called)

	entries, err := backend.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.EffectDeny, entries[0].Decision.Effect)
}

// Scenario 3: an approval granted with a correctly bound resolution lets
// the call proceed.
func TestGuardApprovalGrantedPath(t *testing.T) {
	backend := newTestBackend(t)
	store := approval.NewMemoryStore()
	e := New(backend, redact.New(), config.Default(), WithApproval(store, boundApprover{store: store}))

	ret, err := e.Guard(context.Background(), Invocation{
		Action: "wire_transfer", Policy: requireApprovalPolicy(), ApprovalTimeout: time.Second,
	}, noopCallable)
	require.NoError(t, err)
	require.Equal(t, "ok", ret)

	entries, err := backend.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].Decision.Approval)
	require.True(t, entries[0].Decision.Approval.Approved)
}

// boundApprover returns a resolution carrying exactly the binding it was
// asked to approve, simulating a well-behaved external approver.
type boundApprover struct {
	store approval.Store
}

func (a boundApprover) Approve(ctx context.Context, binding approval.Binding, reasonText string) (approval.Resolution, error) {
	return approval.Resolution{Approved: true, ApproverID: "ops-oncall", Binding: binding}, nil
}

// Scenario 4: an approval resolution whose binding does not match the
// requested one is treated as a process failure and denies.
func TestGuardApprovalBindingMismatchDenies(t *testing.T) {
	backend := newTestBackend(t)
	mismatched := fixedApprover{resolution: approval.Resolution{
		Approved: true, ApproverID: "ops-oncall",
		Binding: approval.Binding{RequestID: "wrong-request-id", PolicyHash: "wrong", DecisionHash: "wrong"},
	}}
	e := New(backend, redact.New(), config.Default(), WithApproval(approval.NewMemoryStore(), mismatched))

	called := false
	_, err := e.Guard(context.Background(), Invocation{Action: "wire_transfer", Policy: requireApprovalPolicy()},
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		})

	var approvalErr *ApprovalError
	require.True(t, errors.As(err, &approvalErr))
	require.False(t, called)
}

// Scenario 5: when the ledger write itself fails, the engine raises
// AuditLogError rather than a deny, and never executes the callable.
func TestGuardLedgerWriteFailureBlocksExecution(t *testing.T) {
	e := New(failingBackend{}, redact.New(), config.Default())

	called := false
	_, err := e.Guard(context.Background(), Invocation{Action: "refund", Policy: allowPolicy()},
		func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		})

	var auditErr *AuditLogError
	require.True(t, errors.As(err, &auditErr))
	require.False(t, called)
}

type failingBackend struct{}

func (failingBackend) Append(ctx context.Context, entry *ledger.Entry) (*ledger.Entry, error) {
	return nil, errors.New("disk full")
}
func (failingBackend) Entries(ctx context.Context) ([]*ledger.Entry, error) { return nil, nil }
func (failingBackend) Verify(ctx context.Context) (*ledger.Report, error)   { return nil, nil }
func (failingBackend) Close() error                                        { return nil }

// Scenario 6: budget Check is idempotent across a retried request_id, and
// Commit settles the counters exactly once.
func TestGuardBudgetCheckIsIdempotentAcrossRetry(t *testing.T) {
	backend := newTestBackend(t)
	mgr := budget.NewManager(budget.NewMemoryStorage(), budget.Limits{AgentCostLimit: 1000})
	e := New(backend, redact.New(), config.Default(), WithBudget(mgr))

	inv := Invocation{Action: "refund", Policy: allowPolicy(), Metadata: map[string]interface{}{
		"agent_id": "agent-1", "budget_cost": int64(100),
	}}

	ret1, err1 := e.Guard(context.Background(), inv, noopCallable)
	require.NoError(t, err1)
	ret2, err2 := e.Guard(context.Background(), inv, noopCallable)
	require.NoError(t, err2)
	require.Equal(t, ret1, ret2)
}

func TestGuardAsyncReturnsSameOutcomeAsGuard(t *testing.T) {
	backend := newTestBackend(t)
	e := New(backend, redact.New(), config.Default())

	ch, err := e.GuardAsync(context.Background(), Invocation{Action: "refund", Policy: allowPolicy()}, noopCallable)
	require.NoError(t, err)
	res := <-ch
	require.NoError(t, res.Err)
	require.Equal(t, "ok", res.Value)
}
