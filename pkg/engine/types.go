package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lemnk/sudo-agent/pkg/approval"
	"github.com/lemnk/sudo-agent/pkg/budget"
	"github.com/lemnk/sudo-agent/pkg/policy"
)

// Callable is the guarded function itself, invoked with the original,
// non-redacted arguments once the pipeline allows it.
type Callable func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Invocation describes one pending guarded call.
type Invocation struct {
	Action   string
	Args     []interface{}
	Kwargs   map[string]interface{}
	Metadata map[string]interface{} // may carry "agent_id" (string) and "budget_cost" (int64)
	Policy   policy.Policy

	// ApprovalTimeout bounds REQUEST_APPROVAL. Zero means no timeout
	// beyond ctx's own deadline.
	ApprovalTimeout time.Duration
}

func (inv Invocation) agentID() string {
	if v, ok := inv.Metadata["agent_id"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

func (inv Invocation) budgetCost() (int64, bool) {
	switch v := inv.Metadata["budget_cost"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Option configures optional Engine collaborators. An Engine with none
// of these set still enforces policy and the ledger; budget and approval
// stages simply never trigger.
type Option func(*Engine)

// WithBudget attaches a budget manager; BUDGET becomes a pipeline stage.
func WithBudget(m *budget.Manager) Option {
	return func(e *Engine) { e.budget = m }
}

// WithApproval attaches a store and approver; REQUIRE_APPROVAL becomes
// satisfiable instead of an automatic denial.
func WithApproval(store approval.Store, approver approval.Approver) Option {
	return func(e *Engine) {
		e.approvalStore = store
		e.approver = approver
	}
}

// WithMetrics attaches an obs.Metrics-shaped recorder.
func WithMetrics(m metricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// metricsRecorder is the subset of *obs.Metrics the engine needs,
// declared locally so tests can supply a no-op without importing obs.
type metricsRecorder interface {
	RecordRequest(ctx context.Context, action string)
	RecordDenial(ctx context.Context, action, reasonCode string)
	RecordDecisionToExecute(ctx context.Context, action string, d time.Duration)
	StartSpan(ctx context.Context, action string) (context.Context, trace.Span)
}
