// Package engine orchestrates the guarded-call pipeline: redact, evaluate
// policy, optionally request approval, optionally check budget, write an
// immutable decision, execute, write a best-effort outcome. Every failure
// before execution is fail-closed: the guarded callable is never invoked
// and the caller observes a typed error.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lemnk/sudo-agent/pkg/approval"
	"github.com/lemnk/sudo-agent/pkg/budget"
	"github.com/lemnk/sudo-agent/pkg/canon"
	"github.com/lemnk/sudo-agent/pkg/config"
	"github.com/lemnk/sudo-agent/pkg/ledger"
	"github.com/lemnk/sudo-agent/pkg/policy"
	"github.com/lemnk/sudo-agent/pkg/reason"
	"github.com/lemnk/sudo-agent/pkg/redact"
)

// Engine runs the guarded-call state machine against one ledger backend.
type Engine struct {
	ledger   ledger.Backend
	redactor *redact.Redactor
	cfg      config.Config
	log      *slog.Logger

	budget        *budget.Manager
	approvalStore approval.Store
	approver      approval.Approver
	metrics       metricsRecorder
	clock         func() time.Time
}

// New wires an Engine around a ledger backend and redactor, applying cfg
// and any Options.
func New(backend ledger.Backend, redactor *redact.Redactor, cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		ledger:   backend,
		redactor: redactor,
		cfg:      cfg,
		log:      slog.Default().With("component", "engine"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Guard blocks on the single state machine implemented by step, per
// spec.md §9's cooperative-core-plus-blocking-adapter split: step is the
// one place the pipeline is implemented, Guard and GuardAsync are its two
// facades.
func (e *Engine) Guard(ctx context.Context, inv Invocation, callable Callable) (interface{}, error) {
	ch, err := e.GuardAsync(ctx, inv, callable)
	if err != nil {
		return nil, err
	}
	res := <-ch
	return res.Value, res.Err
}

// step runs the full BUILD_CONTEXT..WRITE_OUTCOME_*/DENY_FINAL pipeline
// and returns the callable's result, or a typed error if any stage
// before EXECUTE denies.
func (e *Engine) step(ctx context.Context, inv Invocation, callable Callable) (interface{}, error) {
	requestID := uuid.New().String()
	createdAt := canon.NewTime(e.clock())
	agentID := inv.agentID()

	if e.metrics != nil {
		e.metrics.RecordRequest(ctx, inv.Action)
	}
	e.log.DebugContext(ctx, "BUILD_CONTEXT", "request_id", requestID, "action", inv.Action)

	// BUILD_CONTEXT
	redactedArgs := make([]interface{}, len(inv.Args))
	for i, a := range inv.Args {
		redactedArgs[i] = e.redactor.Redact(a)
	}
	redactedKwargs, _ := e.redactor.Redact(inv.Kwargs).(map[string]interface{})
	if redactedKwargs == nil {
		redactedKwargs = map[string]interface{}{}
	}
	redactedMetadata, _ := e.redactor.Redact(inv.Metadata).(map[string]interface{})

	parameters := map[string]interface{}{"args": toInterfaceSlice(redactedArgs), "kwargs": redactedKwargs}

	if inv.Policy == nil {
		return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
			"", "", "policy not configured", reason.PolicyEvaluationFailed, nil)
	}

	// EVAL_POLICY
	e.log.DebugContext(ctx, "EVAL_POLICY", "request_id", requestID, "policy_id", inv.Policy.PolicyID())
	result, err := evaluateSafely(ctx, inv.Policy, policy.Context{
		Action: inv.Action, Args: redactedArgs, Kwargs: redactedKwargs, Metadata: redactedMetadata,
	})
	if err != nil {
		return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
			"", "", err.Error(), reason.PolicyEvaluationFailed, &PolicyError{Message: err.Error(), Cause: err})
	}

	policyHash, err := ledger.PolicyHash(inv.Policy.PolicyID(), inv.Policy.SourceHash())
	if err != nil {
		return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
			inv.Policy.PolicyID(), "", err.Error(), reason.PolicyEvaluationFailed, &PolicyError{Message: err.Error(), Cause: err})
	}

	decisionHash, err := ledger.DecisionHash(ledger.DecisionHashInput{
		RequestID: requestID, DecisionAt: createdAt, PolicyHash: policyHash,
		Action: inv.Action, Parameters: parameters, AgentID: agentID,
	})
	if err != nil {
		return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
			inv.Policy.PolicyID(), policyHash, err.Error(), reason.PolicyEvaluationFailed, &PolicyError{Message: err.Error(), Cause: err})
	}

	var approvalBlock *ledger.ApprovalBlock

	switch result.Effect {
	case policy.Deny:
		return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
			inv.Policy.PolicyID(), policyHash, result.Reason, nonEmptyOr(result.ReasonCode, reason.PolicyDenyHighRisk),
			&ApprovalDenied{Reason: result.Reason, ReasonCode: nonEmptyOr(result.ReasonCode, reason.PolicyDenyHighRisk)})

	case policy.RequireApproval:
		// REQUEST_APPROVAL
		e.log.DebugContext(ctx, "REQUEST_APPROVAL", "request_id", requestID, "reason", result.Reason)
		res, err := e.requestApproval(ctx, approval.Binding{RequestID: requestID, PolicyHash: policyHash, DecisionHash: decisionHash}, result.Reason, inv.ApprovalTimeout)
		if err != nil {
			return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
				inv.Policy.PolicyID(), policyHash, err.Error(), reason.ApprovalProcessFailed, &ApprovalError{Message: err.Error(), Cause: err})
		}
		if !res.Approved {
			return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
				inv.Policy.PolicyID(), policyHash, "approval denied", reason.ApprovalDenied,
				&ApprovalDenied{Reason: "approval denied", ReasonCode: reason.ApprovalDenied})
		}
		approvalBlock = &ledger.ApprovalBlock{ApprovalID: requestID, Approved: true, ApproverID: res.ApproverID}

	case policy.Allow:
		// fall through to budget/write

	default:
		return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
			inv.Policy.PolicyID(), policyHash, fmt.Sprintf("unrecognized policy effect %q", result.Effect), reason.PolicyEvaluationFailed,
			&PolicyError{Message: fmt.Sprintf("unrecognized policy effect %q", result.Effect)})
	}

	// BUDGET
	var checkID string
	cost, budgeted := inv.budgetCost()
	if e.budget != nil && budgeted {
		e.log.DebugContext(ctx, "BUDGET", "request_id", requestID, "amount", cost)
		agentTool := budget.Cost{AgentID: agentID, Tool: inv.Action, Amount: cost}
		checkID, err = e.budget.Check(ctx, requestID, agentTool)
		if err != nil {
			if budgetErr, ok := err.(*budget.Error); ok {
				return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
					inv.Policy.PolicyID(), policyHash, budgetErr.Message, budgetErr.Reason,
					&BudgetError{Message: budgetErr.Message, ReasonCode: budgetErr.Reason, Cause: budgetErr})
			}
			return nil, e.denyFinal(ctx, requestID, createdAt, inv, agentID, parameters, redactedMetadata,
				inv.Policy.PolicyID(), policyHash, err.Error(), reason.BudgetEvaluationFailed,
				&BudgetError{Message: err.Error(), ReasonCode: reason.BudgetEvaluationFailed, Cause: err})
		}
	}

	// WRITE_DECISION
	e.log.DebugContext(ctx, "WRITE_DECISION", "request_id", requestID, "decision_hash", decisionHash)
	decisionEntry := &ledger.Entry{
		RequestID: requestID,
		CreatedAt: createdAt,
		Event:     ledger.EventDecision,
		Action:    inv.Action,
		AgentID:   agentID,
		Decision: &ledger.Decision{
			Effect: ledger.EffectAllow, Reason: result.Reason, ReasonCode: string(result.ReasonCode),
			PolicyID: inv.Policy.PolicyID(), PolicyHash: policyHash, DecisionHash: decisionHash,
			Approval: approvalBlock,
		},
		Parameters: parameters,
		Metadata:   redactedMetadata,
	}
	if _, err := e.ledger.Append(ctx, decisionEntry); err != nil {
		return nil, &AuditLogError{Message: err.Error(), Cause: err}
	}

	// EXECUTE
	e.log.DebugContext(ctx, "EXECUTE", "request_id", requestID)
	execCtx := ctx
	endSpan := func() {}
	if e.metrics != nil {
		sctx, span := e.metrics.StartSpan(ctx, inv.Action)
		execCtx = sctx
		endSpan = span.End
	}
	decisionWrittenAt := e.clock()
	retVal, callErr := callable(execCtx, inv.Args, inv.Kwargs)
	endSpan()
	if e.metrics != nil {
		e.metrics.RecordDecisionToExecute(ctx, inv.Action, e.clock().Sub(decisionWrittenAt))
	}
	if callErr != nil {
		e.log.WarnContext(ctx, "ALLOW_CONFIRMED execute error", "request_id", requestID, "action", inv.Action, "error", callErr)
	} else {
		e.log.InfoContext(ctx, "ALLOW_CONFIRMED", "request_id", requestID, "action", inv.Action, "reason_code", result.ReasonCode)
	}

	// WRITE_OUTCOME (best-effort)
	outcome := &ledger.Outcome{Status: ledger.OutcomeSuccess, DecisionHash: decisionHash}
	if callErr != nil {
		outcome.Status = ledger.OutcomeError
		outcome.ErrorType = fmt.Sprintf("%T", callErr)
		outcome.Error = truncateError(callErr.Error(), 200)
	} else if e.cfg.CaptureReturnValues && retVal != nil {
		outcome.ReturnValue = e.redactor.Redact(retVal)
	}
	outcomeEntry := &ledger.Entry{
		RequestID: requestID,
		CreatedAt: canon.NewTime(e.clock()),
		Event:     ledger.EventOutcome,
		Action:    inv.Action,
		AgentID:   agentID,
		Outcome:   outcome,
		Metadata:  redactedMetadata,
	}
	if _, err := e.ledger.Append(ctx, outcomeEntry); err != nil {
		e.log.ErrorContext(ctx, "outcome write failed", "request_id", requestID, "error", err)
	}

	if e.budget != nil && checkID != "" {
		if err := e.budget.Commit(ctx, requestID, checkID, uuid.New().String(), cost); err != nil {
			e.log.ErrorContext(ctx, "budget commit failed", "request_id", requestID, "error", err)
		}
	}

	return retVal, callErr
}

// denyFinal builds and appends a deny decision entry, then returns the
// caller-facing error: the provided failure unless the ledger write
// itself fails, in which case AuditLogError takes precedence.
func (e *Engine) denyFinal(
	ctx context.Context, requestID string, createdAt canon.Time, inv Invocation, agentID string,
	parameters, metadata map[string]interface{}, policyID, policyHash, reasonText string, reasonCode reason.Code,
	failure error,
) error {
	if e.metrics != nil {
		e.metrics.RecordDenial(ctx, inv.Action, string(reasonCode))
	}
	e.log.WarnContext(ctx, "DENY_FINAL", "request_id", requestID, "action", inv.Action, "reason_code", reasonCode)

	entry := &ledger.Entry{
		RequestID: requestID,
		CreatedAt: createdAt,
		Event:     ledger.EventDecision,
		Action:    inv.Action,
		AgentID:   agentID,
		Decision: &ledger.Decision{
			Effect: ledger.EffectDeny, Reason: reasonText, ReasonCode: string(reasonCode),
			PolicyID: policyID, PolicyHash: policyHash,
		},
		Parameters: parameters,
		Metadata:   metadata,
	}
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		return &AuditLogError{Message: err.Error(), Cause: err}
	}
	if failure != nil {
		return failure
	}
	return &ApprovalDenied{Reason: reasonText, ReasonCode: reasonCode}
}

func (e *Engine) requestApproval(ctx context.Context, binding approval.Binding, reasonText string, timeout time.Duration) (approval.Resolution, error) {
	if e.approver == nil {
		if e.cfg.AllowAutoApprove {
			return approval.Resolution{Approved: true, ApproverID: "auto-approve", Binding: binding}, nil
		}
		return approval.Resolution{}, fmt.Errorf("no approver configured")
	}

	approveCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		approveCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if e.approvalStore != nil {
		record := &approval.Record{
			ApprovalID: binding.RequestID, State: approval.StatePending, CreatedAt: e.clock(),
			ExpiresAt: e.clock().Add(timeout + e.cfg.ApprovalClockSkew), Binding: binding,
		}
		if err := e.approvalStore.Put(approveCtx, record); err != nil {
			return approval.Resolution{}, fmt.Errorf("write pending approval: %w", err)
		}
	}

	res, err := e.approver.Approve(approveCtx, binding, reasonText)
	if err != nil {
		return approval.Resolution{}, err
	}

	if e.approvalStore != nil {
		if _, err := e.approvalStore.Resolve(ctx, binding.RequestID, res.Approved, res.ApproverID, res.Binding); err != nil {
			return approval.Resolution{}, fmt.Errorf("resolve approval record: %w", err)
		}
	}

	if res.Approved && res.Binding != (approval.Binding{}) && !res.Binding.Equal(binding) {
		return approval.Resolution{}, fmt.Errorf("approval binding mismatch")
	}

	return res, nil
}

func evaluateSafely(ctx context.Context, p policy.Policy, invocation policy.Context) (result policy.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("policy panicked: %v", r)
		}
	}()
	return p.Evaluate(ctx, invocation)
}

func toInterfaceSlice(args []interface{}) []interface{} {
	if args == nil {
		return []interface{}{}
	}
	return args
}

func nonEmptyOr(code reason.Code, fallback reason.Code) reason.Code {
	if code == "" {
		return fallback
	}
	return code
}

func truncateError(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
