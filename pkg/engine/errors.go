package engine

import (
	"fmt"

	"github.com/lemnk/sudo-agent/pkg/reason"
)

// PolicyError reports that the policy raised or returned an invalid
// result. A deny decision is already durable by the time the caller
// observes this.
type PolicyError struct {
	Message string
	Cause   error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("engine: policy evaluation failed: %s", e.Message)
}
func (e *PolicyError) Unwrap() error { return e.Cause }

// ApprovalDenied is the normal "not authorized" outcome: the policy
// denied outright, or an approval was refused or its binding mismatched.
// Raised only after the matching deny record is durably written.
type ApprovalDenied struct {
	Reason     string
	ReasonCode reason.Code
}

func (e *ApprovalDenied) Error() string { return fmt.Sprintf("engine: denied: %s", e.Reason) }

// ApprovalError reports that the approver raised or timed out. Treated
// like denial; surfaced to the caller.
type ApprovalError struct {
	Message string
	Cause   error
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("engine: approval process failed: %s", e.Message)
}
func (e *ApprovalError) Unwrap() error { return e.Cause }

// BudgetError reports that the budget check failed or the manager was
// unavailable. Treated like denial.
type BudgetError struct {
	Message    string
	ReasonCode reason.Code
	Cause      error
}

func (e *BudgetError) Error() string { return fmt.Sprintf("engine: %s: %s", e.ReasonCode, e.Message) }
func (e *BudgetError) Unwrap() error { return e.Cause }

// AuditLogError reports that the decision or outcome write to the
// tamper-evident ledger failed. Raised on the decision write with no
// prior durable deny record; execution is blocked unconditionally.
type AuditLogError struct {
	Message string
	Cause   error
}

func (e *AuditLogError) Error() string { return fmt.Sprintf("engine: ledger write failed: %s", e.Message) }
func (e *AuditLogError) Unwrap() error { return e.Cause }
