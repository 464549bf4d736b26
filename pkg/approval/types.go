// Package approval implements the pending-approval lifecycle: a store
// that tracks request_id -> approval record with a wall-clock TTL, and
// the Approver contract an external human-in-the-loop or automated
// system satisfies.
package approval

import (
	"context"
	"time"
)

type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

// Binding ties an approval to the exact decision it authorizes. The
// engine rejects any approval whose binding does not match.
type Binding struct {
	RequestID    string `json:"request_id"`
	PolicyHash   string `json:"policy_hash"`
	DecisionHash string `json:"decision_hash"`
}

func (b Binding) Equal(other Binding) bool {
	return b.RequestID == other.RequestID && b.PolicyHash == other.PolicyHash && b.DecisionHash == other.DecisionHash
}

// Record is the durable state of one pending-or-resolved approval.
type Record struct {
	ApprovalID string     `json:"approval_id"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Binding    Binding    `json:"binding"`
	Approved   bool       `json:"approved"`
	ApproverID string     `json:"approver_id,omitempty"`
}

// Resolution is what an Approver returns: either a plain boolean grant
// via Approved, or a fully-specified grant carrying its own binding and
// approver identity (the engine still validates that binding against the
// one it requested).
type Resolution struct {
	Approved   bool
	ApproverID string
	Binding    Binding
}

// Approver authorizes a single pending call. Implementations may block
// for human input, call a webhook, or consult a policy of their own; the
// engine bounds the call with a per-invocation timeout via ctx.
type Approver interface {
	Approve(ctx context.Context, binding Binding, reason string) (Resolution, error)
}

// Store persists Records across process restarts or host boundaries.
// Put is idempotent: a second Put for the same ApprovalID while still
// pending is a no-op. Resolve is single-use: it fails once the record is
// no longer pending.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, approvalID string) (*Record, error)
	Resolve(ctx context.Context, approvalID string, approved bool, approverID string, binding Binding) (*Record, error)
	Sweep(ctx context.Context, now time.Time) ([]*Record, error)
}
