// Package policy defines the pure decision contract a guarded call is
// evaluated against: a side-effect-free function from an invocation
// Context to an allow/deny/require-approval verdict.
package policy

import (
	"context"

	"github.com/lemnk/sudo-agent/pkg/reason"
)

// Effect is the tagged-variant outcome of a policy evaluation.
type Effect string

const (
	Allow           Effect = "ALLOW"
	Deny            Effect = "DENY"
	RequireApproval Effect = "REQUIRE_APPROVAL"
)

// Context is the immutable snapshot of one pending invocation a policy
// evaluates. Args and Kwargs are already redacted by the time the engine
// builds this value. Constructed by the engine; read-only thereafter.
type Context struct {
	Action   string
	Args     []interface{}
	Kwargs   map[string]interface{}
	Metadata map[string]interface{}
}

// Result is what Evaluate returns: the effect plus a human-readable
// reason and, when the policy has one, a stable reason code from the
// fixed taxonomy.
type Result struct {
	Effect     Effect
	Reason     string
	ReasonCode reason.Code
}

// Policy is the single evaluation method every policy object implements.
// Shared across concurrent invocations; must be side-effect-free.
type Policy interface {
	Evaluate(ctx context.Context, invocation Context) (Result, error)
	// PolicyID is the stable identifier mixed into policy_hash — by
	// convention the fully-qualified name of the policy type.
	PolicyID() string
	// SourceHash optionally mixes a content digest of the policy's
	// decision logic into policy_hash, so changing the logic without
	// renaming the policy still changes every decision_hash it produces.
	// Empty string means "not tracked".
	SourceHash() string
}
