// Package budget implements two-phase, idempotent spend/rate accounting
// against named counters (one per agent, one per tool). Fail-closed: any
// storage or evaluation error denies rather than permits.
package budget

import (
	"context"
	"fmt"

	"github.com/lemnk/sudo-agent/pkg/reason"
)

// Cost describes the accounting identity and reserved amount of a single
// guarded call.
type Cost struct {
	AgentID string // counter key "agent:<id>"
	Tool    string // counter key "tool:<name>"
	Amount  int64  // minor units (e.g. cents); reserved at Check, adjusted at Commit
}

// Reservation is the durable record of a Check, mutated in place by the
// matching Commit.
type Reservation struct {
	RequestID string `json:"request_id"`
	CheckID   string `json:"check_id"`
	AgentID   string `json:"agent_id"`
	Tool      string `json:"tool"`
	Reserved  int64  `json:"reserved"`
	Committed bool   `json:"committed"`
	CommitID  string `json:"commit_id,omitempty"`
	Actual    int64  `json:"actual,omitempty"`
}

// Limits bounds both cumulative cost and call rate per counter. A zero
// field means unlimited for that dimension.
type Limits struct {
	AgentCostLimit int64
	ToolCostLimit  int64

	AgentRatePerSecond float64
	AgentRateBurst     int
	ToolRatePerSecond  float64
	ToolRateBurst      int
}

// Storage persists reservations and the running totals they reserve
// against. Implementations must make AdjustCounter and SaveReservation
// safe for concurrent callers.
type Storage interface {
	GetReservation(ctx context.Context, requestID string) (*Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error
	CounterTotal(ctx context.Context, counterKey string) (int64, error)
	AdjustCounter(ctx context.Context, counterKey string, delta int64) error
}

// Error reports a fail-closed denial with the reason code the engine must
// emit verbatim into the decision entry.
type Error struct {
	Reason  reason.Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("budget: %s: %s", e.Reason, e.Message)
}

func agentCounterKey(agentID string) string { return "agent:" + agentID }
func toolCounterKey(tool string) string     { return "tool:" + tool }
