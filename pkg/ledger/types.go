// Package ledger defines the append-only, hash-chained evidence store
// contract shared by every backend (file-backed, embedded-relational) and
// the chain verification algorithm that walks it.
package ledger

import (
	"github.com/lemnk/sudo-agent/pkg/canon"
)

const (
	SchemaVersion = "1.0"
	LedgerVersion = "2.0"

	EventDecision = "decision"
	EventOutcome  = "outcome"

	EffectAllow = "allow"
	EffectDeny  = "deny"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// ApprovalBlock is the embedded approval summary carried on a decision
// entry once an approval has resolved.
type ApprovalBlock struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	ApproverID string `json:"approver_id,omitempty"`
}

// Decision is the decision-specific payload of a decision entry.
type Decision struct {
	Effect       string         `json:"effect"`
	Reason       string         `json:"reason"`
	ReasonCode   string         `json:"reason_code,omitempty"`
	PolicyID     string         `json:"policy_id"`
	PolicyHash   string         `json:"policy_hash"`
	DecisionHash string         `json:"decision_hash"`
	Approval     *ApprovalBlock `json:"approval,omitempty"`
}

// Outcome is the outcome-specific payload of an outcome entry.
type Outcome struct {
	Status       string      `json:"status"`
	ErrorType    string      `json:"error_type,omitempty"`
	Error        string      `json:"error,omitempty"`
	DecisionHash string      `json:"decision_hash"`
	ReturnValue  interface{} `json:"return_value,omitempty"`
}

// Entry is a single ledger record: either a decision entry (Decision
// populated, Outcome nil) or an outcome entry (Outcome populated, Decision
// nil), wrapped with the chaining fields.
type Entry struct {
	SchemaVersion string                 `json:"schema_version"`
	LedgerVersion string                 `json:"ledger_version"`
	RequestID     string                 `json:"request_id"`
	CreatedAt     canon.Time             `json:"created_at"`
	Event         string                 `json:"event"`
	Action        string                 `json:"action"`
	AgentID       string                 `json:"agent_id,omitempty"`
	Decision      *Decision              `json:"decision,omitempty"`
	Outcome       *Outcome               `json:"outcome,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	PrevEntryHash *string `json:"prev_entry_hash"`
	EntryHash     string  `json:"entry_hash"`
	EntrySig      *string `json:"entry_signature,omitempty"`

	// Position is the zero-based append order, set by the backend and not
	// part of the canonical/hashed representation.
	Position int64 `json:"-"`
}

// canonicalView returns the subset of fields that participate in the
// entry_hash computation, with entry_hash and entry_signature nulled, per
// the append contract.
func (e *Entry) canonicalView() map[string]interface{} {
	m := map[string]interface{}{
		"schema_version":  e.SchemaVersion,
		"ledger_version":  e.LedgerVersion,
		"request_id":      e.RequestID,
		"created_at":      e.CreatedAt,
		"event":           e.Event,
		"action":          e.Action,
		"prev_entry_hash": nil,
		"entry_hash":      nil,
		"entry_signature": nil,
	}
	if e.AgentID != "" {
		m["agent_id"] = e.AgentID
	}
	if e.PrevEntryHash != nil {
		m["prev_entry_hash"] = *e.PrevEntryHash
	}
	if e.Decision != nil {
		m["decision"] = e.Decision
	}
	if e.Outcome != nil {
		m["outcome"] = e.Outcome
	}
	if e.Parameters != nil {
		m["parameters"] = e.Parameters
	}
	if e.Metadata != nil {
		m["metadata"] = e.Metadata
	}
	return m
}

// ComputeEntryHash returns hash(canonical(entry with entry_hash=null,
// entry_signature=null)) per the append contract step 4.
func (e *Entry) ComputeEntryHash() (string, error) {
	return canon.Hash(e.canonicalView())
}

// FailureKind enumerates the verification failure kinds in spec order.
type FailureKind string

const (
	FailureChainBreak    FailureKind = "chain-break"
	FailureTamper        FailureKind = "tamper"
	FailureVersion       FailureKind = "version"
	FailureOrphanOutcome FailureKind = "orphan-outcome"
	FailureBoundMismatch FailureKind = "bound-mismatch"
	FailureSignature     FailureKind = "signature"
	FailureCanonicalForm FailureKind = "canonical-form"
)

// Failure describes the first offending entry found by Verify.
type Failure struct {
	Position int64       `json:"position"`
	Kind     FailureKind `json:"kind"`
	Detail   string      `json:"detail"`
}

// Report is the machine-readable verification report of spec §6.
type Report struct {
	OK                bool     `json:"ok"`
	Entries           int64    `json:"entries"`
	FirstFailure      *Failure `json:"first_failure,omitempty"`
	SignaturesChecked int64    `json:"signatures_checked"`
}

// Receipt is the per-entry projection returned by receipt extraction.
type Receipt struct {
	LedgerPosition int64   `json:"ledger_position"`
	SchemaVersion  string  `json:"schema_version"`
	LedgerVersion  string  `json:"ledger_version"`
	RequestID      string  `json:"request_id"`
	CreatedAt      string  `json:"created_at"`
	PolicyID       string  `json:"policy_id,omitempty"`
	PolicyHash     string  `json:"policy_hash,omitempty"`
	DecisionHash   string  `json:"decision_hash,omitempty"`
	EntryHash      string  `json:"entry_hash"`
	EntrySig       *string `json:"entry_signature,omitempty"`
}
