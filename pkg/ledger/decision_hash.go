package ledger

import "github.com/lemnk/sudo-agent/pkg/canon"

// DecisionHashInput is the set of fields the decision hash is a pure
// function of, per spec §4.6. Both the engine (before writing a decision
// entry) and the verifier (to recheck a stored entry) build this from
// their own data and call DecisionHash.
type DecisionHashInput struct {
	RequestID  string
	DecisionAt canon.Time
	PolicyHash string
	Action     string
	Parameters map[string]interface{}
	AgentID    string
}

// DecisionHash computes the canonical decision hash exactly as specified:
// a canonical JSON object over version, request_id, decision_at,
// policy_hash, intent, resource, parameters, and actor.
func DecisionHash(in DecisionHashInput) (string, error) {
	principal := in.AgentID
	if principal == "" {
		principal = "unknown"
	}

	params := in.Parameters
	if params == nil {
		params = map[string]interface{}{"args": []interface{}{}, "kwargs": map[string]interface{}{}}
	}

	payload := map[string]interface{}{
		"version":     "2.0",
		"request_id":  in.RequestID,
		"decision_at": in.DecisionAt,
		"policy_hash": in.PolicyHash,
		"intent":      in.Action,
		"resource": map[string]interface{}{
			"type": "function",
			"name": in.Action,
		},
		"parameters": params,
		"actor": map[string]interface{}{
			"principal": principal,
			"source":    "sdk",
		},
	}

	return canon.Hash(payload)
}

// PolicyHash computes the SHA-256 of the canonical form of a policy's
// stable identifier, optionally mixed with a source digest. See DESIGN.md
// for the resolved Open Question on this composition.
func PolicyHash(policyID string, sourceHash string) (string, error) {
	payload := map[string]interface{}{"policy_id": policyID}
	if sourceHash != "" {
		payload["source_hash"] = sourceHash
	}
	return canon.Hash(payload)
}
