package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/lemnk/sudo-agent/pkg/canon"
)

// VerifyEntries runs the verification algorithm of spec §4.3 over an
// already-materialized, ordered slice of entries. Both backends call this
// after loading their stored entries so the chain logic lives in exactly
// one place.
func VerifyEntries(entries []*Entry, publicKey ed25519.PublicKey) (*Report, error) {
	report := &Report{OK: true, Entries: int64(len(entries))}

	var prev *string
	seenDecisions := make(map[string]string) // decision_hash -> request_id

	for i, entry := range entries {
		pos := int64(i)

		if !hashesEqual(entry.PrevEntryHash, prev) {
			return fail(report, pos, FailureChainBreak, "prev_entry_hash does not match prior entry's entry_hash")
		}

		if entry.SchemaVersion != SchemaVersion || entry.LedgerVersion != LedgerVersion {
			return fail(report, pos, FailureVersion, fmt.Sprintf("unsupported schema_version=%s ledger_version=%s", entry.SchemaVersion, entry.LedgerVersion))
		}

		recomputed, err := entry.ComputeEntryHash()
		if err != nil {
			return fail(report, pos, FailureCanonicalForm, err.Error())
		}
		if recomputed != entry.EntryHash {
			return fail(report, pos, FailureTamper, "recomputed entry_hash does not match stored entry_hash")
		}

		if publicKey != nil && entry.EntrySig != nil {
			sigBytes, err := hex.DecodeString(*entry.EntrySig)
			if err != nil {
				return fail(report, pos, FailureSignature, "entry_signature is not valid hex")
			}
			hashBytes, err := hex.DecodeString(entry.EntryHash)
			if err != nil {
				return fail(report, pos, FailureCanonicalForm, "entry_hash is not valid hex")
			}
			if !ed25519.Verify(publicKey, hashBytes, sigBytes) {
				return fail(report, pos, FailureSignature, "Ed25519 signature verification failed")
			}
			report.SignaturesChecked++
		}

		switch entry.Event {
		case EventDecision:
			if entry.Decision == nil {
				return fail(report, pos, FailureCanonicalForm, "decision event missing decision payload")
			}
			recomputedHash, err := decisionHashFromEntry(entry)
			if err != nil {
				return fail(report, pos, FailureCanonicalForm, err.Error())
			}
			if recomputedHash != entry.Decision.DecisionHash {
				return fail(report, pos, FailureTamper, "recomputed decision_hash does not match stored decision_hash")
			}
			seenDecisions[entry.Decision.DecisionHash] = entry.RequestID
		case EventOutcome:
			if entry.Outcome == nil {
				return fail(report, pos, FailureCanonicalForm, "outcome event missing outcome payload")
			}
			owner, ok := seenDecisions[entry.Outcome.DecisionHash]
			if !ok {
				return fail(report, pos, FailureOrphanOutcome, "outcome references unknown decision_hash")
			}
			if owner != entry.RequestID {
				return fail(report, pos, FailureBoundMismatch, "outcome request_id does not match the decision it references")
			}
		default:
			return fail(report, pos, FailureCanonicalForm, "unknown event type "+entry.Event)
		}

		h := entry.EntryHash
		prev = &h
	}

	return report, nil
}

func fail(report *Report, pos int64, kind FailureKind, detail string) (*Report, error) {
	report.OK = false
	report.FirstFailure = &Failure{Position: pos, Kind: kind, Detail: detail}
	return report, nil
}

func hashesEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func decisionHashFromEntry(entry *Entry) (string, error) {
	return DecisionHash(DecisionHashInput{
		RequestID:  entry.RequestID,
		DecisionAt: entry.CreatedAt,
		PolicyHash: entry.Decision.PolicyHash,
		Action:     entry.Action,
		Parameters: entry.Parameters,
		AgentID:    entry.AgentID,
	})
}
