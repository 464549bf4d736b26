// Package verifier offline-checks a ledger file against the chain
// algorithm of spec.md §4.3 with zero dependency on the process that
// wrote it: it opens the file read-only, trusts nothing but the
// cryptographic primitives (SHA-256 canonical hashing, Ed25519
// signatures) and the ledger's own wire format, matching the teacher's
// "adversarial third party can trust this" design.
package verifier

import (
	"bufio"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/lemnk/sudo-agent/pkg/canon"
	"github.com/lemnk/sudo-agent/pkg/crypto"
	"github.com/lemnk/sudo-agent/pkg/ledger"
)

// Options configures a Verify run.
type Options struct {
	// PublicKeyPath points at a PEM-encoded Ed25519 public key. When set,
	// every entry carrying a signature is checked against it; entries
	// are not required to carry one unless the caller additionally
	// inspects Report.SignaturesChecked against Report.Entries.
	PublicKeyPath string
}

// Verify reads the line-oriented ledger file at path and replays the
// chain algorithm over it, returning a machine-readable ledger.Report.
// A malformed trailing line (a torn write) is tolerated exactly as the
// file backend tolerates it on read: dropped rather than failing the
// whole read, letting the chain algorithm itself report the resulting
// short chain or chain-break.
func Verify(path string, opts Options) (*ledger.Report, error) {
	entries, err := readEntries(path)
	if err != nil {
		return nil, &VerificationError{Message: fmt.Sprintf("read %s", path), Cause: err}
	}

	var pub ed25519.PublicKey
	if opts.PublicKeyPath != "" {
		data, err := os.ReadFile(opts.PublicKeyPath)
		if err != nil {
			return nil, &VerificationError{Message: fmt.Sprintf("read public key %s", opts.PublicKeyPath), Cause: err}
		}
		pub, err = crypto.ParsePublicKeyPEM(data)
		if err != nil {
			return nil, &VerificationError{Message: "parse public key", Cause: err}
		}
	}

	report, err := ledger.VerifyEntries(entries, pub)
	if err != nil {
		return nil, &VerificationError{Message: "replay chain", Cause: err}
	}
	return report, nil
}

// ExtractReceipt returns the §4.7 receipt projection of the entry at the
// given zero-based append position.
func ExtractReceipt(path string, position int64) (*ledger.Receipt, error) {
	entries, err := readEntries(path)
	if err != nil {
		return nil, &VerificationError{Message: fmt.Sprintf("read %s", path), Cause: err}
	}
	if position < 0 || position >= int64(len(entries)) {
		return nil, &VerificationError{Message: fmt.Sprintf("position %d out of range [0,%d)", position, len(entries))}
	}

	entry := entries[position]
	receipt := &ledger.Receipt{
		LedgerPosition: position,
		SchemaVersion:  entry.SchemaVersion,
		LedgerVersion:  entry.LedgerVersion,
		RequestID:      entry.RequestID,
		CreatedAt:      formatTime(entry.CreatedAt),
		EntryHash:      entry.EntryHash,
		EntrySig:       entry.EntrySig,
	}
	if entry.Decision != nil {
		receipt.PolicyID = entry.Decision.PolicyID
		receipt.PolicyHash = entry.Decision.PolicyHash
		receipt.DecisionHash = entry.Decision.DecisionHash
	}
	return receipt, nil
}

func formatTime(t canon.Time) string {
	b, err := t.MarshalJSON()
	if err != nil {
		return ""
	}
	var s string
	_ = json.Unmarshal(b, &s)
	return s
}

// readEntries scans a ledger file read-only, tolerating an incomplete
// trailing line the same way the file backend does on its own reads.
func readEntries(path string) ([]*ledger.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*ledger.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	position := int64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ledger.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entry.Position = position
		entries = append(entries, &entry)
		position++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
