package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lemnk/sudo-agent/pkg/canon"
	"github.com/lemnk/sudo-agent/pkg/ledger"
)

func newTestEntry(requestID, event string) *ledger.Entry {
	e := &ledger.Entry{
		RequestID: requestID,
		CreatedAt: canon.NewTime(time.Now()),
		Event:     event,
		Action:    "refund",
	}
	if event == ledger.EventDecision {
		hash, _ := ledger.DecisionHash(ledger.DecisionHashInput{
			RequestID:  requestID,
			DecisionAt: e.CreatedAt,
			PolicyHash: "policyhash",
			Action:     "refund",
		})
		e.Decision = &ledger.Decision{
			Effect:       ledger.EffectAllow,
			Reason:       "within limit",
			PolicyID:     "default",
			PolicyHash:   "policyhash",
			DecisionHash: hash,
		}
	} else {
		hash, _ := ledger.DecisionHash(ledger.DecisionHashInput{
			RequestID:  requestID,
			DecisionAt: e.CreatedAt,
			PolicyHash: "policyhash",
			Action:     "refund",
		})
		e.Outcome = &ledger.Outcome{Status: ledger.OutcomeSuccess, DecisionHash: hash}
	}
	return e
}

func TestAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	b, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	d, err := b.Append(ctx, newTestEntry("req-1", ledger.EventDecision))
	if err != nil {
		t.Fatal(err)
	}
	if d.PrevEntryHash != nil {
		t.Error("expected first entry to have nil prev_entry_hash")
	}

	e := newTestEntry("req-1", ledger.EventOutcome)
	e.Decision = nil
	// reuse the same decision_hash as the decision entry
	e.Outcome.DecisionHash = d.Decision.DecisionHash
	o, err := b.Append(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if o.PrevEntryHash == nil || *o.PrevEntryHash != d.EntryHash {
		t.Error("expected second entry to chain to the first")
	}

	report, err := b.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK {
		t.Fatalf("expected ok chain, got %+v", report.FirstFailure)
	}
	if report.Entries != 2 {
		t.Errorf("expected 2 entries, got %d", report.Entries)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	b, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := b.Append(ctx, newTestEntry("req-1", ledger.EventDecision)); err != nil {
		t.Fatal(err)
	}
	b.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := []byte(string(raw))
	for i := range tampered {
		if tampered[i] == 'l' {
			tampered[i] = 'L'
			break
		}
	}
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatal(err)
	}

	b2, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()

	report, err := b2.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK {
		t.Fatal("expected tamper to be detected")
	}
	if report.FirstFailure.Kind != ledger.FailureTamper {
		t.Errorf("expected tamper failure, got %s", report.FirstFailure.Kind)
	}
}

func TestAppendWithSigner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	signer := newTestSigner(t)
	b, err := New(path, signer)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	entry, err := b.Append(ctx, newTestEntry("req-1", ledger.EventDecision))
	if err != nil {
		t.Fatal(err)
	}
	if entry.EntrySig == nil {
		t.Fatal("expected entry to be signed")
	}

	report, err := b.VerifyWithKey(ctx, signer.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK {
		t.Fatalf("expected signed chain to verify, got %+v", report.FirstFailure)
	}
	if report.SignaturesChecked != 1 {
		t.Errorf("expected 1 signature checked, got %d", report.SignaturesChecked)
	}
}
