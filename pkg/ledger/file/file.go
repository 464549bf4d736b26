// Package file implements the line-oriented ledger backend: one
// canonical-JSON entry per line, newline-terminated, guarded by an OS
// advisory exclusive lock for single-host cross-process exclusion.
package file

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lemnk/sudo-agent/pkg/crypto"
	"github.com/lemnk/sudo-agent/pkg/ledger"
)

// Backend is a file-backed ledger.Backend. One OS file handle is held open
// for the lifetime of the backend; advisory flock is acquired per append.
type Backend struct {
	path string
	mu   sync.Mutex // serializes appends from this process; flock serializes across processes
	f    *os.File
	sign *crypto.Signer
}

// New opens (creating if absent) the ledger file at path. If signer is
// non-nil, every appended entry is signed with it.
func New(path string, signer *crypto.Signer) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledger/file: open %s: %w", path, err)
	}
	return &Backend{path: path, f: f, sign: signer}, nil
}

func (b *Backend) Close() error {
	return b.f.Close()
}

// Append implements ledger.Backend.
func (b *Backend) Append(ctx context.Context, entry *ledger.Entry) (*ledger.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := unix.Flock(int(b.f.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("ledger/file: acquire lock: %w", err)
	}
	defer unix.Flock(int(b.f.Fd()), unix.LOCK_UN)

	existing, err := b.readEntriesLocked()
	if err != nil {
		return nil, err
	}

	entry.SchemaVersion = ledger.SchemaVersion
	entry.LedgerVersion = ledger.LedgerVersion

	var prevHash *string
	position := int64(len(existing))
	if position > 0 {
		last := existing[position-1]
		h := last.EntryHash
		prevHash = &h
	}
	entry.PrevEntryHash = prevHash

	if err := ledger.ValidateShape(entry); err != nil {
		return nil, err
	}

	hash, err := entry.ComputeEntryHash()
	if err != nil {
		return nil, fmt.Errorf("ledger/file: compute entry_hash: %w", err)
	}
	entry.EntryHash = hash

	if b.sign != nil {
		sigHex, err := b.sign.SignHex(hash)
		if err != nil {
			return nil, fmt.Errorf("ledger/file: sign entry_hash: %w", err)
		}
		entry.EntrySig = &sigHex
	}
	entry.Position = position

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("ledger/file: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := b.f.Seek(0, os.SEEK_END); err != nil {
		return nil, fmt.Errorf("ledger/file: seek end: %w", err)
	}
	if _, err := b.f.Write(line); err != nil {
		return nil, fmt.Errorf("ledger/file: write entry: %w", err)
	}
	if err := b.f.Sync(); err != nil {
		return nil, fmt.Errorf("ledger/file: fsync: %w", err)
	}

	return entry, nil
}

// Entries implements ledger.Backend.
func (b *Backend) Entries(ctx context.Context) ([]*ledger.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := unix.Flock(int(b.f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("ledger/file: acquire shared lock: %w", err)
	}
	defer unix.Flock(int(b.f.Fd()), unix.LOCK_UN)

	return b.readEntriesLocked()
}

// readEntriesLocked reads the whole file from the start, tolerating an
// incomplete trailing line (a torn write) by dropping it, per the
// file-backed backend contract.
func (b *Backend) readEntriesLocked() ([]*ledger.Entry, error) {
	if _, err := b.f.Seek(0, os.SEEK_SET); err != nil {
		return nil, fmt.Errorf("ledger/file: seek start: %w", err)
	}

	var entries []*ledger.Entry
	scanner := bufio.NewScanner(b.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	position := int64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ledger.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn trailing write is the only expected malformed line;
			// treat any unparseable line as absent rather than failing
			// the read outright, per spec: verification reports the
			// truncation via the chain-break it necessarily produces on
			// the next good entry (or a short chain if it was last).
			continue
		}
		entry.Position = position
		entries = append(entries, &entry)
		position++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger/file: scan: %w", err)
	}
	return entries, nil
}

// Verify implements ledger.Backend.
func (b *Backend) Verify(ctx context.Context) (*ledger.Report, error) {
	return b.VerifyWithKey(ctx, nil)
}

// VerifyWithKey verifies the chain, optionally checking signatures against
// pub.
func (b *Backend) VerifyWithKey(ctx context.Context, pub ed25519.PublicKey) (*ledger.Report, error) {
	entries, err := b.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.VerifyEntries(entries, pub)
}
