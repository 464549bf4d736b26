package ledger

import "context"

// Backend is the capability both ledger implementations (file-backed,
// embedded-relational) satisfy. The engine depends only on this interface,
// never on a concrete backend type.
type Backend interface {
	// Append stores entry, setting PrevEntryHash, EntryHash, and
	// EntrySig (if a signer is configured) per the append contract, and
	// returns the stored entry with Position set.
	Append(ctx context.Context, entry *Entry) (*Entry, error)

	// Entries returns all stored entries in append order. Used by Verify
	// and by the verifier package; backends may stream internally but
	// always return a materialized, ordered slice here.
	Entries(ctx context.Context) ([]*Entry, error)

	// Verify replays the chain algorithm of spec §4.3 and returns a report.
	Verify(ctx context.Context) (*Report, error)

	// Close releases any held resources (file handles, DB connections,
	// locks).
	Close() error
}
