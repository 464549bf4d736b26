// Package sql implements the embedded-relational ledger backend over
// database/sql, supporting modernc.org/sqlite (the default, WAL-mode
// embedded store) and github.com/lib/pq (Postgres, for true multi-process
// deployments) behind one driver-agnostic code path.
package sql

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/lemnk/sudo-agent/pkg/crypto"
	"github.com/lemnk/sudo-agent/pkg/ledger"
)

// Dialect distinguishes placeholder syntax and a handful of DDL
// differences between the supported drivers.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// schemaSemver pins the ledger table's structural compatibility version,
// independent of the per-entry schema_version/ledger_version fields; a
// future structural migration bumps this and Open() refuses to run
// against an incompatible existing table.
var schemaSemver = semver.MustParse("1.0.0")

// Backend is a database/sql-backed ledger.Backend.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	sign    *crypto.Signer
	mu      sync.Mutex // serializes the read-last-then-insert critical section
}

// Open runs migrations (if needed) and returns a ready Backend. db must
// already be connected with the appropriate driver registered
// (modernc.org/sqlite or github.com/lib/pq).
func Open(db *sql.DB, dialect Dialect, signer *crypto.Signer) (*Backend, error) {
	b := &Backend{db: db, dialect: dialect, sign: signer}
	if dialect == DialectSQLite {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			return nil, fmt.Errorf("ledger/sql: enable WAL: %w", err)
		}
	}
	if err := b.migrate(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	var ddl string
	switch b.dialect {
	case DialectSQLite:
		ddl = `CREATE TABLE IF NOT EXISTS ledger_entries (
			position INTEGER PRIMARY KEY,
			request_id TEXT NOT NULL,
			event TEXT NOT NULL,
			created_at TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			prev_entry_hash TEXT,
			body BLOB NOT NULL,
			entry_signature TEXT,
			schema_version TEXT NOT NULL DEFAULT '1.0.0'
		)`
	case DialectPostgres:
		ddl = `CREATE TABLE IF NOT EXISTS ledger_entries (
			position BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			event TEXT NOT NULL,
			created_at TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			prev_entry_hash TEXT,
			body BYTEA NOT NULL,
			entry_signature TEXT,
			schema_version TEXT NOT NULL DEFAULT '1.0.0'
		)`
	default:
		return fmt.Errorf("ledger/sql: unknown dialect %d", b.dialect)
	}
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ledger/sql: migrate: %w", err)
	}

	stored, err := b.storedSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if stored != "" {
		v, err := semver.NewVersion(stored)
		if err != nil {
			return fmt.Errorf("ledger/sql: existing schema_version %q is not valid semver: %w", stored, err)
		}
		if v.Major() != schemaSemver.Major() {
			return fmt.Errorf("ledger/sql: table schema_version %s is incompatible with this backend's %s", v, schemaSemver)
		}
	}
	return nil
}

func (b *Backend) storedSchemaVersion(ctx context.Context) (string, error) {
	row := b.db.QueryRowContext(ctx, `SELECT schema_version FROM ledger_entries ORDER BY position ASC LIMIT 1`)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("ledger/sql: read schema_version: %w", err)
	}
	return v, nil
}

func (b *Backend) placeholder(n int) string {
	if b.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Append implements ledger.Backend. The read-last-entry-then-insert
// sequence is wrapped in a transaction so concurrent appends serialize on
// the database's own locking (SQLite's single-writer rule in WAL mode;
// Postgres row/table locks), matching the append contract's "one
// exclusive writer at a time" requirement.
func (b *Backend) Append(ctx context.Context, entry *ledger.Entry) (*ledger.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger/sql: begin tx: %w", err)
	}
	defer tx.Rollback()

	var lastHash sql.NullString
	var lastPos sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT entry_hash, position FROM ledger_entries ORDER BY position DESC LIMIT 1`)
	if err := row.Scan(&lastHash, &lastPos); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("ledger/sql: read last entry: %w", err)
	}

	entry.SchemaVersion = ledger.SchemaVersion
	entry.LedgerVersion = ledger.LedgerVersion

	var prevHash *string
	position := int64(0)
	if lastHash.Valid {
		h := lastHash.String
		prevHash = &h
		position = lastPos.Int64 + 1
	}
	entry.PrevEntryHash = prevHash

	if err := ledger.ValidateShape(entry); err != nil {
		return nil, err
	}

	hash, err := entry.ComputeEntryHash()
	if err != nil {
		return nil, fmt.Errorf("ledger/sql: compute entry_hash: %w", err)
	}
	entry.EntryHash = hash

	if b.sign != nil {
		sigHex, err := b.sign.SignHex(hash)
		if err != nil {
			return nil, fmt.Errorf("ledger/sql: sign entry_hash: %w", err)
		}
		entry.EntrySig = &sigHex
	}
	entry.Position = position

	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("ledger/sql: marshal body: %w", err)
	}

	insert := fmt.Sprintf(
		`INSERT INTO ledger_entries (position, request_id, event, created_at, entry_hash, prev_entry_hash, body, entry_signature, schema_version)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.placeholder(1), b.placeholder(2), b.placeholder(3), b.placeholder(4),
		b.placeholder(5), b.placeholder(6), b.placeholder(7), b.placeholder(8), b.placeholder(9),
	)
	var prevHashArg interface{}
	if prevHash != nil {
		prevHashArg = *prevHash
	}
	var sigArg interface{}
	if entry.EntrySig != nil {
		sigArg = *entry.EntrySig
	}
	createdAt, err := entry.CreatedAt.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("ledger/sql: marshal created_at: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insert,
		position, entry.RequestID, entry.Event, string(createdAt), entry.EntryHash, prevHashArg, body, sigArg, schemaSemver.String(),
	); err != nil {
		return nil, fmt.Errorf("ledger/sql: insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger/sql: commit: %w", err)
	}

	return entry, nil
}

// Entries implements ledger.Backend.
func (b *Backend) Entries(ctx context.Context) ([]*ledger.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT position, body FROM ledger_entries ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/sql: query entries: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		var position int64
		var body []byte
		if err := rows.Scan(&position, &body); err != nil {
			return nil, fmt.Errorf("ledger/sql: scan row: %w", err)
		}
		var entry ledger.Entry
		if err := json.Unmarshal(body, &entry); err != nil {
			return nil, fmt.Errorf("ledger/sql: unmarshal body at position %d: %w", position, err)
		}
		entry.Position = position
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/sql: rows: %w", err)
	}
	return entries, nil
}

// Verify implements ledger.Backend.
func (b *Backend) Verify(ctx context.Context) (*ledger.Report, error) {
	return b.VerifyWithKey(ctx, nil)
}

// VerifyWithKey verifies the chain, optionally checking signatures against pub.
func (b *Backend) VerifyWithKey(ctx context.Context, pub ed25519.PublicKey) (*ledger.Report, error) {
	entries, err := b.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.VerifyEntries(entries, pub)
}

// Close implements ledger.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}
