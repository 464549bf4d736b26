package sql

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/lemnk/sudo-agent/pkg/canon"
	"github.com/lemnk/sudo-agent/pkg/ledger"
)

func TestAppendInsertsFirstEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ledger_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT schema_version FROM ledger_entries ORDER BY position ASC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"schema_version"}))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT entry_hash, position FROM ledger_entries ORDER BY position DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash", "position"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	b, err := Open(db, DialectPostgres, nil)
	require.NoError(t, err)

	entry := &ledger.Entry{
		RequestID: "req-1",
		CreatedAt: canon.NewTime(time.Now()),
		Event:     ledger.EventDecision,
		Action:    "refund",
		Decision: &ledger.Decision{
			Effect:     ledger.EffectAllow,
			Reason:     "within limit",
			PolicyID:   "default",
			PolicyHash: "policyhash",
		},
	}
	hash, err := ledger.DecisionHash(ledger.DecisionHashInput{
		RequestID: "req-1", DecisionAt: entry.CreatedAt, PolicyHash: "policyhash", Action: "refund",
	})
	require.NoError(t, err)
	entry.Decision.DecisionHash = hash

	stored, err := b.Append(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, int64(0), stored.Position)
	require.Nil(t, stored.PrevEntryHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendChainsToLastEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ledger_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT schema_version FROM ledger_entries ORDER BY position ASC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"schema_version"}).AddRow("1.0.0"))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT entry_hash, position FROM ledger_entries ORDER BY position DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash", "position"}).AddRow("priorhash", 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	b, err := Open(db, DialectPostgres, nil)
	require.NoError(t, err)

	entry := &ledger.Entry{
		RequestID: "req-1",
		CreatedAt: canon.NewTime(time.Now()),
		Event:     ledger.EventOutcome,
		Action:    "refund",
		Outcome:   &ledger.Outcome{Status: ledger.OutcomeSuccess, DecisionHash: "decisionhash"},
	}

	stored, err := b.Append(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Position)
	require.NotNil(t, stored.PrevEntryHash)
	require.Equal(t, "priorhash", *stored.PrevEntryHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRejectsIncompatibleSchemaVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ledger_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT schema_version FROM ledger_entries ORDER BY position ASC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"schema_version"}).AddRow("2.0.0"))

	_, err = Open(db, DialectPostgres, nil)
	require.Error(t, err)
}
