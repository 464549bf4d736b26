package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Dialect distinguishes placeholder syntax between the supported drivers.
// SQLite and Postgres both support the upsert syntax used below.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStorage implements Storage over database/sql, so counters and
// reservations survive restarts and retries don't double-charge.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStorage runs migrations and returns a ready SQLStorage.
func NewSQLStorage(db *sql.DB, dialect Dialect) (*SQLStorage, error) {
	s := &SQLStorage{db: db, dialect: dialect}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStorage) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS budget_counters (
			counter_key TEXT PRIMARY KEY,
			total BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS budget_reservations (
			request_id TEXT PRIMARY KEY,
			body BLOB NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("budget/sql: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStorage) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStorage) GetReservation(ctx context.Context, requestID string) (*Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT body FROM budget_reservations WHERE request_id = %s`, s.placeholder(1)),
		requestID)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("budget/sql: get reservation: %w", err)
	}
	var r Reservation
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("budget/sql: unmarshal reservation: %w", err)
	}
	return &r, nil
}

func (s *SQLStorage) SaveReservation(ctx context.Context, r *Reservation) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("budget/sql: marshal reservation: %w", err)
	}
	var query string
	if s.dialect == DialectPostgres {
		query = `INSERT INTO budget_reservations (request_id, body) VALUES ($1, $2)
			ON CONFLICT (request_id) DO UPDATE SET body = EXCLUDED.body`
	} else {
		query = `INSERT INTO budget_reservations (request_id, body) VALUES (?, ?)
			ON CONFLICT (request_id) DO UPDATE SET body = excluded.body`
	}
	if _, err := s.db.ExecContext(ctx, query, r.RequestID, body); err != nil {
		return fmt.Errorf("budget/sql: save reservation: %w", err)
	}
	return nil
}

func (s *SQLStorage) CounterTotal(ctx context.Context, counterKey string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT total FROM budget_counters WHERE counter_key = %s`, s.placeholder(1)),
		counterKey)
	var total int64
	if err := row.Scan(&total); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("budget/sql: counter total: %w", err)
	}
	return total, nil
}

// AdjustCounter upserts counterKey's running total by delta in a single
// statement so concurrent adjustments serialize on the row lock instead of
// racing a read-modify-write from the caller.
func (s *SQLStorage) AdjustCounter(ctx context.Context, counterKey string, delta int64) error {
	var query string
	if s.dialect == DialectPostgres {
		query = `INSERT INTO budget_counters (counter_key, total) VALUES ($1, $2)
			ON CONFLICT (counter_key) DO UPDATE SET total = budget_counters.total + EXCLUDED.total`
	} else {
		query = `INSERT INTO budget_counters (counter_key, total) VALUES (?, ?)
			ON CONFLICT (counter_key) DO UPDATE SET total = budget_counters.total + excluded.total`
	}
	if _, err := s.db.ExecContext(ctx, query, counterKey, delta); err != nil {
		return fmt.Errorf("budget/sql: adjust counter: %w", err)
	}
	return nil
}
