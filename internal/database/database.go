package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so that stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Querier is satisfied by both *sql.DB and *sql.Tx, so store functions can run
// either standalone or inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// Options tunes the SQLite connection.
type Options struct {
	BusyTimeout time.Duration
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	return NewDBWithOptions(dbPath, Options{BusyTimeout: 5 * time.Second})
}

// NewDBWithOptions opens the database with explicit options.
//
// Write transactions are started with BEGIN IMMEDIATE and the pool holds a
// single connection, which makes every balance and counter mutation strictly
// serialized.
func NewDBWithOptions(dbPath string, opts Options) (*DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=1&_txlock=immediate&_journal_mode=WAL&_busy_timeout=%d",
		dbPath, opts.BusyTimeout.Milliseconds())

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the connection pool as a Querier for reads outside a transaction.
func (db *DB) Conn() Querier {
	return db.conn
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WithTx runs fn inside a write transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reward_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			action_type TEXT NOT NULL,
			service_slug TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL,
			reward_type TEXT NOT NULL,
			reward_amount TEXT NOT NULL,
			max_reward_amount INTEGER,
			min_amount INTEGER,
			max_uses_per_user INTEGER,
			max_total_uses INTEGER,
			current_total_uses INTEGER NOT NULL DEFAULT 0,
			reward_recipient TEXT NOT NULL,
			referrer_reward_amount TEXT,
			referee_reward_amount TEXT,
			valid_from TEXT,
			valid_until TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			archived_at TEXT,
			CHECK (max_total_uses IS NULL OR current_total_uses <= max_total_uses)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_action_active ON reward_rules(action_type, is_active)`,
		`CREATE TABLE IF NOT EXISTS reward_rule_versions (
			rule_id TEXT NOT NULL REFERENCES reward_rules(id),
			version INTEGER NOT NULL,
			definition TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (rule_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS referral_events (
			id TEXT PRIMARY KEY,
			referrer_id TEXT NOT NULL,
			referee_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'rewarded', 'expired')),
			created_at TEXT NOT NULL,
			completed_at TEXT,
			rewarded_at TEXT,
			UNIQUE (referrer_id, referee_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referral_events(referrer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_created_at ON referral_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL CHECK (amount > 0),
			type TEXT NOT NULL CHECK (type IN ('income', 'outcome')),
			status TEXT NOT NULL CHECK (status IN ('pending', 'verified', 'rejected')),
			tag TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			date TEXT NOT NULL,
			verified_at TEXT,
			verified_by TEXT NOT NULL DEFAULT '',
			rule_id TEXT REFERENCES reward_rules(id),
			rule_version INTEGER NOT NULL DEFAULT 0,
			referral_event_id TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_rule ON transactions(rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date)`,
		`CREATE TABLE IF NOT EXISTS wallet_balances (
			user_id TEXT PRIMARY KEY,
			verified_incomes INTEGER NOT NULL DEFAULT 0,
			verified_outcomes INTEGER NOT NULL DEFAULT 0,
			pending_incomes INTEGER NOT NULL DEFAULT 0,
			pending_outcomes INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			CHECK (verified_incomes >= verified_outcomes)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			rule_id TEXT NOT NULL REFERENCES reward_rules(id),
			user_id TEXT NOT NULL,
			uses INTEGER NOT NULL,
			PRIMARY KEY (rule_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			payload_hash TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('processing', 'completed')),
			result TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reward_grants (
			event_id TEXT NOT NULL,
			rule_id TEXT NOT NULL REFERENCES reward_rules(id),
			recipient_role TEXT NOT NULL,
			user_id TEXT NOT NULL,
			referral_event_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL REFERENCES transactions(id),
			amount INTEGER NOT NULL,
			reward_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (event_id, rule_id, recipient_role)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_referral ON reward_grants(referral_event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_created_at ON reward_grants(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			rule_id TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL DEFAULT '',
			transaction_id TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// FormatTime renders a timestamp in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// NullTime converts an optional timestamp into a nullable column value.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseNullTime converts a nullable column back into an optional timestamp.
func ParseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NullInt64 converts an optional integer into a nullable column value.
func NullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
