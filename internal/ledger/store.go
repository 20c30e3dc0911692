package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable subscription ledger backed by SQLite. All mutating
// engine operations run inside a single Store transaction so that the
// "at most one active per user per type" invariant survives interleaved
// callers.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL,
		external_customer_id     TEXT NOT NULL DEFAULT '',
		external_subscription_id TEXT NOT NULL DEFAULT '',
		external_price_id        TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL,
		transaction_type         TEXT NOT NULL,
		tier                     TEXT NOT NULL DEFAULT 'pro',
		current_period_end       INTEGER,
		cancel_at_period_end     INTEGER NOT NULL DEFAULT 0,
		is_gift                  INTEGER NOT NULL DEFAULT 0,
		metadata                 TEXT NOT NULL DEFAULT '{}',
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(external_customer_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_external ON subscriptions(external_subscription_id);

	CREATE TABLE IF NOT EXISTS gift_details (
		subscription_id TEXT PRIMARY KEY REFERENCES subscriptions(id),
		sender_name     TEXT NOT NULL DEFAULT '',
		gift_message    TEXT NOT NULL DEFAULT '',
		gift_type       TEXT NOT NULL,
		gift_quantity   INTEGER NOT NULL DEFAULT 1,
		created_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS external_charges (
		external_charge_id   TEXT PRIMARY KEY,
		external_invoice_id  TEXT NOT NULL DEFAULT '',
		user_id              TEXT NOT NULL,
		external_customer_id TEXT NOT NULL DEFAULT '',
		amount               INTEGER NOT NULL DEFAULT 0,
		currency             TEXT NOT NULL DEFAULT 'usd',
		status               TEXT NOT NULL DEFAULT 'pending',
		last_webhook_at      INTEGER,
		metadata             TEXT NOT NULL DEFAULT '{}',
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_external_charges_status ON external_charges(status);
	CREATE INDEX IF NOT EXISTS idx_external_charges_user ON external_charges(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx bundles the ledger queries available inside one read-check-write
// bracket. A Tx obtained from View reads committed state outside any
// transaction; a Tx passed to the WithTx callback is transactional.
type Tx struct {
	ctx context.Context
	q   dbtx
}

// View returns a non-transactional Tx for read-only lookups.
func (s *Store) View(ctx context.Context) *Tx {
	return &Tx{ctx: ctx, q: s.db}
}

// WithTx runs fn inside a single database transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	if err := fn(&Tx{ctx: ctx, q: dbTx}); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
