// Package sqlite is the durable repository: distributors, sales, the
// commission ledger with its daily binary caps, territories and referrals,
// all in one SQLite file via the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tutu-network/fieldnet/internal/domain"
)

var (
	_ domain.NetworkStore   = (*DB)(nil)
	_ domain.LedgerStore    = (*DB)(nil)
	_ domain.CapStore       = (*DB)(nil)
	_ domain.TerritoryStore = (*DB)(nil)
	_ domain.ReferralStore  = (*DB)(nil)
)

// FileName is the database file created inside the data directory.
const FileName = "fieldnet.db"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite handle.
type DB struct {
	db      *sql.DB
	timeout time.Duration // per-operation deadline; 0 disables
}

// Option configures a DB.
type Option func(*DB)

// WithTimeout bounds every repository call. A call that runs past it fails
// with context.DeadlineExceeded, which callers treat as retryable.
func WithTimeout(d time.Duration) Option {
	return func(db *DB) { db.timeout = d }
}

// Open opens (creating if needed) the database in dir and applies the schema.
func Open(dir string, opts ...Option) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := "file:" + filepath.Join(dir, FileName) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer: every read-modify-write transaction is serialized.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	for _, o := range opts {
		o(db)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

// Ping verifies the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Migrate applies every schema statement. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Migrations returns the schema statements in order.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	var out []string
	out = append(out, networkMigrations()...)
	out = append(out, ledgerMigrations()...)
	out = append(out, territoryMigrations()...)
	out = append(out, referralMigrations()...)
	return out
}

// opCtx applies the per-operation deadline.
func (db *DB) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.timeout)
}

// inTx runs fn in a transaction, rolling back on error.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable maps an optional id to a SQL NULL.
func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
