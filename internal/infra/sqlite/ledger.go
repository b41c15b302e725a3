package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tutu-network/fieldnet/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

func ledgerMigrations() []string {
	return []string{
		// Commission ledger: append-only, one row per idempotency key.
		`CREATE TABLE IF NOT EXISTS commission_ledger (
			id              TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			source_sale_id  TEXT NOT NULL,
			beneficiary_id  TEXT NOT NULL,
			type            TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			computed_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_sale ON commission_ledger(source_sale_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_beneficiary ON commission_ledger(beneficiary_id, computed_at)`,

		// Binary cap counters per beneficiary per UTC day.
		`CREATE TABLE IF NOT EXISTS binary_caps (
			beneficiary_id TEXT NOT NULL,
			day            TEXT NOT NULL,
			reserved       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (beneficiary_id, day)
		)`,

		// One row per reservation so a recomputed sale gets its first grant back.
		`CREATE TABLE IF NOT EXISTS binary_reservations (
			idempotency_key TEXT PRIMARY KEY,
			beneficiary_id  TEXT NOT NULL,
			day             TEXT NOT NULL,
			granted         INTEGER NOT NULL
		)`,
	}
}

// ─── Ledger Operations ──────────────────────────────────────────────────────

// Append implements domain.LedgerStore. A repeated idempotency key is
// ignored and reported as not inserted.
func (db *DB) Append(ctx context.Context, e domain.CommissionLedgerEntry) (bool, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO commission_ledger (id, idempotency_key, source_sale_id, beneficiary_id, type, amount, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, e.ID, e.IdempotencyKey(), e.SourceSaleID, e.BeneficiaryID, string(e.Type), e.Amount, formatTime(e.ComputedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HasEntry implements domain.LedgerStore.
func (db *DB) HasEntry(ctx context.Context, key string) (bool, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	var one int
	err := db.db.QueryRowContext(ctx, `SELECT 1 FROM commission_ledger WHERE idempotency_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// EntriesForSale implements domain.LedgerStore.
func (db *DB) EntriesForSale(ctx context.Context, saleID string) ([]domain.CommissionLedgerEntry, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	return db.listEntries(ctx, `
		SELECT id, source_sale_id, beneficiary_id, type, amount, computed_at
		FROM commission_ledger WHERE source_sale_id = ? ORDER BY rowid
	`, saleID)
}

// EntriesFor implements domain.LedgerStore. limit <= 0 returns every entry.
func (db *DB) EntriesFor(ctx context.Context, beneficiaryID string, limit int) ([]domain.CommissionLedgerEntry, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	if limit <= 0 {
		limit = -1
	}
	return db.listEntries(ctx, `
		SELECT id, source_sale_id, beneficiary_id, type, amount, computed_at
		FROM commission_ledger WHERE beneficiary_id = ? ORDER BY rowid DESC LIMIT ?
	`, beneficiaryID, limit)
}

func (db *DB) listEntries(ctx context.Context, query string, args ...any) ([]domain.CommissionLedgerEntry, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CommissionLedgerEntry
	for rows.Next() {
		var e domain.CommissionLedgerEntry
		var typ, at string
		if err := rows.Scan(&e.ID, &e.SourceSaleID, &e.BeneficiaryID, &typ, &e.Amount, &at); err != nil {
			return nil, err
		}
		e.Type = domain.CommissionType(typ)
		e.ComputedAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Binary Cap ─────────────────────────────────────────────────────────────

// ReserveBinary implements domain.CapStore inside one transaction, so the
// day's reserved total never passes limit and a key is granted once.
func (db *DB) ReserveBinary(ctx context.Context, key, beneficiaryID, day string, amount, limit int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var granted int64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT granted FROM binary_reservations WHERE idempotency_key = ?`, key).Scan(&granted)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var used int64
		err = tx.QueryRowContext(ctx,
			`SELECT reserved FROM binary_caps WHERE beneficiary_id = ? AND day = ?`,
			beneficiaryID, day).Scan(&used)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		granted = max(min(amount, limit-used), 0)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO binary_reservations (idempotency_key, beneficiary_id, day, granted)
			VALUES (?, ?, ?, ?)
		`, key, beneficiaryID, day, granted); err != nil {
			return err
		}
		if granted == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO binary_caps (beneficiary_id, day, reserved) VALUES (?, ?, ?)
			ON CONFLICT(beneficiary_id, day) DO UPDATE SET reserved = reserved + excluded.reserved
		`, beneficiaryID, day, granted)
		return err
	})
	if err != nil {
		return 0, err
	}
	return granted, nil
}
