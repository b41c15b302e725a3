package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/fieldnet/internal/domain"
)

// ─── Referral Schema ────────────────────────────────────────────────────────

func referralMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS referrals (
			id               TEXT PRIMARY KEY,
			referrer_code    TEXT NOT NULL,
			referred_contact TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			created_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_created ON referrals(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_code ON referrals(referrer_code)`,
	}
}

// ─── Referral Operations ────────────────────────────────────────────────────

// InsertReferral implements domain.ReferralStore.
func (db *DB) InsertReferral(ctx context.Context, r domain.ReferralRecord) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_code, referred_contact, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.ReferrerCode, r.ReferredContact, string(r.Status), formatTime(r.CreatedAt))
	return err
}

// UpdateReferralStatus implements domain.ReferralStore.
func (db *DB) UpdateReferralStatus(ctx context.Context, id string, status domain.ReferralStatus) (domain.ReferralRecord, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var out domain.ReferralRecord
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE referrals SET status = ? WHERE id = ?`, string(status), id); err != nil {
			return err
		}
		var st, at string
		err := tx.QueryRowContext(ctx, `
			SELECT id, referrer_code, referred_contact, status, created_at FROM referrals WHERE id = ?
		`, id).Scan(&out.ID, &out.ReferrerCode, &out.ReferredContact, &st, &at)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrReferralNotFound
		}
		if err != nil {
			return err
		}
		out.Status = domain.ReferralStatus(st)
		out.CreatedAt = parseTime(at)
		return nil
	})
	return out, err
}

// ReferrerStats implements domain.ReferralStore. Results are ordered by
// referrer code; the name comes from the distributor holding the code.
func (db *DB) ReferrerStats(ctx context.Context, since time.Time) ([]domain.ReferrerStats, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	rows, err := db.db.QueryContext(ctx, `
		SELECT r.referrer_code,
		       COALESCE(MAX(d.display_name), ''),
		       COUNT(*),
		       SUM(CASE WHEN r.status = 'customer' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN r.status = 'distributor' THEN 1 ELSE 0 END)
		FROM referrals r
		LEFT JOIN distributors d ON d.code = r.referrer_code
		WHERE r.created_at >= ?
		GROUP BY r.referrer_code
		ORDER BY r.referrer_code
	`, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReferrerStats
	for rows.Next() {
		var s domain.ReferrerStats
		if err := rows.Scan(&s.ReferrerCode, &s.Name, &s.Referrals, &s.Customers, &s.Distributors); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
