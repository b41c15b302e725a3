package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tutu-network/fieldnet/internal/domain"
)

// ─── Network Schema ─────────────────────────────────────────────────────────

func networkMigrations() []string {
	return []string{
		// Distributors: one row per node of both trees. Never deleted.
		`CREATE TABLE IF NOT EXISTS distributors (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			display_name     TEXT NOT NULL DEFAULT '',
			code             TEXT NOT NULL UNIQUE,
			sponsor_id       TEXT,
			binary_parent_id TEXT,
			binary_side      TEXT NOT NULL DEFAULT '',
			rank             INTEGER NOT NULL DEFAULT 0,
			personal_volume  INTEGER NOT NULL DEFAULT 0,
			left_leg_volume  INTEGER NOT NULL DEFAULT 0,
			right_leg_volume INTEGER NOT NULL DEFAULT 0,
			team_volume      INTEGER NOT NULL DEFAULT 0,
			active_leg_count INTEGER NOT NULL DEFAULT 0,
			is_active        INTEGER NOT NULL DEFAULT 0,
			fast_start_paid  INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL DEFAULT 'active',
			created_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_distributors_sponsor ON distributors(sponsor_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_distributors_slot ON distributors(binary_parent_id, binary_side)`,

		// Sales: immutable events.
		`CREATE TABLE IF NOT EXISTS sales (
			id             TEXT PRIMARY KEY,
			distributor_id TEXT NOT NULL,
			amount         INTEGER NOT NULL,
			pv             INTEGER NOT NULL,
			type           TEXT NOT NULL,
			occurred_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_distributor ON sales(distributor_id, occurred_at)`,
	}
}

const distributorColumns = `id, user_id, display_name, code, sponsor_id, binary_parent_id, binary_side,
	rank, personal_volume, left_leg_volume, right_leg_volume, team_volume,
	active_leg_count, is_active, fast_start_paid, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDistributor(row rowScanner) (domain.Distributor, error) {
	var (
		d                 domain.Distributor
		sponsor, parent   sql.NullString
		side, status      string
		active, fastStart int
		created           string
	)
	err := row.Scan(&d.ID, &d.UserID, &d.DisplayName, &d.Code, &sponsor, &parent, &side,
		&d.Rank, &d.PersonalVolume, &d.LeftLegVolume, &d.RightLegVolume, &d.TeamVolume,
		&d.ActiveLegCount, &active, &fastStart, &status, &created)
	if err != nil {
		return domain.Distributor{}, err
	}
	d.SponsorID = fromNullable(sponsor)
	d.BinaryParentID = fromNullable(parent)
	d.BinarySide = domain.Side(side)
	d.IsActive = active == 1
	d.FastStartPaid = fastStart == 1
	d.Status = domain.DistributorStatus(status)
	d.CreatedAt = parseTime(created)
	return d, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getDistributor(ctx context.Context, q querier, where string, arg any) (domain.Distributor, error) {
	d, err := scanDistributor(q.QueryRowContext(ctx,
		`SELECT `+distributorColumns+` FROM distributors WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Distributor{}, domain.ErrDistributorNotFound
	}
	return d, err
}

func listDistributors(ctx context.Context, q querier, query string, args ...any) ([]domain.Distributor, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Distributor
	for rows.Next() {
		d, err := scanDistributor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ─── Distributor Operations ─────────────────────────────────────────────────

// Insert implements domain.DistributorStore.
func (db *DB) Insert(ctx context.Context, d domain.Distributor) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	return db.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM distributors WHERE id = ?`, d.ID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("distributor %s already exists", d.ID)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM distributors WHERE code = ?`, d.Code).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrDuplicateCode
		}

		if d.SponsorID != nil {
			if _, err := getDistributor(ctx, tx, `id = ?`, *d.SponsorID); err != nil {
				return fmt.Errorf("sponsor %s: %w", *d.SponsorID, err)
			}
			if cyc, err := reaches(ctx, tx, "sponsor_id", *d.SponsorID, d.ID); err != nil {
				return err
			} else if cyc {
				return domain.ErrCycleDetected
			}
		}

		if d.BinaryParentID == nil {
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM distributors WHERE binary_parent_id IS NULL`).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrSlotTaken
			}
		} else {
			if !d.BinarySide.Valid() {
				return domain.Invalid("binary_side", "must be left or right")
			}
			if _, err := getDistributor(ctx, tx, `id = ?`, *d.BinaryParentID); err != nil {
				return fmt.Errorf("binary parent %s: %w", *d.BinaryParentID, err)
			}
			if cyc, err := reaches(ctx, tx, "binary_parent_id", *d.BinaryParentID, d.ID); err != nil {
				return err
			} else if cyc {
				return domain.ErrCycleDetected
			}
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM distributors WHERE binary_parent_id = ? AND binary_side = ?`,
				*d.BinaryParentID, string(d.BinarySide)).Scan(&n)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrSlotTaken
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO distributors (`+distributorColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.UserID, d.DisplayName, d.Code, nullable(d.SponsorID), nullable(d.BinaryParentID), string(d.BinarySide),
			int(d.Rank), d.PersonalVolume, d.LeftLegVolume, d.RightLegVolume, d.TeamVolume,
			d.ActiveLegCount, boolInt(d.IsActive), boolInt(d.FastStartPaid), string(d.Status), formatTime(d.CreatedAt))
		return err
	})
}

// reaches reports whether following column upward from start arrives at
// target. Dangling or looping links end the walk.
func reaches(ctx context.Context, tx *sql.Tx, column, start, target string) (bool, error) {
	seen := map[string]bool{}
	cur := start
	for {
		if cur == target {
			return true, nil
		}
		if seen[cur] {
			return false, nil
		}
		seen[cur] = true
		var next sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT `+column+` FROM distributors WHERE id = ?`, cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !next.Valid) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		cur = next.String
	}
}

// Get implements domain.DistributorStore.
func (db *DB) Get(ctx context.Context, id string) (domain.Distributor, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	return getDistributor(ctx, db.db, `id = ?`, id)
}

// GetByCode implements domain.DistributorStore.
func (db *DB) GetByCode(ctx context.Context, code string) (domain.Distributor, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	return getDistributor(ctx, db.db, `code = ?`, code)
}

// Root implements domain.DistributorStore.
func (db *DB) Root(ctx context.Context) (domain.Distributor, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	d, err := scanDistributor(db.db.QueryRowContext(ctx,
		`SELECT `+distributorColumns+` FROM distributors WHERE binary_parent_id IS NULL ORDER BY rowid LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Distributor{}, domain.ErrDistributorNotFound
	}
	return d, err
}

// Update implements domain.DistributorStore. The row is read, modified and
// written back inside one transaction; identity and tree links are kept.
func (db *DB) Update(ctx context.Context, id string, fn func(*domain.Distributor) error) (domain.Distributor, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var out domain.Distributor
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getDistributor(ctx, tx, `id = ?`, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE distributors SET
				display_name     = ?,
				rank             = ?,
				personal_volume  = ?,
				left_leg_volume  = ?,
				right_leg_volume = ?,
				team_volume      = ?,
				active_leg_count = ?,
				is_active        = ?,
				fast_start_paid  = ?,
				status           = ?
			WHERE id = ?
		`, next.DisplayName, int(next.Rank), next.PersonalVolume, next.LeftLegVolume, next.RightLegVolume,
			next.TeamVolume, next.ActiveLegCount, boolInt(next.IsActive), boolInt(next.FastStartPaid),
			string(next.Status), id)
		if err != nil {
			return err
		}

		next.ID, next.Code, next.UserID = current.ID, current.Code, current.UserID
		next.SponsorID, next.BinaryParentID, next.BinarySide = current.SponsorID, current.BinaryParentID, current.BinarySide
		next.CreatedAt = current.CreatedAt
		out = next
		return nil
	})
	if err != nil {
		return domain.Distributor{}, err
	}
	return out, nil
}

// SponsoredBy implements domain.DistributorStore.
func (db *DB) SponsoredBy(ctx context.Context, sponsorID string) ([]domain.Distributor, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	return listDistributors(ctx, db.db,
		`SELECT `+distributorColumns+` FROM distributors WHERE sponsor_id = ? ORDER BY rowid`, sponsorID)
}

// BinaryChildren implements domain.DistributorStore.
func (db *DB) BinaryChildren(ctx context.Context, parentID string) (left, right *domain.Distributor, err error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	children, err := listDistributors(ctx, db.db,
		`SELECT `+distributorColumns+` FROM distributors WHERE binary_parent_id = ?`, parentID)
	if err != nil {
		return nil, nil, err
	}
	for i := range children {
		c := children[i]
		switch c.BinarySide {
		case domain.SideLeft:
			left = &c
		case domain.SideRight:
			right = &c
		}
	}
	return left, right, nil
}

// All implements domain.DistributorStore.
func (db *DB) All(ctx context.Context) ([]domain.Distributor, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	return listDistributors(ctx, db.db, `SELECT `+distributorColumns+` FROM distributors ORDER BY rowid`)
}

// ─── Sale Operations ────────────────────────────────────────────────────────

// InsertSale implements domain.SaleStore.
func (db *DB) InsertSale(ctx context.Context, s domain.SaleEvent) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO sales (id, distributor_id, amount, pv, type, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.DistributorID, s.Amount, s.PV, string(s.Type), formatTime(s.Timestamp))
	return err
}

// SalesFor returns a distributor's sales, oldest first.
func (db *DB) SalesFor(ctx context.Context, distributorID string) ([]domain.SaleEvent, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, distributor_id, amount, pv, type, occurred_at
		FROM sales WHERE distributor_id = ? ORDER BY occurred_at, rowid
	`, distributorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SaleEvent
	for rows.Next() {
		var s domain.SaleEvent
		var typ, at string
		if err := rows.Scan(&s.ID, &s.DistributorID, &s.Amount, &s.PV, &typ, &at); err != nil {
			return nil, err
		}
		s.Type = domain.SaleType(typ)
		s.Timestamp = parseTime(at)
		out = append(out, s)
	}
	return out, rows.Err()
}
