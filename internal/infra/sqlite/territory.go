package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/fieldnet/internal/domain"
)

// ─── Territory Schema ───────────────────────────────────────────────────────

func territoryMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS territories (
			id             TEXT PRIMARY KEY,
			territory_name TEXT NOT NULL,
			city           TEXT NOT NULL DEFAULT '',
			region         TEXT NOT NULL DEFAULT '',
			center_lat     REAL NOT NULL,
			center_lng     REAL NOT NULL,
			radius_miles   REAL NOT NULL,
			population     INTEGER NOT NULL DEFAULT 0,
			area_sq_miles  REAL NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'pending',
			quoted_price   INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		// Bounding-box prefilter for availability checks.
		`CREATE INDEX IF NOT EXISTS idx_territories_active_box ON territories(status, center_lat, center_lng)`,
	}
}

const territoryColumns = `id, territory_name, city, region, center_lat, center_lng, radius_miles,
	population, area_sq_miles, status, quoted_price, created_at, updated_at`

func scanTerritory(row rowScanner) (domain.Territory, error) {
	var t domain.Territory
	var status, created, updated string
	err := row.Scan(&t.ID, &t.TerritoryName, &t.City, &t.Region, &t.CenterLat, &t.CenterLng, &t.RadiusMiles,
		&t.Population, &t.AreaSqMiles, &status, &t.QuotedPrice, &created, &updated)
	if err != nil {
		return domain.Territory{}, err
	}
	t.Status = domain.TerritoryStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

// ─── Territory Operations ───────────────────────────────────────────────────

// InsertTerritory implements domain.TerritoryStore.
func (db *DB) InsertTerritory(ctx context.Context, t domain.Territory) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO territories (`+territoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TerritoryName, t.City, t.Region, t.CenterLat, t.CenterLng, t.RadiusMiles,
		t.Population, t.AreaSqMiles, string(t.Status), t.QuotedPrice, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return err
}

// GetTerritory implements domain.TerritoryStore.
func (db *DB) GetTerritory(ctx context.Context, id string) (domain.Territory, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	t, err := scanTerritory(db.db.QueryRowContext(ctx,
		`SELECT `+territoryColumns+` FROM territories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Territory{}, domain.ErrTerritoryNotFound
	}
	return t, err
}

// UpdateTerritoryStatus implements domain.TerritoryStore. The status only
// changes when it currently equals from.
func (db *DB) UpdateTerritoryStatus(ctx context.Context, id string, from, to domain.TerritoryStatus, at time.Time) (domain.Territory, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var out domain.Territory
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE territories SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), formatTime(at), id, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		current, err := scanTerritory(tx.QueryRowContext(ctx,
			`SELECT `+territoryColumns+` FROM territories WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTerritoryNotFound
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s is %s, not %s", domain.ErrInvalidTransition, id, current.Status, from)
		}
		out = current
		return nil
	})
	return out, err
}

// ActiveWithin implements domain.TerritoryStore.
func (db *DB) ActiveWithin(ctx context.Context, minLat, maxLat, minLng, maxLng float64) ([]domain.Territory, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+territoryColumns+` FROM territories
		WHERE status = ? AND center_lat BETWEEN ? AND ? AND center_lng BETWEEN ? AND ?
		ORDER BY rowid
	`, string(domain.TerritoryActive), minLat, maxLat, minLng, maxLng)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Territory
	for rows.Next() {
		t, err := scanTerritory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MaxActiveRadius implements domain.TerritoryStore.
func (db *DB) MaxActiveRadius(ctx context.Context) (float64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	var r sql.NullFloat64
	err := db.db.QueryRowContext(ctx,
		`SELECT MAX(radius_miles) FROM territories WHERE status = ?`, string(domain.TerritoryActive)).Scan(&r)
	if err != nil {
		return 0, err
	}
	return r.Float64, nil
}
