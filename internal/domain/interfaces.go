package domain

import (
	"context"
	"time"
)

// ─── Repository Interfaces ──────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.
// Every per-distributor aggregate is a row behind these interfaces, never a
// process-wide global, so several workers can serialize writes per row.

// DistributorStore persists the distributor network.
type DistributorStore interface {
	// Insert stores a new distributor. It fails with ErrDuplicateCode when the
	// code is taken and ErrSlotTaken when the binary slot is occupied.
	Insert(ctx context.Context, d Distributor) error

	// Get returns a distributor by id or ErrDistributorNotFound.
	Get(ctx context.Context, id string) (Distributor, error)

	// GetByCode returns a distributor by public code or ErrDistributorNotFound.
	GetByCode(ctx context.Context, code string) (Distributor, error)

	// Root returns the binary root, or ErrDistributorNotFound on an empty network.
	Root(ctx context.Context) (Distributor, error)

	// Update performs an atomic read-modify-write on one distributor row.
	// Concurrent updates of the same id are serialized.
	Update(ctx context.Context, id string, fn func(*Distributor) error) (Distributor, error)

	// SponsoredBy lists direct sponsor-tree children.
	SponsoredBy(ctx context.Context, sponsorID string) ([]Distributor, error)

	// BinaryChildren returns the left and right placement children (nil when open).
	BinaryChildren(ctx context.Context, parentID string) (left, right *Distributor, err error)

	// All lists every distributor; used by period maintenance.
	All(ctx context.Context) ([]Distributor, error)
}

// SaleStore records immutable sale events.
type SaleStore interface {
	InsertSale(ctx context.Context, s SaleEvent) error
}

// NetworkStore is the full persistence surface of the distributor network.
type NetworkStore interface {
	DistributorStore
	SaleStore
}

// LedgerStore is the append-only commission ledger plus the daily binary
// cap counters.
type LedgerStore interface {
	// Append records an entry unless its idempotency key exists.
	// It reports whether the entry was newly inserted.
	Append(ctx context.Context, e CommissionLedgerEntry) (bool, error)

	// HasEntry reports whether an idempotency key is already recorded.
	HasEntry(ctx context.Context, key string) (bool, error)

	// EntriesForSale lists ledger entries produced by one sale.
	EntriesForSale(ctx context.Context, saleID string) ([]CommissionLedgerEntry, error)

	// EntriesFor lists entries paid to one beneficiary, newest first.
	EntriesFor(ctx context.Context, beneficiaryID string, limit int) ([]CommissionLedgerEntry, error)
}

// CapStore enforces the per-distributor per-day binary payout cap.
type CapStore interface {
	// ReserveBinary atomically grants up to amount, never letting the day's
	// total exceed limit. It returns the granted portion (0 once capped).
	// The grant is recorded under key: reserving the same key again returns
	// the first grant and consumes nothing more.
	ReserveBinary(ctx context.Context, key, beneficiaryID, day string, amount, limit int64) (int64, error)
}

// TerritoryStore persists territory applications and claims.
type TerritoryStore interface {
	InsertTerritory(ctx context.Context, t Territory) error
	GetTerritory(ctx context.Context, id string) (Territory, error)
	UpdateTerritoryStatus(ctx context.Context, id string, from, to TerritoryStatus, at time.Time) (Territory, error)

	// ActiveWithin returns active territories whose center lies inside the
	// bounding box [minLat,maxLat]×[minLng,maxLng]. Exact distance filtering
	// is the caller's job.
	ActiveWithin(ctx context.Context, minLat, maxLat, minLng, maxLng float64) ([]Territory, error)

	// MaxActiveRadius returns the largest radius among active territories.
	MaxActiveRadius(ctx context.Context) (float64, error)
}

// ReferralStore persists referral records and their aggregates.
type ReferralStore interface {
	InsertReferral(ctx context.Context, r ReferralRecord) error
	UpdateReferralStatus(ctx context.Context, id string, status ReferralStatus) (ReferralRecord, error)

	// ReferrerStats aggregates records created at or after since, joined to
	// the referrer's display name.
	ReferrerStats(ctx context.Context, since time.Time) ([]ReferrerStats, error)
}

// Locker serializes critical sections keyed by name across workers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
