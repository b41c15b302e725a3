// Package commission computes the ledger entries produced by a sale.
//
// Three plans pay on every sale:
//
//	fast-start  the seller's sponsor, once, on the seller's first sale
//	binary      every binary ancestor whose matched volume grew, capped daily
//	unilevel    the seller's sponsor (L1) and the sponsor's sponsor (L2)
//
// All amounts are integer minor units, rates are basis points and results
// truncate toward zero. Entries are appended under the idempotency key
// sale:type:beneficiary, so recomputing a sale never pays twice.
package commission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

// Config holds commission rates in basis points and the binary cap.
type Config struct {
	FastStartCustomerBPS    int64 `toml:"fast_start_customer_bps"`
	FastStartDistributorBPS int64 `toml:"fast_start_distributor_bps"`
	BinaryBPS               int64 `toml:"binary_bps"`
	BinaryDailyCap          int64 `toml:"binary_daily_cap"` // minor units per distributor per UTC day
	UnilevelL1BPS           int64 `toml:"unilevel_l1_bps"`
	UnilevelL2BPS           int64 `toml:"unilevel_l2_bps"`
}

// DefaultConfig returns the documented plan.
func DefaultConfig() Config {
	return Config{
		FastStartCustomerBPS:    1_000,
		FastStartDistributorBPS: 2_000,
		BinaryBPS:               1_000,
		BinaryDailyCap:          50_000,
		UnilevelL1BPS:           500,
		UnilevelL2BPS:           200,
	}
}

// ActivityChecker decides whether a distributor qualifies to earn.
type ActivityChecker interface {
	Active(ctx context.Context, d domain.Distributor) (bool, error)
}

// Result is the outcome of computing one sale.
type Result struct {
	Entries     []domain.CommissionLedgerEntry `json:"entries"`
	Skipped     int                            `json:"skipped"` // already in the ledger
	Diagnostics []domain.IntegrityWarning      `json:"diagnostics,omitempty"`
}

// Engine computes and records commissions.
type Engine struct {
	cfg      Config
	network  domain.DistributorStore
	ledger   domain.LedgerStore
	caps     domain.CapStore
	activity ActivityChecker
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a commission engine.
func NewEngine(cfg Config, network domain.DistributorStore, ledger domain.LedgerStore, caps domain.CapStore, activity ActivityChecker, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		network:  network,
		ledger:   ledger,
		caps:     caps,
		activity: activity,
		logger:   observability.OrNop(logger).Named("commission"),
		now:      time.Now,
	}
}

// ComputeForSale pays every plan for a rolled-up sale. Dangling sponsor or
// binary links are skipped with a diagnostic; repository failures abort and
// the sale can be recomputed safely.
func (e *Engine) ComputeForSale(ctx context.Context, sale domain.SaleEvent, roll domain.RollUp) (Result, error) {
	var res Result
	seller := roll.Seller

	if err := e.fastStart(ctx, sale, seller, &res); err != nil {
		return res, err
	}
	if err := e.binary(ctx, sale, roll.Ancestors, &res); err != nil {
		return res, err
	}
	if err := e.unilevel(ctx, sale, seller, &res); err != nil {
		return res, err
	}

	if len(res.Entries) > 0 {
		e.logger.Debug("commissions recorded",
			zap.String("sale_id", sale.ID),
			zap.Int("entries", len(res.Entries)),
			zap.Int("diagnostics", len(res.Diagnostics)))
	}
	return res, nil
}

// ─── Fast Start ─────────────────────────────────────────────────────────────

var errAlreadyPaid = errors.New("fast start already paid")

func (e *Engine) fastStart(ctx context.Context, sale domain.SaleEvent, seller domain.Distributor, res *Result) error {
	if seller.SponsorID == nil {
		return nil
	}
	sponsorID := *seller.SponsorID

	key := domain.LedgerKey(sale.ID, domain.CommissionFastStart, sponsorID)
	if done, err := e.ledger.HasEntry(ctx, key); err != nil {
		return domain.Dependency("commission.has_entry", err)
	} else if done {
		res.Skipped++
		return nil
	}

	if _, err := e.network.Get(ctx, sponsorID); errors.Is(err, domain.ErrDistributorNotFound) {
		res.Diagnostics = append(res.Diagnostics, e.warn(seller.ID, sponsorID, domain.LinkSponsor, "fast-start sponsor missing"))
		return nil
	} else if err != nil {
		return domain.Dependency("commission.get_sponsor", err)
	}

	// The flag is a check-and-set on the seller row so concurrent first
	// sales pay once.
	_, err := e.network.Update(ctx, seller.ID, func(d *domain.Distributor) error {
		if d.FastStartPaid {
			return errAlreadyPaid
		}
		d.FastStartPaid = true
		return nil
	})
	if errors.Is(err, errAlreadyPaid) {
		return nil
	}
	if err != nil {
		return domain.Dependency("commission.fast_start_flag", err)
	}

	rate := e.cfg.FastStartDistributorBPS
	if sale.Type == domain.SaleCustomerReferred {
		rate = e.cfg.FastStartCustomerBPS
	}
	if err := e.record(ctx, sale, domain.CommissionFastStart, sponsorID, domain.BasisPoints(sale.Amount, rate), res); err != nil {
		e.releaseFastStart(seller.ID, sale.ID)
		return err
	}
	return nil
}

// releaseFastStart clears the flag after a failed append so recomputing the
// sale pays it. It runs on a fresh context: the caller's may be the one that
// failed.
func (e *Engine) releaseFastStart(sellerID, saleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.network.Update(ctx, sellerID, func(d *domain.Distributor) error {
		d.FastStartPaid = false
		return nil
	})
	if err != nil {
		e.logger.Error("fast start flag not released; sale must be paid by hand",
			zap.String("seller_id", sellerID),
			zap.String("sale_id", saleID),
			zap.Error(err))
	}
}

// ─── Binary ─────────────────────────────────────────────────────────────────

func (e *Engine) binary(ctx context.Context, sale domain.SaleEvent, ancestors []domain.LegSnapshot, res *Result) error {
	day := domain.PayoutDay(sale.Timestamp)
	for _, snap := range ancestors {
		growth := snap.MatchedAfter() - snap.MatchedBefore()
		if growth <= 0 {
			continue
		}
		payout := domain.BasisPoints(growth, e.cfg.BinaryBPS)
		if payout <= 0 {
			continue
		}

		key := domain.LedgerKey(sale.ID, domain.CommissionBinary, snap.DistributorID)
		if done, err := e.ledger.HasEntry(ctx, key); err != nil {
			return domain.Dependency("commission.has_entry", err)
		} else if done {
			res.Skipped++
			continue
		}

		ancestor, err := e.network.Get(ctx, snap.DistributorID)
		if errors.Is(err, domain.ErrDistributorNotFound) {
			res.Diagnostics = append(res.Diagnostics, e.warn(sale.DistributorID, snap.DistributorID, domain.LinkBinary, "binary ancestor missing"))
			continue
		}
		if err != nil {
			return domain.Dependency("commission.get_ancestor", err)
		}
		active, err := e.activity.Active(ctx, ancestor)
		if err != nil {
			return err
		}
		if !active {
			continue
		}

		// Keyed by the ledger key: recomputing after a failed append gets the
		// same grant back instead of drawing on the cap again.
		granted, err := e.caps.ReserveBinary(ctx, key, ancestor.ID, day, payout, e.cfg.BinaryDailyCap)
		if err != nil {
			return domain.Dependency("commission.reserve_binary", err)
		}
		if discarded := payout - granted; discarded > 0 {
			observability.BinaryCapDiscarded.Add(float64(discarded))
			e.logger.Debug("binary payout capped",
				zap.String("distributor_id", ancestor.ID),
				zap.String("day", day),
				zap.Int64("discarded", discarded))
		}
		if err := e.record(ctx, sale, domain.CommissionBinary, ancestor.ID, granted, res); err != nil {
			return err
		}
	}
	return nil
}

// ─── Unilevel ───────────────────────────────────────────────────────────────

func (e *Engine) unilevel(ctx context.Context, sale domain.SaleEvent, seller domain.Distributor, res *Result) error {
	levels := []struct {
		typ domain.CommissionType
		bps int64
	}{
		{domain.CommissionUnilevelL1, e.cfg.UnilevelL1BPS},
		{domain.CommissionUnilevelL2, e.cfg.UnilevelL2BPS},
	}

	from := seller
	for _, lvl := range levels {
		if from.SponsorID == nil {
			return nil
		}
		sponsorID := *from.SponsorID
		sponsor, err := e.network.Get(ctx, sponsorID)
		if errors.Is(err, domain.ErrDistributorNotFound) {
			res.Diagnostics = append(res.Diagnostics, e.warn(from.ID, sponsorID, domain.LinkSponsor, "unilevel sponsor missing"))
			return nil
		}
		if err != nil {
			return domain.Dependency("commission.get_sponsor", err)
		}

		key := domain.LedgerKey(sale.ID, lvl.typ, sponsor.ID)
		done, err := e.ledger.HasEntry(ctx, key)
		if err != nil {
			return domain.Dependency("commission.has_entry", err)
		}
		if done {
			res.Skipped++
		} else {
			active, err := e.activity.Active(ctx, sponsor)
			if err != nil {
				return err
			}
			if active {
				if err := e.record(ctx, sale, lvl.typ, sponsor.ID, domain.BasisPoints(sale.Amount, lvl.bps), res); err != nil {
					return err
				}
			}
		}
		from = sponsor
	}
	return nil
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

// record appends a non-zero entry. A duplicate key counts as skipped.
func (e *Engine) record(ctx context.Context, sale domain.SaleEvent, typ domain.CommissionType, beneficiaryID string, amount int64, res *Result) error {
	if amount <= 0 {
		return nil
	}
	entry := domain.CommissionLedgerEntry{
		ID:            uuid.NewString(),
		SourceSaleID:  sale.ID,
		BeneficiaryID: beneficiaryID,
		Type:          typ,
		Amount:        amount,
		ComputedAt:    e.now().UTC(),
	}
	inserted, err := e.ledger.Append(ctx, entry)
	if err != nil {
		return domain.Dependency("commission.append", err)
	}
	if !inserted {
		res.Skipped++
		return nil
	}
	observability.CommissionPaid.WithLabelValues(string(typ)).Add(float64(amount))
	res.Entries = append(res.Entries, entry)
	return nil
}

func (e *Engine) warn(from, missing string, link domain.LinkKind, detail string) domain.IntegrityWarning {
	observability.IntegrityWarnings.WithLabelValues(string(link)).Inc()
	e.logger.Warn("commission integrity warning",
		zap.String("distributor_id", from),
		zap.String("missing_id", missing),
		zap.String("link", string(link)),
		zap.String("detail", detail))
	return domain.IntegrityWarning{DistributorID: from, MissingID: missing, Link: link, Detail: detail}
}
