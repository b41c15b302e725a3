// Package service is the narrow external interface over the network,
// compensation, territory and referral engines. Transports (HTTP, CLI) call
// this package only.
//
// Reads are retried once when the repository reports a retryable failure.
// Writes are never retried: a write that timed out may have landed.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/app/commission"
	"github.com/tutu-network/fieldnet/internal/app/leaderboard"
	"github.com/tutu-network/fieldnet/internal/app/network"
	"github.com/tutu-network/fieldnet/internal/app/pricing"
	"github.com/tutu-network/fieldnet/internal/app/rank"
	"github.com/tutu-network/fieldnet/internal/app/territory"
	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

// Deps are the engines the facade delegates to.
type Deps struct {
	Network     *network.Service
	Ranks       *rank.Engine
	Commissions *commission.Engine
	Ledger      domain.LedgerStore
	Territories *territory.Service
	Pricer      *pricing.Engine
	Leaderboard *leaderboard.Service
	Tracer      *observability.Tracer
	Logger      *zap.Logger
}

// Service is the facade.
type Service struct {
	network     *network.Service
	ranks       *rank.Engine
	commissions *commission.Engine
	ledger      domain.LedgerStore
	territories *territory.Service
	pricer      *pricing.Engine
	leaderboard *leaderboard.Service
	tracer      *observability.Tracer
	logger      *zap.Logger
}

// New creates the facade.
func New(d Deps) *Service {
	return &Service{
		network:     d.Network,
		ranks:       d.Ranks,
		commissions: d.Commissions,
		ledger:      d.Ledger,
		territories: d.Territories,
		pricer:      d.Pricer,
		leaderboard: d.Leaderboard,
		tracer:      d.Tracer,
		logger:      observability.OrNop(d.Logger).Named("service"),
	}
}

// Tracer exposes the span recorder for the debug endpoint.
func (s *Service) Tracer() *observability.Tracer { return s.tracer }

// ─── Network ────────────────────────────────────────────────────────────────

// EnrollDistributor enrolls a distributor under the sponsor with sponsorCode
// (empty for an unsponsored enrollment).
func (s *Service) EnrollDistributor(ctx context.Context, userID, displayName, sponsorCode string) (d domain.Distributor, err error) {
	span := s.tracer.StartSpan(ctx, "enroll_distributor", map[string]string{"sponsor_code": sponsorCode})
	defer func() { s.tracer.EndSpan(span, err) }()

	return s.network.Enroll(ctx, network.EnrollRequest{UserID: userID, DisplayName: displayName, SponsorCode: sponsorCode})
}

// GetDistributor returns one distributor.
func (s *Service) GetDistributor(ctx context.Context, id string) (domain.Distributor, error) {
	return retryRead(ctx, s, "get_distributor", func() (domain.Distributor, error) {
		return s.network.Get(ctx, id)
	})
}

// GetTeam returns the distributor's direct sponsor-tree recruits.
func (s *Service) GetTeam(ctx context.Context, id string) ([]domain.Distributor, error) {
	return retryRead(ctx, s, "get_team", func() ([]domain.Distributor, error) {
		return s.network.Team(ctx, id)
	})
}

// SaleOutcome is everything recording one sale produced.
type SaleOutcome struct {
	Sale        domain.SaleEvent               `json:"sale"`
	Seller      domain.Distributor             `json:"seller"`
	Promoted    []RankChange                   `json:"promoted,omitempty"`
	Entries     []domain.CommissionLedgerEntry `json:"entries"`
	Diagnostics []domain.IntegrityWarning      `json:"diagnostics,omitempty"`
}

// RankChange records a promotion triggered by a sale.
type RankChange struct {
	DistributorID string      `json:"distributor_id"`
	From          domain.Rank `json:"from"`
	To            domain.Rank `json:"to"`
}

// RecordSale rolls a sale up the network, promotes every touched
// distributor whose volumes now qualify, then computes and records
// commissions. Integrity warnings from both phases are returned together.
func (s *Service) RecordSale(ctx context.Context, distributorID string, amount int64, saleType domain.SaleType) (out SaleOutcome, err error) {
	span := s.tracer.StartSpan(ctx, "record_sale", map[string]string{
		"distributor_id": distributorID,
		"type":           string(saleType),
	})
	defer func() { s.tracer.EndSpan(span, err) }()

	roll, err := s.network.RecordSale(ctx, domain.SaleEvent{
		DistributorID: strings.TrimSpace(distributorID),
		Amount:        amount,
		Type:          saleType,
	})
	if err != nil {
		return SaleOutcome{}, err
	}
	out = SaleOutcome{Sale: roll.Sale, Seller: roll.Seller, Diagnostics: roll.Diagnostics}

	touched := make([]string, 0, len(roll.Ancestors)+1)
	touched = append(touched, roll.Seller.ID)
	for _, a := range roll.Ancestors {
		touched = append(touched, a.DistributorID)
	}
	for _, id := range touched {
		before, err := s.network.Get(ctx, id)
		if err != nil {
			return out, fmt.Errorf("sale %s recorded; rank refresh: %w", roll.Sale.ID, err)
		}
		after, err := s.ranks.Refresh(ctx, id)
		if err != nil {
			return out, fmt.Errorf("sale %s recorded; rank refresh: %w", roll.Sale.ID, err)
		}
		if after.Rank > before.Rank {
			out.Promoted = append(out.Promoted, RankChange{DistributorID: id, From: before.Rank, To: after.Rank})
		}
		if id == roll.Seller.ID {
			out.Seller = after
		}
	}

	res, err := s.commissions.ComputeForSale(ctx, roll.Sale, roll)
	out.Entries = res.Entries
	out.Diagnostics = append(out.Diagnostics, res.Diagnostics...)
	if err != nil {
		return out, fmt.Errorf("sale %s recorded; commissions: %w", roll.Sale.ID, err)
	}

	if len(out.Diagnostics) > 0 {
		s.logger.Warn("sale recorded with integrity warnings",
			zap.String("sale_id", roll.Sale.ID),
			zap.Int("warnings", len(out.Diagnostics)))
	}
	return out, nil
}

// RankStatus is a distributor's rank and the volumes behind it, in PV.
type RankStatus struct {
	DistributorID  string      `json:"distributor_id"`
	Rank           domain.Rank `json:"rank"`
	Evaluated      domain.Rank `json:"evaluated"` // what current volumes alone support
	IsActive       bool        `json:"is_active"`
	PersonalPV     int64       `json:"personal_pv"`
	TeamPV         int64       `json:"team_pv"`
	LeftLegPV      int64       `json:"left_leg_pv"`
	RightLegPV     int64       `json:"right_leg_pv"`
	ActiveLegCount int         `json:"active_leg_count"`
	ActiveDownline int         `json:"active_downline"`
}

// GetRank returns the distributor's held rank and live activity.
func (s *Service) GetRank(ctx context.Context, id string) (RankStatus, error) {
	return retryRead(ctx, s, "get_rank", func() (RankStatus, error) {
		d, err := s.network.Get(ctx, id)
		if err != nil {
			return RankStatus{}, err
		}
		downline, err := s.ranks.ActiveDownlineCount(ctx, id)
		if err != nil {
			return RankStatus{}, err
		}
		active, err := s.ranks.Active(ctx, d)
		if err != nil {
			return RankStatus{}, err
		}
		return RankStatus{
			DistributorID:  d.ID,
			Rank:           d.Rank,
			Evaluated:      s.ranks.EvaluateDistributor(d),
			IsActive:       active,
			PersonalPV:     domain.PVFromAmount(d.PersonalVolume),
			TeamPV:         domain.PVFromAmount(d.TeamVolume),
			LeftLegPV:      domain.PVFromAmount(d.LeftLegVolume),
			RightLegPV:     domain.PVFromAmount(d.RightLegVolume),
			ActiveLegCount: d.ActiveLegCount,
			ActiveDownline: downline,
		}, nil
	})
}

// Commissions lists ledger entries paid to a distributor, newest first.
func (s *Service) Commissions(ctx context.Context, id string, limit int) ([]domain.CommissionLedgerEntry, error) {
	return retryRead(ctx, s, "commissions", func() ([]domain.CommissionLedgerEntry, error) {
		if _, err := s.network.Get(ctx, id); err != nil {
			return nil, err
		}
		entries, err := s.ledger.EntriesFor(ctx, id, limit)
		if err != nil {
			return nil, domain.Dependency("service.ledger", err)
		}
		return entries, nil
	})
}

// Maintain runs the period-boundary rank pass.
func (s *Service) Maintain(ctx context.Context) (rep rank.MaintenanceReport, err error) {
	span := s.tracer.StartSpan(ctx, "rank_maintenance", nil)
	defer func() { s.tracer.EndSpan(span, err) }()
	return s.ranks.Maintain(ctx)
}

// ─── Territories ────────────────────────────────────────────────────────────

// CheckTerritoryAvailability reports active territories a circle would overlap.
func (s *Service) CheckTerritoryAvailability(ctx context.Context, lat, lng, radiusMiles float64) (domain.Availability, error) {
	return retryRead(ctx, s, "check_territory", func() (domain.Availability, error) {
		return s.territories.CheckAvailability(ctx, lat, lng, radiusMiles)
	})
}

// PriceTerritory quotes a territory. It touches no repository.
func (s *Service) PriceTerritory(ctx context.Context, in pricing.Input) (out pricing.Output, err error) {
	span := s.tracer.StartSpan(ctx, "price_territory", map[string]string{"region": in.Region})
	defer func() { s.tracer.EndSpan(span, err) }()
	return s.pricer.Price(in)
}

// ApplyForTerritory records a priced, pending territory application.
func (s *Service) ApplyForTerritory(ctx context.Context, req territory.ApplyRequest) (t domain.Territory, err error) {
	span := s.tracer.StartSpan(ctx, "apply_territory", map[string]string{"name": req.TerritoryName})
	defer func() { s.tracer.EndSpan(span, err) }()
	return s.territories.Apply(ctx, req)
}

// GetTerritory returns a territory application or claim.
func (s *Service) GetTerritory(ctx context.Context, id string) (domain.Territory, error) {
	return retryRead(ctx, s, "get_territory", func() (domain.Territory, error) {
		return s.territories.Get(ctx, id)
	})
}

// Territory workflow actions accepted by AdvanceTerritory.
const (
	ActionSubmit  = "submit"
	ActionReview  = "review"
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionExpire  = "expire"
)

// AdvanceTerritory applies a workflow action to an application.
func (s *Service) AdvanceTerritory(ctx context.Context, id, action string) (t domain.Territory, err error) {
	span := s.tracer.StartSpan(ctx, "territory_"+action, map[string]string{"territory_id": id})
	defer func() { s.tracer.EndSpan(span, err) }()

	switch action {
	case ActionSubmit:
		return s.territories.Submit(ctx, id)
	case ActionReview:
		return s.territories.StartReview(ctx, id)
	case ActionApprove:
		return s.territories.Approve(ctx, id)
	case ActionReject:
		return s.territories.Reject(ctx, id)
	case ActionExpire:
		return s.territories.Expire(ctx, id)
	}
	return domain.Territory{}, domain.Invalid("action", "must be submit, review, approve, reject or expire")
}

// ─── Referrals ──────────────────────────────────────────────────────────────

// Leaderboard returns the top referrers in a timeframe.
func (s *Service) Leaderboard(ctx context.Context, limit int, timeframe domain.Timeframe) ([]domain.LeaderboardEntry, error) {
	return retryRead(ctx, s, "leaderboard", func() ([]domain.LeaderboardEntry, error) {
		return s.leaderboard.Leaderboard(ctx, limit, timeframe)
	})
}

// RecordReferral stores a referral made by a distributor code.
func (s *Service) RecordReferral(ctx context.Context, req leaderboard.RecordRequest) (r domain.ReferralRecord, err error) {
	span := s.tracer.StartSpan(ctx, "record_referral", nil)
	defer func() { s.tracer.EndSpan(span, err) }()
	return s.leaderboard.Record(ctx, req)
}

// UpdateReferralStatus moves a referral to a new status.
func (s *Service) UpdateReferralStatus(ctx context.Context, id string, status domain.ReferralStatus) (r domain.ReferralRecord, err error) {
	span := s.tracer.StartSpan(ctx, "update_referral", map[string]string{"status": string(status)})
	defer func() { s.tracer.EndSpan(span, err) }()
	return s.leaderboard.UpdateStatus(ctx, id, status)
}

// ─── Retry ──────────────────────────────────────────────────────────────────

// retryRead runs a read inside a span and repeats it once when the first
// attempt failed with a retryable dependency error.
func retryRead[T any](ctx context.Context, s *Service, op string, fn func() (T, error)) (T, error) {
	span := s.tracer.StartSpan(ctx, op, nil)
	v, err := fn()
	if err != nil && domain.IsRetryable(err) && ctx.Err() == nil {
		s.logger.Warn("retrying read after dependency failure",
			zap.String("op", op),
			zap.Error(err))
		v, err = fn()
		if err == nil && span != nil {
			span.Attrs = map[string]string{"retried": "true"}
		}
	}
	s.tracer.EndSpan(span, err)
	return v, err
}
