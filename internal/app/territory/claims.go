package territory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/app/pricing"
	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
	"github.com/tutu-network/fieldnet/internal/infra/validation"
)

// ─── Claim Workflow ─────────────────────────────────────────────────────────
//
//	pending → submitted → under_review → approved → active → expired
//	              └────────────┴──→ rejected
//
// Approval is the only step that can create an active claim, and it runs
// under the claim lock with a fresh overlap check.

// ApplyRequest is a new territory application.
type ApplyRequest struct {
	TerritoryName   string  `json:"territory_name" validate:"required,max=200"`
	City            string  `json:"city" validate:"max=100"`
	Region          string  `json:"region" validate:"max=32"`
	CenterLat       float64 `json:"center_lat" validate:"gte=-90,lte=90"`
	CenterLng       float64 `json:"center_lng" validate:"gte=-180,lte=180"`
	RadiusMiles     float64 `json:"radius_miles" validate:"gt=0,lte=500"`
	Population      int64   `json:"population" validate:"gte=0"`
	AreaSqMiles     float64 `json:"area_sq_miles" validate:"gte=0"` // 0 derives π·r²
	HighIncomeShare float64 `json:"high_income_share" validate:"gte=0,lte=1"`
	YoungAdultShare float64 `json:"young_adult_share" validate:"gte=0,lte=1"`
	FitnessOriented bool    `json:"fitness_oriented"`
	BottlingPartner bool    `json:"bottling_partner"`
}

// Apply records a pending application priced by the pricing engine.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (domain.Territory, error) {
	req.TerritoryName = strings.TrimSpace(req.TerritoryName)
	if err := validation.Struct(req); err != nil {
		return domain.Territory{}, err
	}
	area := req.AreaSqMiles
	if area == 0 {
		area = math.Pi * req.RadiusMiles * req.RadiusMiles
	}

	quote, err := s.pricer.Price(pricing.Input{
		TerritoryName:   req.TerritoryName,
		City:            req.City,
		Region:          req.Region,
		Population:      req.Population,
		AreaSqMiles:     area,
		HighIncomeShare: req.HighIncomeShare,
		YoungAdultShare: req.YoungAdultShare,
		FitnessOriented: req.FitnessOriented,
		BottlingPartner: req.BottlingPartner,
	})
	if err != nil {
		return domain.Territory{}, err
	}

	now := s.now().UTC()
	t := domain.Territory{
		ID:            newID(),
		TerritoryName: req.TerritoryName,
		City:          req.City,
		Region:        req.Region,
		CenterLat:     req.CenterLat,
		CenterLng:     req.CenterLng,
		RadiusMiles:   req.RadiusMiles,
		Population:    req.Population,
		AreaSqMiles:   area,
		Status:        domain.TerritoryPending,
		QuotedPrice:   quote.FinalPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertTerritory(ctx, t); err != nil {
		return domain.Territory{}, domain.Dependency("territory.insert", err)
	}
	observability.TerritoryTransitions.WithLabelValues(string(t.Status)).Inc()
	observability.TerritoryPrice.Observe(float64(quote.FinalPrice) / 100)
	s.logger.Info("territory application received",
		zap.String("territory_id", t.ID),
		zap.String("name", t.TerritoryName),
		zap.Int64("quoted_price", t.QuotedPrice))
	return t, nil
}

// Get returns a territory by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Territory, error) {
	t, err := s.store.GetTerritory(ctx, id)
	if err != nil {
		return domain.Territory{}, domain.Dependency("territory.get", err)
	}
	return t, nil
}

// Submit moves an application from pending to submitted.
func (s *Service) Submit(ctx context.Context, id string) (domain.Territory, error) {
	return s.transition(ctx, id, domain.TerritorySubmitted)
}

// StartReview moves a submitted application under review.
func (s *Service) StartReview(ctx context.Context, id string) (domain.Territory, error) {
	return s.transition(ctx, id, domain.TerritoryUnderReview)
}

// Reject rejects a submitted or under-review application.
func (s *Service) Reject(ctx context.Context, id string) (domain.Territory, error) {
	return s.transition(ctx, id, domain.TerritoryRejected)
}

// Expire ends an active claim.
func (s *Service) Expire(ctx context.Context, id string) (domain.Territory, error) {
	return s.transition(ctx, id, domain.TerritoryExpired)
}

// Approve activates an application under review when it overlaps no active
// territory. Concurrent approvals are serialized by the claim lock, so two
// overlapping applications can never both become active. A claim left in
// approved by a failed activation is finished by calling Approve again.
func (s *Service) Approve(ctx context.Context, id string) (domain.Territory, error) {
	unlock, err := s.locker.Lock(ctx, ClaimLockKey)
	if err != nil {
		return domain.Territory{}, domain.Dependency("territory.claim_lock", err)
	}
	defer unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return domain.Territory{}, err
	}
	if t.Status != domain.TerritoryUnderReview && t.Status != domain.TerritoryApproved {
		return domain.Territory{}, fmt.Errorf("%w: cannot approve a %s territory", domain.ErrInvalidTransition, t.Status)
	}

	conflicts, err := s.overlapping(ctx, t.CenterLat, t.CenterLng, t.RadiusMiles, t.ID)
	if err != nil {
		return domain.Territory{}, err
	}
	if len(conflicts) > 0 {
		s.logger.Warn("territory approval blocked by overlap",
			zap.String("territory_id", t.ID),
			zap.Int("conflicts", len(conflicts)))
		return domain.Territory{}, &domain.ConflictError{
			Reason:    "territory overlaps an active territory",
			Conflicts: conflicts,
			Err:       domain.ErrTerritoryOverlap,
		}
	}

	if t.Status == domain.TerritoryUnderReview {
		if _, err := s.apply(ctx, t, domain.TerritoryApproved); err != nil {
			return domain.Territory{}, err
		}
		t.Status = domain.TerritoryApproved
	}
	return s.apply(ctx, t, domain.TerritoryActive)
}

func (s *Service) transition(ctx context.Context, id string, to domain.TerritoryStatus) (domain.Territory, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return domain.Territory{}, err
	}
	return s.apply(ctx, t, to)
}

func (s *Service) apply(ctx context.Context, t domain.Territory, to domain.TerritoryStatus) (domain.Territory, error) {
	if !domain.CanTransition(t.Status, to) {
		return domain.Territory{}, fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, t.Status, to)
	}
	updated, err := s.store.UpdateTerritoryStatus(ctx, t.ID, t.Status, to, s.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrTerritoryNotFound) {
			return domain.Territory{}, err
		}
		return domain.Territory{}, domain.Dependency("territory.update_status", err)
	}
	observability.TerritoryTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Info("territory status changed",
		zap.String("territory_id", t.ID),
		zap.String("from", string(t.Status)),
		zap.String("to", string(to)))
	return updated, nil
}
