// Package leaderboard ranks referrers by how many contacts they referred.
package leaderboard

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/dsa"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
	"github.com/tutu-network/fieldnet/internal/infra/validation"
)

// Config bounds leaderboard queries.
type Config struct {
	DefaultLimit int `toml:"default_limit"`
	MaxLimit     int `toml:"max_limit"`
}

// DefaultConfig returns a limit of 10 capped at 100.
func DefaultConfig() Config {
	return Config{DefaultLimit: 10, MaxLimit: 100}
}

// Service records referrals and builds the public leaderboard.
type Service struct {
	referrals    domain.ReferralStore
	distributors domain.DistributorStore
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time
}

// NewService creates a leaderboard service.
func NewService(referrals domain.ReferralStore, distributors domain.DistributorStore, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultConfig().DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultConfig().MaxLimit
	}
	return &Service{
		referrals:    referrals,
		distributors: distributors,
		cfg:          cfg,
		logger:       observability.OrNop(logger).Named("leaderboard"),
		now:          time.Now,
	}
}

// Leaderboard returns the top referrers in the timeframe, ordered by raw
// referral count descending with ties broken by referrer code. Points are
// reported for display but do not affect the order.
func (s *Service) Leaderboard(ctx context.Context, limit int, timeframe domain.Timeframe) ([]domain.LeaderboardEntry, error) {
	since, ok := timeframe.Since(s.now())
	if !ok {
		return nil, domain.Invalid("timeframe", "must be one of all, year, month, week, day")
	}
	limit = s.clampLimit(limit)

	stats, err := s.referrals.ReferrerStats(ctx, since)
	if err != nil {
		return nil, domain.Dependency("leaderboard.stats", err)
	}

	top := dsa.NewTopK(limit, func(a, b domain.ReferrerStats) bool {
		if a.Referrals != b.Referrals {
			return a.Referrals > b.Referrals
		}
		return a.ReferrerCode < b.ReferrerCode
	})
	for _, st := range stats {
		top.Push(st)
	}

	ranked := top.Sorted()
	out := make([]domain.LeaderboardEntry, len(ranked))
	for i, st := range ranked {
		out[i] = domain.LeaderboardEntry{
			Position:       i + 1,
			AnonymizedName: domain.RedactName(st.Name),
			Referrals:      st.Referrals,
			Customers:      st.Customers,
			Distributors:   st.Distributors,
			Points:         domain.LeaderboardPoints(st.Referrals, st.Customers, st.Distributors),
			Tier:           domain.TierForReferrals(st.Referrals),
		}
	}
	return out, nil
}

func (s *Service) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return s.cfg.DefaultLimit
	case limit > s.cfg.MaxLimit:
		return s.cfg.MaxLimit
	}
	return limit
}

// ─── Referral Records ───────────────────────────────────────────────────────

// RecordRequest registers a referral made by a distributor.
type RecordRequest struct {
	ReferrerCode string `json:"referrer_code" validate:"required,max=32"`
	Contact      string `json:"contact" validate:"required,max=254"`
}

// Record stores a pending referral for an existing distributor code.
func (s *Service) Record(ctx context.Context, req RecordRequest) (domain.ReferralRecord, error) {
	req.ReferrerCode = strings.ToUpper(strings.TrimSpace(req.ReferrerCode))
	req.Contact = strings.TrimSpace(req.Contact)
	if err := validation.Struct(req); err != nil {
		return domain.ReferralRecord{}, err
	}

	if _, err := s.distributors.GetByCode(ctx, req.ReferrerCode); errors.Is(err, domain.ErrDistributorNotFound) {
		return domain.ReferralRecord{}, &domain.ValidationError{
			Field: "referrer_code", Reason: "does not match a distributor", Err: domain.ErrSponsorNotFound,
		}
	} else if err != nil {
		return domain.ReferralRecord{}, domain.Dependency("leaderboard.referrer", err)
	}

	r := domain.ReferralRecord{
		ID:              uuid.NewString(),
		ReferrerCode:    req.ReferrerCode,
		ReferredContact: req.Contact,
		Status:          domain.ReferralPending,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.referrals.InsertReferral(ctx, r); err != nil {
		return domain.ReferralRecord{}, domain.Dependency("leaderboard.insert", err)
	}
	observability.ReferralsRecorded.WithLabelValues(string(r.Status)).Inc()
	return r, nil
}

// UpdateStatus moves a referral to a new status.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.ReferralStatus) (domain.ReferralRecord, error) {
	if !status.Valid() {
		return domain.ReferralRecord{}, domain.Invalid("status", "must be pending, clicked, customer or distributor")
	}
	r, err := s.referrals.UpdateReferralStatus(ctx, id, status)
	if err != nil {
		return domain.ReferralRecord{}, domain.Dependency("leaderboard.update", err)
	}
	observability.ReferralsRecorded.WithLabelValues(string(status)).Inc()
	s.logger.Debug("referral status updated", zap.String("referral_id", id), zap.String("status", string(status)))
	return r, nil
}
