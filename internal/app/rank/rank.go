// Package rank evaluates distributor ranks and activity.
//
// A distributor holds the highest rank whose every requirement is met.
// Evaluation during a period only promotes; the explicit Maintain pass at a
// period boundary re-evaluates from scratch and may regress.
package rank

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

// Requirement is the qualification for one rank. Volumes are in PV.
type Requirement struct {
	Rank          domain.Rank
	PersonalPV    int64
	TeamPV        int64
	MinActiveLegs int   // legs that must each carry at least MinActivePV
	WeakerLegPV   int64 // both legs must independently clear this
}

// DefaultLadder is the documented rank ladder, lowest first.
func DefaultLadder() []Requirement {
	return []Requirement{
		{Rank: domain.RankStarter},
		{Rank: domain.RankBronze, PersonalPV: 50, TeamPV: 500},
		{Rank: domain.RankSilver, PersonalPV: 100, TeamPV: 2_000, MinActiveLegs: 2, WeakerLegPV: 500},
		{Rank: domain.RankGold, PersonalPV: 100, TeamPV: 5_000, MinActiveLegs: 2, WeakerLegPV: 1_500},
		{Rank: domain.RankPlatinum, PersonalPV: 150, TeamPV: 15_000, MinActiveLegs: 2, WeakerLegPV: 5_000},
		{Rank: domain.RankDiamond, PersonalPV: 200, TeamPV: 50_000, MinActiveLegs: 2, WeakerLegPV: 15_000},
	}
}

// Config controls rank evaluation.
type Config struct {
	MinActivePV   int64 `toml:"min_active_pv"`
	MinDownlinePV int64 `toml:"min_downline_pv"` // informational; IsActive does not read it
	ResetPeriod   bool  `toml:"reset_period_volumes"`
	Ladder        []Requirement
}

// DefaultConfig returns the documented thresholds. Volumes reset at each
// period boundary so activity is judged on the current period's PV.
func DefaultConfig() Config {
	return Config{
		MinActivePV:   40,
		MinDownlinePV: 40,
		ResetPeriod:   true,
		Ladder:        DefaultLadder(),
	}
}

// Engine is the rank engine.
type Engine struct {
	cfg    Config
	store  domain.DistributorStore
	logger *zap.Logger
}

// NewEngine creates a rank engine. The ladder is sorted ascending by rank.
func NewEngine(cfg Config, store domain.DistributorStore, logger *zap.Logger) *Engine {
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	ladder := append([]Requirement(nil), cfg.Ladder...)
	sort.SliceStable(ladder, func(i, j int) bool { return ladder[i].Rank < ladder[j].Rank })
	cfg.Ladder = ladder
	return &Engine{cfg: cfg, store: store, logger: observability.OrNop(logger).Named("rank")}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate returns the highest rank whose full requirement set is met.
func (e *Engine) Evaluate(personalPV, teamPV int64, activeLegCount int, weakerLegPV int64) domain.Rank {
	best := domain.RankStarter
	for _, req := range e.cfg.Ladder {
		if personalPV >= req.PersonalPV &&
			teamPV >= req.TeamPV &&
			activeLegCount >= req.MinActiveLegs &&
			weakerLegPV >= req.WeakerLegPV {
			best = max(best, req.Rank)
		}
	}
	return best
}

// EvaluateDistributor evaluates a distributor's current-period volumes.
func (e *Engine) EvaluateDistributor(d domain.Distributor) domain.Rank {
	return e.Evaluate(
		domain.PVFromAmount(d.PersonalVolume),
		domain.PVFromAmount(d.TeamVolume),
		d.ActiveLegCount,
		domain.PVFromAmount(d.WeakerLegVolume()),
	)
}

// Promote returns the higher of current and evaluated. Mid-period
// evaluation never lowers a rank.
func Promote(current, evaluated domain.Rank) domain.Rank {
	return max(current, evaluated)
}

// IsActive reports whether a distributor with monthlyPV personal volume and
// activeDownlineCount qualifying recruits is active. Only these two inputs
// are consulted; MinDownlinePV is not.
func (e *Engine) IsActive(monthlyPV int64, activeDownlineCount int) bool {
	return monthlyPV >= e.cfg.MinActivePV && activeDownlineCount >= 1
}

// ActiveDownlineCount counts direct recruits whose own PV reaches MinActivePV.
func (e *Engine) ActiveDownlineCount(ctx context.Context, id string) (int, error) {
	team, err := e.store.SponsoredBy(ctx, id)
	if err != nil {
		return 0, domain.Dependency("rank.team", err)
	}
	n := 0
	for _, d := range team {
		if domain.PVFromAmount(d.PersonalVolume) >= e.cfg.MinActivePV {
			n++
		}
	}
	return n, nil
}

// Active evaluates IsActive for a distributor from stored volumes.
// Suspended distributors are never active.
func (e *Engine) Active(ctx context.Context, d domain.Distributor) (bool, error) {
	if d.Status == domain.StatusSuspended {
		return false, nil
	}
	n, err := e.ActiveDownlineCount(ctx, d.ID)
	if err != nil {
		return false, err
	}
	return e.IsActive(domain.PVFromAmount(d.PersonalVolume), n), nil
}

// Refresh re-evaluates one distributor mid-period: rank is promoted only,
// IsActive is recomputed.
func (e *Engine) Refresh(ctx context.Context, id string) (domain.Distributor, error) {
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.Distributor{}, domain.Dependency("rank.get", err)
	}
	active, err := e.Active(ctx, current)
	if err != nil {
		return domain.Distributor{}, err
	}

	var promoted bool
	updated, err := e.store.Update(ctx, id, func(d *domain.Distributor) error {
		next := Promote(d.Rank, e.EvaluateDistributor(*d))
		promoted = next > d.Rank
		d.Rank = next
		d.IsActive = active
		return nil
	})
	if err != nil {
		return domain.Distributor{}, domain.Dependency("rank.update", err)
	}
	if promoted {
		observability.RankChanges.WithLabelValues("promotion", updated.Rank.String()).Inc()
		e.logger.Info("distributor promoted",
			zap.String("distributor_id", id),
			zap.Stringer("rank", updated.Rank))
	}
	return updated, nil
}

// MaintenanceReport summarizes a period-boundary pass.
type MaintenanceReport struct {
	Evaluated   int `json:"evaluated"`
	Promoted    int `json:"promoted"`
	Regressed   int `json:"regressed"`
	Unchanged   int `json:"unchanged"`
	VolumeReset int `json:"volume_reset"`
}

// Maintain is the period-boundary pass: every distributor's rank is set to
// exactly what its volumes support, which may regress it. With ResetPeriod,
// current-period volumes are then cleared for the next period.
func (e *Engine) Maintain(ctx context.Context) (MaintenanceReport, error) {
	all, err := e.store.All(ctx)
	if err != nil {
		return MaintenanceReport{}, domain.Dependency("rank.all", err)
	}

	// Activity is judged on the closing period for everyone before any
	// volumes are reset.
	active := make(map[string]bool, len(all))
	for _, d := range all {
		a, err := e.Active(ctx, d)
		if err != nil {
			return MaintenanceReport{}, err
		}
		active[d.ID] = a
	}

	var rep MaintenanceReport
	for _, snapshot := range all {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		var before, after domain.Rank
		_, err := e.store.Update(ctx, snapshot.ID, func(d *domain.Distributor) error {
			before = d.Rank
			after = e.EvaluateDistributor(*d)
			d.Rank = after
			d.IsActive = active[d.ID]
			if e.cfg.ResetPeriod {
				d.PersonalVolume, d.LeftLegVolume, d.RightLegVolume = 0, 0, 0
				d.ActiveLegCount = 0
				d.RecomputeTeamVolume()
			}
			return nil
		})
		if err != nil {
			return rep, domain.Dependency("rank.maintain", err)
		}

		rep.Evaluated++
		if e.cfg.ResetPeriod {
			rep.VolumeReset++
		}
		switch {
		case after > before:
			rep.Promoted++
			observability.RankChanges.WithLabelValues("promotion", after.String()).Inc()
		case after < before:
			rep.Regressed++
			observability.RankChanges.WithLabelValues("regression", after.String()).Inc()
		default:
			rep.Unchanged++
		}
	}

	e.logger.Info("rank maintenance complete",
		zap.Int("evaluated", rep.Evaluated),
		zap.Int("promoted", rep.Promoted),
		zap.Int("regressed", rep.Regressed))
	return rep, nil
}
