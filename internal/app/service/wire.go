package service

import (
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

// Stores are the repositories behind the engines. One backend may fill
// several fields.
type Stores struct {
	Network     domain.NetworkStore
	Ledger      domain.LedgerStore
	Caps        domain.CapStore
	Territories domain.TerritoryStore
	Referrals   domain.ReferralStore
	Locker      domain.Locker
}

// Config is the engine configuration.
type Config struct {
	Network     network.Config
	Rank        rank.Config
	Commission  commission.Config
	Pricing     pricing.Params
	Leaderboard leaderboard.Config
}

// DefaultConfig returns every engine's defaults.
func DefaultConfig() Config {
	return Config{
		Network:     network.DefaultConfig(),
		Rank:        rank.DefaultConfig(),
		Commission:  commission.DefaultConfig(),
		Pricing:     pricing.DefaultParams(),
		Leaderboard: leaderboard.DefaultConfig(),
	}
}

// Wire builds every engine over stores and returns the facade.
func Wire(stores Stores, cfg Config, tracer *observability.Tracer, logger *zap.Logger) *Service {
	logger = observability.OrNop(logger)

	// Activity thresholds are shared so the roll-up's ActiveLegCount and the
	// rank engine agree.
	cfg.Network.MinActivePV = cfg.Rank.MinActivePV

	ranks := rank.NewEngine(cfg.Rank, stores.Network, logger)
	pricer := pricing.NewEngine(cfg.Pricing, pricing.DefaultTables())
	return New(Deps{
		Network:     network.NewService(stores.Network, cfg.Network, logger).WithPlacementLock(stores.Locker),
		Ranks:       ranks,
		Commissions: commission.NewEngine(cfg.Commission, stores.Network, stores.Ledger, stores.Caps, ranks, logger),
		Ledger:      stores.Ledger,
		Territories: territory.NewService(stores.Territories, pricer, stores.Locker, logger),
		Pricer:      pricer,
		Leaderboard: leaderboard.NewService(stores.Referrals, stores.Network, cfg.Leaderboard, logger),
		Tracer:      tracer,
		Logger:      logger,
	})
}
