package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/api"
	"github.com/tutu-network/fieldnet/internal/app/service"
	"github.com/tutu-network/fieldnet/internal/infra/memstore"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
	"github.com/tutu-network/fieldnet/internal/infra/redisstore"
	"github.com/tutu-network/fieldnet/internal/infra/sqlite"
)

// Daemon owns the store, the service facade, the HTTP server and the
// maintenance scheduler.
type Daemon struct {
	cfg    Config
	logger *zap.Logger
	db     *sqlite.DB
	redis  *redisstore.Store
	svc    *service.Service
	server *api.Server
	cron   *cron.Cron
}

// New opens the store in home and wires every component. The caller owns
// the logger.
func New(ctx context.Context, cfg Config, home string, logger *zap.Logger) (*Daemon, error) {
	logger = observability.OrNop(logger)

	storeTimeout, err := parseDuration(cfg.Database.StoreTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("database.store_timeout: %w", err)
	}
	requestTimeout, err := parseDuration(cfg.API.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("api.request_timeout: %w", err)
	}

	dataDir := cfg.DataDir(home)
	db, err := sqlite.Open(dataDir, sqlite.WithTimeout(storeTimeout))
	if err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, logger: logger, db: db}
	logger.Info("database opened", zap.String("dir", dataDir))

	stores := service.Stores{
		Network:     db,
		Ledger:      db,
		Caps:        db,
		Territories: db,
		Referrals:   db,
		Locker:      memstore.NewLocker(),
	}
	if cfg.Redis.Enabled {
		rs, err := redisstore.Connect(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		d.redis = rs
		stores.Caps = rs
		stores.Locker = rs
		logger.Info("redis caps and claim lock enabled", zap.String("addr", cfg.Redis.Addr))
	}

	tracer := observability.NewTracer(observability.TracerConfig{
		Enabled:  cfg.Tracing.Enabled,
		MaxSpans: cfg.Tracing.MaxSpans,
	})
	d.svc = service.Wire(stores, d.serviceConfig(), tracer, logger)
	d.server = api.NewServer(d.svc, api.Options{
		RateLimitRPS:   cfg.API.RateLimitRPS,
		RateLimitBurst: cfg.API.RateLimitBurst,
		RequestTimeout: requestTimeout,
		Metrics:        cfg.API.Metrics,
	}, logger)

	if err := d.schedule(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) serviceConfig() service.Config {
	sc := service.DefaultConfig()
	if d.cfg.Network.CodePrefix != "" {
		sc.Network.CodePrefix = d.cfg.Network.CodePrefix
	}
	if d.cfg.Network.CodeLength > 0 {
		sc.Network.CodeLength = d.cfg.Network.CodeLength
	}
	if d.cfg.Network.CodeAttempts > 0 {
		sc.Network.CodeAttempts = d.cfg.Network.CodeAttempts
	}
	sc.Rank = d.cfg.Rank
	if len(sc.Rank.Ladder) == 0 {
		sc.Rank.Ladder = service.DefaultConfig().Rank.Ladder
	}
	sc.Commission = d.cfg.Commission
	sc.Pricing = d.cfg.Pricing
	sc.Leaderboard = d.cfg.Leaderboard
	return sc
}

// schedule registers the maintenance pass and the limiter sweep.
func (d *Daemon) schedule() error {
	d.cron = cron.New(cron.WithLocation(time.UTC))
	if d.cfg.Maintenance.Enabled {
		if _, err := d.cron.AddFunc(d.cfg.Maintenance.Schedule, d.runMaintenance); err != nil {
			return fmt.Errorf("schedule maintenance %q: %w", d.cfg.Maintenance.Schedule, err)
		}
	}
	if rl := d.server.Limiter(); rl != nil {
		if _, err := d.cron.AddFunc("@every 5m", func() { rl.Sweep() }); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	rep, err := d.svc.Maintain(ctx)
	if err != nil {
		d.logger.Error("rank maintenance failed", zap.Error(err))
		return
	}
	d.logger.Info("rank maintenance complete",
		zap.Int("evaluated", rep.Evaluated),
		zap.Int("promoted", rep.Promoted),
		zap.Int("regressed", rep.Regressed))
}

// Service returns the wired facade.
func (d *Daemon) Service() *service.Service { return d.svc }

// Handler returns the HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Addr returns the configured listen address.
func (d *Daemon) Addr() string {
	return net.JoinHostPort(d.cfg.API.Host, strconv.Itoa(d.cfg.API.Port))
}

// Run serves HTTP and runs the scheduler until ctx is cancelled, then shuts
// both down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.cron.Start()
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", zap.Error(err))
	}
	<-d.cron.Stop().Done()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// Close releases the store connections.
func (d *Daemon) Close() error {
	var errs []error
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}
