// Package daemon loads fieldnet's configuration and runs the API server with
// its scheduled rank maintenance.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/tutu-network/fieldnet/internal/app/commission"
	"github.com/tutu-network/fieldnet/internal/app/leaderboard"
	"github.com/tutu-network/fieldnet/internal/app/pricing"
	"github.com/tutu-network/fieldnet/internal/app/rank"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

// Config is the full contents of config.toml.
type Config struct {
	API         APIConfig               `toml:"api"`
	Database    DatabaseConfig          `toml:"database"`
	Log         observability.LogConfig `toml:"log"`
	Tracing     TracingConfig           `toml:"tracing"`
	Network     NetworkConfig           `toml:"network"`
	Commission  commission.Config       `toml:"commission"`
	Rank        rank.Config             `toml:"rank"`
	Pricing     pricing.Params          `toml:"pricing"`
	Leaderboard leaderboard.Config      `toml:"leaderboard"`
	Redis       RedisConfig             `toml:"redis"`
	Maintenance MaintenanceConfig       `toml:"maintenance"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
	RequestTimeout string  `toml:"request_timeout"`
	Metrics        bool    `toml:"metrics"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path         string `toml:"path"`          // directory; empty uses $FIELDNET_HOME/data
	StoreTimeout string `toml:"store_timeout"` // per repository call
}

// TracingConfig sizes the in-process span buffer.
type TracingConfig struct {
	Enabled  bool `toml:"enabled"`
	MaxSpans int  `toml:"max_spans"`
}

// NetworkConfig shapes distributor codes.
type NetworkConfig struct {
	CodePrefix   string `toml:"code_prefix"`
	CodeLength   int    `toml:"code_length"`
	CodeAttempts int    `toml:"code_attempts"`
}

// RedisConfig enables the shared cap counters and claim lock.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// MaintenanceConfig schedules the period-boundary rank pass.
type MaintenanceConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // standard 5-field cron, UTC
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			RequestTimeout: "30s",
			Metrics:        true,
		},
		Database: DatabaseConfig{
			StoreTimeout: "5s",
		},
		Log: observability.DefaultLogConfig(),
		Tracing: TracingConfig{
			Enabled:  true,
			MaxSpans: 1_000,
		},
		Network: NetworkConfig{
			CodePrefix:   "FN",
			CodeLength:   6,
			CodeAttempts: 8,
		},
		Commission:  commission.DefaultConfig(),
		Rank:        rank.DefaultConfig(),
		Pricing:     pricing.DefaultParams(),
		Leaderboard: leaderboard.DefaultConfig(),
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "fieldnet",
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "5 0 1 * *", // 00:05 UTC on the first of each month
		},
	}
}

// LoadConfig reads path over the defaults. A missing file yields defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot start with.
func (c Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if _, err := parseDuration(c.API.RequestTimeout, 0); err != nil {
		return fmt.Errorf("api.request_timeout: %w", err)
	}
	if _, err := parseDuration(c.Database.StoreTimeout, 0); err != nil {
		return fmt.Errorf("database.store_timeout: %w", err)
	}
	if c.Commission.BinaryDailyCap < 0 {
		return fmt.Errorf("commission.binary_daily_cap must not be negative")
	}
	if c.Commission.FastStartDistributorBPS <= c.Commission.FastStartCustomerBPS {
		return fmt.Errorf("commission.fast_start_distributor_bps must exceed fast_start_customer_bps")
	}
	if c.Pricing.MinimumLicensingFee < 0 {
		return fmt.Errorf("pricing.minimum_licensing_fee must not be negative")
	}
	if c.Maintenance.Enabled {
		if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
			return fmt.Errorf("maintenance.schedule: %w", err)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// parseDuration parses s, returning def for an empty string.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// ─── Paths ──────────────────────────────────────────────────────────────────

// Home returns the fieldnet home directory: $FIELDNET_HOME or ~/.fieldnet.
func Home() string {
	if env := os.Getenv("FIELDNET_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fieldnet")
}

// ConfigPath returns $FIELDNET_CONFIG or config.toml inside home.
func ConfigPath(home string) string {
	if env := os.Getenv("FIELDNET_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(home, "config.toml")
}

// DataDir returns the database directory for cfg.
func (c Config) DataDir(home string) string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(home, "data")
}
