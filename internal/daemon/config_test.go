package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8420 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8420)
	}
	if cfg.Network.CodePrefix != "FN" || cfg.Network.CodeLength != 6 {
		t.Errorf("Network = %+v, want FN/6", cfg.Network)
	}
	if cfg.Commission.BinaryDailyCap != 50_000 {
		t.Errorf("Commission.BinaryDailyCap = %d, want %d", cfg.Commission.BinaryDailyCap, 50_000)
	}
	if cfg.Redis.Enabled {
		t.Error("Redis.Enabled should be false by default (opt-in)")
	}
	if !cfg.Maintenance.Enabled {
		t.Error("Maintenance.Enabled should be true by default")
	}
	if !cfg.Rank.ResetPeriod {
		t.Error("Rank.ResetPeriod should be true by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("Port = %d, want default", cfg.API.Port)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[api]
port = 9000
rate_limit_rps = 5.5

[commission]
binary_daily_cap = 10000

[redis]
enabled = true
addr = "cache:6379"

[maintenance]
schedule = "@daily"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 || cfg.API.RateLimitRPS != 5.5 {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("unset Host = %q, want default kept", cfg.API.Host)
	}
	if cfg.Commission.BinaryDailyCap != 10_000 {
		t.Errorf("BinaryDailyCap = %d, want 10000", cfg.Commission.BinaryDailyCap)
	}
	if cfg.Commission.BinaryBPS != DefaultConfig().Commission.BinaryBPS {
		t.Errorf("unset BinaryBPS changed to %d", cfg.Commission.BinaryBPS)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "cache:6379" || cfg.Redis.Prefix != "fieldnet" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "[api\nport = 1", "load config"},
		{"bad port", "[api]\nport = 70000", "api.port"},
		{"bad schedule", "[maintenance]\nschedule = \"every tuesday\"", "maintenance.schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.API.Port = 0 }, "api.port"},
		{"bad request timeout", func(c *Config) { c.API.RequestTimeout = "soon" }, "api.request_timeout"},
		{"negative store timeout", func(c *Config) { c.Database.StoreTimeout = "-1s" }, "database.store_timeout"},
		{"negative cap", func(c *Config) { c.Commission.BinaryDailyCap = -1 }, "binary_daily_cap"},
		{"fast start order", func(c *Config) { c.Commission.FastStartDistributorBPS = c.Commission.FastStartCustomerBPS }, "fast_start_distributor_bps"},
		{"negative minimum fee", func(c *Config) { c.Pricing.MinimumLicensingFee = -1 }, "minimum_licensing_fee"},
		{"bad schedule", func(c *Config) { c.Maintenance.Schedule = "* *" }, "maintenance.schedule"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want containing %q", err, tt.want)
			}
		})
	}

	t.Run("disabled schedule not parsed", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Maintenance.Enabled = false
		cfg.Maintenance.Schedule = "garbage"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"", 7 * time.Second, false},
		{"30s", 30 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"0s", 0, false},
		{"-5s", 0, true},
		{"5 seconds", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDuration(tt.input, 7*time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDuration(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("FIELDNET_HOME", dir)
	if got := Home(); got != dir {
		t.Errorf("Home() = %q, want %q", got, dir)
	}

	t.Setenv("FIELDNET_CONFIG", "")
	if got, want := ConfigPath(dir), filepath.Join(dir, "config.toml"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	t.Setenv("FIELDNET_CONFIG", "/etc/fieldnet.toml")
	if got := ConfigPath(dir); got != "/etc/fieldnet.toml" {
		t.Errorf("ConfigPath() = %q, want env override", got)
	}

	cfg := DefaultConfig()
	if got, want := cfg.DataDir(dir), filepath.Join(dir, "data"); got != want {
		t.Errorf("DataDir() = %q, want %q", got, want)
	}
	cfg.Database.Path = "/var/lib/fieldnet"
	if got := cfg.DataDir(dir); got != "/var/lib/fieldnet" {
		t.Errorf("DataDir() = %q, want explicit path", got)
	}
}
