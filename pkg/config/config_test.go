package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ledger-engine/pkg/ledger"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("LEDGER_DSN", "postgres://ledger@localhost/ledger?sslmode=disable")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Store != StorePostgres || cfg.PoolSize != 10 {
		t.Errorf("unexpected store defaults: %+v", cfg)
	}
	if cfg.PoolBackoff != 2*time.Second || cfg.DeadTime != 120*time.Second || cfg.SweepInterval != 60*time.Second {
		t.Errorf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.AdminAddr != ":8090" || cfg.NotifyChannel != "ledger:events" {
		t.Errorf("unexpected address defaults: %+v", cfg)
	}
	if _, enabled := cfg.Redis(); enabled {
		t.Error("expected notifier to be off without LEDGER_REDIS_ADDR")
	}
	if pg := cfg.Postgres(); pg.MaxOpenConns < cfg.PoolSize {
		t.Errorf("expected database handle to fit the pool, got %d", pg.MaxOpenConns)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("LEDGER_STORE", "Memory")
	t.Setenv("LEDGER_POOL_SIZE", "4")
	t.Setenv("LEDGER_DEAD_TIME", "5m")
	t.Setenv("LEDGER_MAX_BALANCE", "100000")
	t.Setenv("LEDGER_REDIS_ADDR", "redis:6379")
	t.Setenv("LEDGER_NOTIFY_CHANNEL", "grid:money")
	t.Setenv("LOG_DEV", "true")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Store != StoreMemory || cfg.PoolSize != 4 || cfg.MaxBalance != 100000 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Sweeper().DeadTime != 5*time.Minute {
		t.Errorf("expected 5m dead time, got %v", cfg.Sweeper().DeadTime)
	}

	rc, enabled := cfg.Redis()
	if !enabled || rc.Addr != "redis:6379" || rc.Channel != "grid:money" {
		t.Errorf("unexpected redis config %+v (enabled=%v)", rc, enabled)
	}

	lc := cfg.Logging()
	if !lc.Development || lc.Level != "warn" {
		t.Errorf("unexpected logging config %+v", lc)
	}
}

func TestLoadConfig_ReadsDotEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	content := "LEDGER_STORE=memory\nLEDGER_POOL_SIZE=3\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PoolSize != 3 {
		t.Errorf("expected pool size from .env, got %d", cfg.PoolSize)
	}
}

func TestLoadConfig_FailsWithoutDSN(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("LEDGER_STORE", "postgres")
	t.Setenv("LEDGER_DSN", "")

	_, err := LoadConfig(t.TempDir())
	if !errors.Is(err, ledger.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "LEDGER_DSN") {
		t.Errorf("expected error to mention LEDGER_DSN, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		Store:         StoreMemory,
		PoolSize:      1,
		PoolBackoff:   time.Second,
		DeadTime:      time.Minute,
		SweepInterval: time.Minute,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"zero pool", func(c *Config) { c.PoolSize = 0 }, false},
		{"zero backoff", func(c *Config) { c.PoolBackoff = 0 }, false},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, false},
		{"zero dead time", func(c *Config) { c.DeadTime = 0 }, false},
		{"sub-second interval", func(c *Config) { c.SweepInterval = time.Millisecond }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ledger.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
