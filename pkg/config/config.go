// Package config loads ledgerd settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/notify"
	"ledger-engine/pkg/pool"
	"ledger-engine/pkg/resilience"
	"ledger-engine/pkg/store/postgres"
	"ledger-engine/pkg/sweeper"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds every ledgerd setting.
type Config struct {
	DSN            string        `mapstructure:"LEDGER_DSN"`
	Store          string        `mapstructure:"LEDGER_STORE"`
	PoolSize       int           `mapstructure:"LEDGER_POOL_SIZE"`
	PoolBackoff    time.Duration `mapstructure:"LEDGER_POOL_BACKOFF"`
	BreakerTimeout time.Duration `mapstructure:"LEDGER_BREAKER_TIMEOUT"`
	DeadTime       time.Duration `mapstructure:"LEDGER_DEAD_TIME"`
	SweepInterval  time.Duration `mapstructure:"LEDGER_SWEEP_INTERVAL"`
	MaxBalance     int64         `mapstructure:"LEDGER_MAX_BALANCE"`
	AdminAddr      string        `mapstructure:"LEDGER_ADMIN_ADDR"`
	RedisAddr      string        `mapstructure:"LEDGER_REDIS_ADDR"`
	NotifyChannel  string        `mapstructure:"LEDGER_NOTIFY_CHANNEL"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	LogFormat      string        `mapstructure:"LOG_FORMAT"`
	LogDev         bool          `mapstructure:"LOG_DEV"`
}

var keys = []string{
	"LEDGER_DSN",
	"LEDGER_STORE",
	"LEDGER_POOL_SIZE",
	"LEDGER_POOL_BACKOFF",
	"LEDGER_BREAKER_TIMEOUT",
	"LEDGER_DEAD_TIME",
	"LEDGER_SWEEP_INTERVAL",
	"LEDGER_MAX_BALANCE",
	"LEDGER_ADMIN_ADDR",
	"LEDGER_REDIS_ADDR",
	"LEDGER_NOTIFY_CHANNEL",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"LOG_DEV",
}

// LoadConfig reads the environment, falling back to a .env file in path.
func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.SetDefault("LEDGER_STORE", StorePostgres)
	viper.SetDefault("LEDGER_POOL_SIZE", 10)
	viper.SetDefault("LEDGER_POOL_BACKOFF", "2s")
	viper.SetDefault("LEDGER_BREAKER_TIMEOUT", "30s")
	viper.SetDefault("LEDGER_DEAD_TIME", "120s")
	viper.SetDefault("LEDGER_SWEEP_INTERVAL", "60s")
	viper.SetDefault("LEDGER_MAX_BALANCE", 0)
	viper.SetDefault("LEDGER_ADMIN_ADDR", ":8090")
	viper.SetDefault("LEDGER_NOTIFY_CHANNEL", "ledger:events")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("LOG_DEV", false)
	viper.AutomaticEnv()

	// Bind explicitly so unset keys still appear in Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DSN == "" {
			return fmt.Errorf("%w: LEDGER_DSN is required for the postgres store", ledger.ErrInvalidConfig)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("%w: unknown LEDGER_STORE %q", ledger.ErrInvalidConfig, c.Store)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: LEDGER_POOL_SIZE must be positive, got %d", ledger.ErrInvalidConfig, c.PoolSize)
	}
	if c.PoolBackoff <= 0 {
		return fmt.Errorf("%w: LEDGER_POOL_BACKOFF must be positive", ledger.ErrInvalidConfig)
	}
	return c.Sweeper().Validate()
}

// Pool returns the connection pool settings.
func (c *Config) Pool() pool.Config {
	return pool.Config{Size: c.PoolSize, BackoffInterval: c.PoolBackoff}
}

// Postgres returns the store settings. The database handle is sized to the pool.
func (c *Config) Postgres() postgres.Config {
	pg := postgres.DefaultConfig()
	pg.DSN = c.DSN
	if c.PoolSize > pg.MaxOpenConns {
		pg.MaxOpenConns = c.PoolSize
	}
	return pg
}

// Resilience returns the circuit breaker settings.
func (c *Config) Resilience() resilience.Config {
	rc := resilience.DefaultConfig()
	if c.BreakerTimeout > 0 {
		rc = rc.WithCircuitBreakerTimeout(c.BreakerTimeout)
	}
	return rc
}

// Sweeper returns the expiry sweep timings.
func (c *Config) Sweeper() sweeper.Config {
	return sweeper.Config{DeadTime: c.DeadTime, Interval: c.SweepInterval}
}

// Redis returns the notifier settings. Enabled is false when no address is set.
func (c *Config) Redis() (cfg notify.RedisConfig, enabled bool) {
	cfg = notify.DefaultRedisConfig()
	if c.RedisAddr == "" {
		return cfg, false
	}
	cfg.Addr = c.RedisAddr
	if c.NotifyChannel != "" {
		cfg.Channel = c.NotifyChannel
	}
	return cfg, true
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	if c.LogDev {
		lc = logging.DevelopmentConfig()
	}
	if c.LogLevel != "" {
		lc.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		lc.Format = c.LogFormat
	}
	return lc
}
