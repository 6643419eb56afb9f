// Package sweeper periodically fails PENDING transactions that were never
// executed.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Expirer fails PENDING transactions created before cutoff (unix seconds).
type Expirer interface {
	SetTransExpired(ctx context.Context, cutoff int64) int
}

// Config configures the sweeper.
type Config struct {
	// DeadTime is how long a transaction may stay PENDING (default: 120s).
	DeadTime time.Duration

	// Interval is the time between sweeps (default: 60s).
	Interval time.Duration
}

// DefaultConfig returns the default sweep timings.
func DefaultConfig() Config {
	return Config{
		DeadTime: 120 * time.Second,
		Interval: 60 * time.Second,
	}
}

// Validate rejects timings the schedule cannot honour.
func (c Config) Validate() error {
	if c.DeadTime <= 0 {
		return fmt.Errorf("%w: dead time must be positive, got %s", ledger.ErrInvalidConfig, c.DeadTime)
	}
	if c.Interval < time.Second {
		return fmt.Errorf("%w: sweep interval must be at least 1s, got %s", ledger.ErrInvalidConfig, c.Interval)
	}
	return nil
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithClock sets the clock the cutoff is computed from.
func WithClock(c ledger.Clock) Option {
	return func(s *Sweeper) { s.clock = c }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Sweeper) { s.metrics = metrics.Or(c) }
}

// WithLogger sets the sweeper logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// Sweeper runs the expiry pass on a schedule.
type Sweeper struct {
	expirer Expirer
	config  Config
	clock   ledger.Clock
	metrics metrics.Collector
	logger  *logging.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a sweeper. Invalid timings are a configuration error.
func New(expirer Expirer, config Config, opts ...Option) (*Sweeper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Sweeper{
		expirer: expirer,
		config:  config,
		clock:   ledger.SystemClock{},
		metrics: metrics.NoOpCollector{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Or(s.logger, "sweeper")
	return s, nil
}

// Cutoff returns the creation time before which a PENDING transaction is expired.
func (s *Sweeper) Cutoff() int64 {
	return s.clock.Now().Add(-s.config.DeadTime).Unix()
}

// Sweep runs one expiry pass and returns how many transactions it failed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	cutoff := s.Cutoff()

	n := s.expirer.SetTransExpired(ctx, cutoff)
	s.metrics.RecordSweep(n, time.Since(start))

	if n > 0 {
		s.logger.Info("expired pending transactions",
			zap.Int("count", n),
			zap.Int64("cutoff", cutoff),
		)
	} else {
		s.logger.Debug("sweep found nothing to expire", zap.Int64("cutoff", cutoff))
	}
	return n
}

// Start schedules Sweep every Interval. Overlapping runs are skipped and a
// panicking run is recovered and logged.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(s.logger.Logger))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	spec := "@every " + s.config.Interval.String()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}

	c.Start()
	s.cron = c

	s.logger.Info("sweeper started",
		zap.Duration("dead_time", s.config.DeadTime),
		zap.Duration("interval", s.config.Interval),
	)
	return nil
}

// Stop cancels the schedule. The returned context is done once a sweep that
// is already running has finished.
func (s *Sweeper) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	ctx := s.cron.Stop()
	s.cron = nil
	s.logger.Info("sweeper stopped")
	return ctx
}
