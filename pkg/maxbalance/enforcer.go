// Package maxbalance keeps ordinary accounts at or below the configured
// balance cap.
package maxbalance

import (
	"context"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/metrics"
	"ledger-engine/pkg/notify"

	"go.uber.org/zap"
)

// Checker is the accessor the enforcer clamps balances through.
type Checker interface {
	CheckMaximumMoney(ctx context.Context, user string, limit int64) int64
}

// ClawbackDescription is sent with clawback notices.
const ClawbackDescription = "balance above maximum, excess removed"

// Enforcer removes the part of a balance above Cap.
type Enforcer struct {
	checker  Checker
	cap      int64
	clock    ledger.Clock
	notifier notify.Notifier
	metrics  metrics.Collector
	logger   *logging.Logger
}

// Option customizes an Enforcer.
type Option func(*Enforcer)

// WithNotifier sets where clawback notices go.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Enforcer) { e.notifier = notify.Or(n) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(e *Enforcer) { e.metrics = metrics.Or(c) }
}

// WithLogger sets the enforcer logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithClock sets the clock used to stamp notices.
func WithClock(c ledger.Clock) Option {
	return func(e *Enforcer) { e.clock = c }
}

// New creates an enforcer for cap. A cap of zero or less disables it.
func New(checker Checker, cap int64, opts ...Option) *Enforcer {
	e := &Enforcer{
		checker:  checker,
		cap:      cap,
		clock:    ledger.SystemClock{},
		notifier: notify.NoOp{},
		metrics:  metrics.NoOpCollector{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Or(e.logger, "maxbalance")
	return e
}

// Cap returns the configured limit.
func (e *Enforcer) Cap() int64 {
	return e.cap
}

// Enabled reports whether a cap is configured.
func (e *Enforcer) Enabled() bool {
	return e.cap > 0
}

// Enforce clamps user to the cap and returns the removed excess. A positive
// excess is logged, counted and announced so the user can be told.
func (e *Enforcer) Enforce(ctx context.Context, user string) int64 {
	if !e.Enabled() {
		return 0
	}

	excess := e.checker.CheckMaximumMoney(ctx, user, e.cap)
	if excess <= 0 {
		return 0
	}

	e.logger.Info("balance clamped to maximum",
		logging.Account(user),
		logging.Amount(excess),
		zap.Int64("cap", e.cap),
	)
	e.metrics.RecordClawback(excess)

	event := notify.Event{
		Kind:        notify.KindClawback,
		User:        user,
		Amount:      excess,
		Description: ClawbackDescription,
		Time:        e.clock.Now().Unix(),
	}
	if err := e.notifier.Publish(ctx, event); err != nil {
		e.logger.Warn("clawback notice not sent", logging.Account(user), zap.Error(err))
	}
	return excess
}
