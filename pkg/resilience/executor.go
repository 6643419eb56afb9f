package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Reconnector re-establishes a broken store connection.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Executor runs store primitives behind a circuit breaker and retries a
// transient fault exactly once after reconnecting the handle.
type Executor struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	metrics metrics.Collector
	logger  *logging.Logger
}

// NewExecutor creates an executor with a no-op metrics collector.
func NewExecutor(name string, config Config) *Executor {
	return NewExecutorWithMetrics(name, config, metrics.NoOpCollector{})
}

// NewExecutorWithMetrics creates an executor reporting to metricsCollector.
func NewExecutorWithMetrics(name string, config Config, metricsCollector metrics.Collector) *Executor {
	logger := logging.L().Named("resilience").Named(name)

	e := &Executor{
		name:    name,
		metrics: metrics.Or(metricsCollector),
		logger:  logger,
	}

	if config.Disabled {
		logger.Info("circuit breaker disabled")
		return e
	}

	cbc := config.CircuitBreaker
	readyToTrip := cbc.ReadyToTrip
	if readyToTrip == nil {
		readyToTrip = DefaultReadyToTrip
	}

	logger.Info("executor initialized",
		zap.Uint32("max_requests", cbc.MaxRequests),
		zap.Duration("circuit_interval", cbc.Interval),
		zap.Duration("circuit_timeout", cbc.Timeout),
	)

	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cbc.MaxRequests,
		Interval:    cbc.Interval,
		Timeout:     cbc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return readyToTrip(Counts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		// Business outcomes such as an unknown account are answers, not faults.
		IsSuccessful: func(err error) bool {
			return err == nil || !ledger.IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			e.metrics.RecordCircuitState(name, state)
		},
	})

	return e
}

// Name returns the executor name.
func (e *Executor) Name() string {
	return e.name
}

// Do runs fn for operation op. A transient failure triggers one reconnect of
// h followed by exactly one more attempt; the second result is final. h may
// be nil, in which case nothing is retried.
func (e *Executor) Do(ctx context.Context, op string, h Reconnector, fn func() error) error {
	start := time.Now()

	err := e.run(fn)
	if err != nil && ledger.IsTransient(err) && h != nil {
		e.logger.Warn("transient store fault, reconnecting",
			zap.String("operation", op),
			zap.Error(err),
		)

		if rerr := h.Reconnect(ctx); rerr != nil {
			e.metrics.RecordRetry(op, false)
			err = fmt.Errorf("%w (reconnect failed: %v)", err, rerr)
		} else {
			err = e.run(fn)
			e.metrics.RecordRetry(op, err == nil)
		}
	}

	e.metrics.RecordAccessor(op, ledger.ClassifyError(err), time.Since(start))
	return err
}

func (e *Executor) run(fn func() error) error {
	if e.cb == nil {
		return fn()
	}

	_, err := e.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e.logger.Warn("circuit breaker open - request rejected")
		return ledger.ErrCircuitOpen
	}
	return err
}

// State reports the breaker state. A disabled breaker is always closed.
func (e *Executor) State() metrics.CircuitState {
	if e.cb == nil {
		return metrics.CircuitClosed
	}
	switch e.cb.State() {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}
