package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/metrics"

	"go.uber.org/zap"
)

// Errors returned by the async notifier.
var (
	// ErrQueueFull is returned when the queue is full and MaxWaitTime passed
	ErrQueueFull = errors.New("notify: queue full, event dropped")

	// ErrClosed is returned when publishing to a closed notifier
	ErrClosed = errors.New("notify: notifier is closed")

	// ErrFlushTimeout is returned when Flush() times out waiting for the queue to drain
	ErrFlushTimeout = errors.New("notify: flush timeout exceeded")
)

// AsyncConfig configures the async notifier.
type AsyncConfig struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent publishers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if the queue is full.
	// 0 means drop immediately (default: 10ms)
	MaxWaitTime time.Duration

	// PublishTimeout bounds each delivery to the wrapped notifier (default: 5s)
	PublishTimeout time.Duration
}

// AsyncStats provides statistics about async delivery.
type AsyncStats struct {
	// QueueDepth is the current number of pending events
	QueueDepth int

	// Dropped is the total number of events dropped due to backpressure
	Dropped int64

	// Accepted is the total number of events queued
	Accepted int64

	// Failed is the total number of deliveries the wrapped notifier rejected
	Failed int64
}

// Async hands events to a wrapped notifier on a small worker pool so money
// movement never waits on Redis. Events that do not fit in the bounded queue
// are dropped and counted.
type Async struct {
	next       Notifier
	queue      chan Event
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	config     AsyncConfig
	metrics    metrics.Collector
	logger     *logging.Logger
	closeOnce  sync.Once

	dropped  int64
	accepted int64
	failed   int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

// NewAsync wraps next with a no-op metrics collector.
func NewAsync(next Notifier, config AsyncConfig) *Async {
	return NewAsyncWithMetrics(next, config, metrics.NoOpCollector{})
}

// NewAsyncWithMetrics starts the worker pool. Close must be called to drain it.
func NewAsyncWithMetrics(next Notifier, config AsyncConfig, metricsCollector metrics.Collector) *Async {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Async{
		next:          Or(next),
		queue:         make(chan Event, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metrics.Or(metricsCollector),
		logger:        logging.L().Named("notify").Named("async"),
		metricsTicker: time.NewTicker(5 * time.Second),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	go a.reportMetrics()

	return a
}

// Publish enqueues event without waiting for delivery.
// If the queue is full it waits up to MaxWaitTime, then drops the event.
func (a *Async) Publish(ctx context.Context, event Event) error {
	select {
	case <-a.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	timer := time.NewTimer(a.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case a.queue <- event:
		atomic.AddInt64(&a.accepted, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&a.dropped, 1)
		a.metrics.RecordNotifyDropped()
		a.logger.Warn("notification dropped, queue full",
			zap.String("kind", string(event.Kind)),
			logging.TxID(event.TxID),
		)
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return ErrClosed
	}
}

func (a *Async) worker() {
	defer a.wg.Done()

	for {
		select {
		case event := <-a.queue:
			a.deliver(event)
		case <-a.ctx.Done():
			// Drain what is left before exiting.
			for {
				select {
				case event := <-a.queue:
					a.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.PublishTimeout)
	defer cancel()

	err := a.next.Publish(ctx, event)
	a.metrics.RecordNotify(err == nil)
	if err != nil {
		atomic.AddInt64(&a.failed, 1)
		a.logger.Warn("notification delivery failed",
			zap.String("kind", string(event.Kind)),
			logging.TxID(event.TxID),
			zap.Error(err),
		)
	}
}

// Flush waits for the queue to drain or until timeout.
func (a *Async) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if len(a.queue) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops accepting events, delivers what is queued and closes the
// wrapped notifier.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.metricsStop)
		a.metricsTicker.Stop()

		a.cancelFunc()
		a.wg.Wait()

		err = a.next.Close()
	})
	return err
}

func (a *Async) reportMetrics() {
	for {
		select {
		case <-a.metricsTicker.C:
			a.metrics.RecordQueueDepth(len(a.queue))
		case <-a.metricsStop:
			return
		}
	}
}

// Stats returns current delivery statistics.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		QueueDepth: len(a.queue),
		Dropped:    atomic.LoadInt64(&a.dropped),
		Accepted:   atomic.LoadInt64(&a.accepted),
		Failed:     atomic.LoadInt64(&a.failed),
	}
}

var _ Notifier = (*Async)(nil)
