package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/metrics"
	"ledger-engine/pkg/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrPoolInvariant is returned when a release does not match a borrowed slot.
	ErrPoolInvariant = errors.New("pool: slot invariant violated")
)

// Config configures the connection pool.
type Config struct {
	// Size is the fixed number of connections. Must be positive.
	Size int

	// BackoffInterval is how long Acquire sleeps after a full scan finds no
	// free slot (default: 2s).
	BackoffInterval time.Duration
}

// DefaultConfig returns a pool of ten connections with a two second backoff.
func DefaultConfig() Config {
	return Config{
		Size:            10,
		BackoffInterval: 2 * time.Second,
	}
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(p *Pool) { p.metrics = metrics.Or(c) }
}

type slot struct {
	conn  store.Conn
	inUse bool
	stale bool
	gen   uint64
}

// Pool owns a fixed set of reusable store connections and lends them out
// exclusively. Slot selection is round robin over a shared counter; a caller
// that finds every slot busy sleeps and rescans. There is no queue, so a
// caller can starve while demand stays above Size.
type Pool struct {
	mu      sync.Mutex
	slots   []slot
	counter uint64
	closed  bool

	cfg     Config
	logger  *logging.Logger
	metrics metrics.Collector

	acquires int64
	waits    int64
}

// Handle is an exclusively borrowed pool slot. It is valid until Release.
type Handle struct {
	pool     *Pool
	index    int
	gen      uint64
	conn     store.Conn
	released atomic.Bool
}

// Conn returns the borrowed connection.
func (h *Handle) Conn() store.Conn { return h.conn }

// Index returns the slot index.
func (h *Handle) Index() int { return h.index }

// Reconnect re-establishes the borrowed connection. A failed reconnect
// marks the slot stale so the next Acquire of it tries again.
func (h *Handle) Reconnect(ctx context.Context) error {
	err := h.conn.Reconnect(ctx)
	if err != nil {
		h.pool.markStale(h)
	}
	return err
}

// New connects cfg.Size connections concurrently. A non-positive size is a
// configuration error and no connection is opened.
func New(ctx context.Context, connector store.Connector, cfg Config, opts ...Option) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("%w: pool size must be positive, got %d", ledger.ErrInvalidConfig, cfg.Size)
	}
	if connector == nil {
		return nil, fmt.Errorf("%w: nil connector", ledger.ErrInvalidConfig)
	}
	if cfg.BackoffInterval <= 0 {
		cfg.BackoffInterval = DefaultConfig().BackoffInterval
	}

	p := &Pool{
		slots:   make([]slot, cfg.Size),
		cfg:     cfg,
		metrics: metrics.NoOpCollector{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Or(p.logger, "pool")

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.slots {
		i := i
		g.Go(func() error {
			conn, err := connector.Connect(gctx)
			if err != nil {
				return fmt.Errorf("connect slot %d: %w", i, err)
			}
			p.slots[i].conn = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.closeAll()
		return nil, err
	}

	p.logger.Info("connection pool ready",
		zap.Int("size", cfg.Size),
		zap.Duration("backoff", cfg.BackoffInterval),
	)
	return p, nil
}

// Acquire borrows a free connection, blocking while the pool is saturated.
// Only ctx cancellation or Close ends the wait early.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	start := time.Now()

	for {
		h, inUse, err := p.tryAcquire()
		if err != nil {
			return nil, err
		}
		if h != nil {
			atomic.AddInt64(&p.acquires, 1)
			p.metrics.RecordAcquire(time.Since(start))
			p.metrics.RecordInUse(inUse)

			if err := p.refreshStale(ctx, h); err != nil {
				p.Release(h)
				return nil, err
			}
			return h, nil
		}

		atomic.AddInt64(&p.waits, 1)
		p.metrics.RecordPoolWait()
		p.logger.Warn("connection pool saturated, backing off",
			zap.Int("size", len(p.slots)),
			zap.Duration("backoff", p.cfg.BackoffInterval),
			zap.Duration("waited", time.Since(start)),
		)

		timer := time.NewTimer(p.cfg.BackoffInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// tryAcquire performs one full scan starting at the next counter position.
func (p *Pool) tryAcquire() (*Handle, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, 0, ErrPoolClosed
	}

	n := len(p.slots)
	first := int(p.counter % uint64(n))
	p.counter++

	for i := 0; i < n; i++ {
		idx := (first + i) % n
		s := &p.slots[idx]
		if s.inUse {
			continue
		}
		s.inUse = true
		s.gen++
		return &Handle{pool: p, index: idx, gen: s.gen, conn: s.conn}, p.inUseLocked(), nil
	}
	return nil, 0, nil
}

// refreshStale reconnects a slot marked stale by a pool-wide Reconnect or a
// failed handle reconnect.
func (p *Pool) refreshStale(ctx context.Context, h *Handle) error {
	p.mu.Lock()
	stale := p.slots[h.index].stale
	p.mu.Unlock()
	if !stale {
		return nil
	}

	if err := h.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect slot %d: %w", h.index, err)
	}

	p.mu.Lock()
	p.slots[h.index].stale = false
	p.mu.Unlock()
	return nil
}

func (p *Pool) markStale(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.index < 0 || h.index >= len(p.slots) {
		return
	}
	if s := &p.slots[h.index]; s.gen == h.gen {
		s.stale = true
	}
}

// Release returns h to the pool. Releasing a handle twice, or one that does
// not belong to this pool, is an invariant violation: it is logged and
// reported but never frees a slot someone else holds.
func (p *Pool) Release(h *Handle) error {
	if h == nil || h.pool != p {
		return p.invariant("release of foreign handle", -1)
	}
	if h.released.Swap(true) {
		return p.invariant("double release", h.index)
	}

	p.mu.Lock()
	if h.index < 0 || h.index >= len(p.slots) {
		p.mu.Unlock()
		return p.invariant("slot index out of range", h.index)
	}
	s := &p.slots[h.index]
	if !s.inUse || s.gen != h.gen {
		p.mu.Unlock()
		return p.invariant("release of slot not held by handle", h.index)
	}
	s.inUse = false
	inUse := p.inUseLocked()
	p.mu.Unlock()

	p.metrics.RecordInUse(inUse)
	return nil
}

func (p *Pool) invariant(msg string, index int) error {
	p.logger.DPanic("connection pool invariant violated",
		zap.String("reason", msg),
		zap.Int("slot", index),
	)
	return fmt.Errorf("%w: %s (slot %d)", ErrPoolInvariant, msg, index)
}

// Reconnect re-establishes every connection. Idle slots are reconnected now;
// borrowed slots are marked and reconnected on their next Acquire.
func (p *Pool) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	var idle []int
	for i := range p.slots {
		if p.slots[i].inUse {
			p.slots[i].stale = true
			continue
		}
		p.slots[i].inUse = true
		p.slots[i].gen++
		idle = append(idle, i)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range idle {
		conn := p.slots[idx].conn
		g.Go(func() error {
			return conn.Reconnect(gctx)
		})
	}
	err := g.Wait()

	p.mu.Lock()
	for _, idx := range idle {
		p.slots[idx].inUse = false
		if err != nil {
			p.slots[idx].stale = true
		}
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("pool reconnect failed", zap.Error(err))
		return err
	}
	p.logger.Info("pool reconnected", zap.Int("slots", len(idle)))
	return nil
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Size     int   `json:"size"`
	InUse    int   `json:"in_use"`
	Acquires int64 `json:"acquires"`
	Waits    int64 `json:"waits"`
}

// Stats returns current pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	inUse := p.inUseLocked()
	p.mu.Unlock()

	return Stats{
		Size:     len(p.slots),
		InUse:    inUse,
		Acquires: atomic.LoadInt64(&p.acquires),
		Waits:    atomic.LoadInt64(&p.waits),
	}
}

func (p *Pool) inUseLocked() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].inUse {
			n++
		}
	}
	return n
}

// Ping checks an idle connection; it borrows one like any other caller.
func (p *Pool) Ping(ctx context.Context) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return h.conn.Ping(ctx)
}

// Close closes every connection. Further Acquire calls fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.closeAll()
}

func (p *Pool) closeAll() error {
	var errs []error
	for i := range p.slots {
		if p.slots[i].conn == nil {
			continue
		}
		if err := p.slots[i].conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
