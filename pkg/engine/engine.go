// Package engine assembles the ledger components behind one facade: store,
// pool, accessors, transfer orchestrator, balance cap, expiry sweeper,
// notifier and metrics.
package engine

import (
	"context"
	"fmt"

	"ledger-engine/pkg/accessors"
	"ledger-engine/pkg/config"
	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/maxbalance"
	"ledger-engine/pkg/metrics"
	promcollector "ledger-engine/pkg/metrics/prometheus"
	"ledger-engine/pkg/notify"
	"ledger-engine/pkg/pool"
	"ledger-engine/pkg/resilience"
	"ledger-engine/pkg/store"
	"ledger-engine/pkg/store/memory"
	"ledger-engine/pkg/store/postgres"
	"ledger-engine/pkg/sweeper"
	"ledger-engine/pkg/transfer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine is the ledger as seen by the RPC layer.
type Engine struct {
	cfg      *config.Config
	closer   func() error
	pool     *pool.Pool
	acc      *accessors.Accessors
	orch     *transfer.Orchestrator
	enforcer *maxbalance.Enforcer
	sweeper  *sweeper.Sweeper
	notifier notify.Notifier
	registry *prometheus.Registry
	logger   *logging.Logger
}

type options struct {
	connector store.Connector
	notifier  notify.Notifier
	clock     ledger.Clock
	logger    *logging.Logger
}

// Option customizes Open.
type Option func(*options)

// WithConnector replaces the configured store.
func WithConnector(c store.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithNotifier replaces the Redis notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock pins the clock for every component.
func WithClock(c ledger.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the root logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open builds every component from cfg. The pool is connected before Open
// returns; the sweeper runs only after Start.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: ledger.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Or(o.logger, "engine")

	e := &Engine{
		cfg:      cfg,
		closer:   func() error { return nil },
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	pc := promcollector.NewPrometheusCollector("ledger")
	if err := pc.Register(e.registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	connector, err := e.openStore(ctx, o.connector)
	if err != nil {
		return nil, err
	}

	e.pool, err = pool.New(ctx, connector, cfg.Pool(),
		pool.WithLogger(logger.Named("pool")),
		pool.WithMetrics(pc))
	if err != nil {
		e.closer()
		return nil, fmt.Errorf("connect pool: %w", err)
	}

	exec := resilience.NewExecutorWithMetrics("store", cfg.Resilience(), pc)
	e.acc = accessors.New(e.pool, exec,
		accessors.WithClock(o.clock),
		accessors.WithLogger(logger.Named("accessors")))

	e.notifier = e.openNotifier(o.notifier, pc)

	e.enforcer = maxbalance.New(e.acc, cfg.MaxBalance,
		maxbalance.WithNotifier(e.notifier),
		maxbalance.WithMetrics(pc),
		maxbalance.WithClock(o.clock),
		maxbalance.WithLogger(logger.Named("maxbalance")))

	e.orch = transfer.New(e.acc,
		transfer.WithEnforcer(e.enforcer),
		transfer.WithNotifier(e.notifier),
		transfer.WithMetrics(pc),
		transfer.WithClock(o.clock),
		transfer.WithLogger(logger.Named("transfer")))

	e.sweeper, err = sweeper.New(e.acc, cfg.Sweeper(),
		sweeper.WithClock(o.clock),
		sweeper.WithMetrics(pc),
		sweeper.WithLogger(logger.Named("sweeper")))
	if err != nil {
		e.Close(ctx)
		return nil, err
	}

	logger.Info("ledger engine ready",
		zap.String("store", cfg.Store),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int64("max_balance", cfg.MaxBalance),
	)
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, override store.Connector) (store.Connector, error) {
	if override != nil {
		return override, nil
	}

	switch e.cfg.Store {
	case config.StoreMemory:
		e.logger.Warn("using in-memory store, balances are lost on exit")
		return memory.New(), nil
	default:
		pg, err := postgres.Open(ctx, e.cfg.Postgres())
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate ledger schema: %w", err)
		}
		e.closer = pg.Close
		return pg, nil
	}
}

// openNotifier wraps Redis in the async queue. Money movement does not
// depend on Redis, so an unreachable server downgrades to no notices.
func (e *Engine) openNotifier(override notify.Notifier, mc metrics.Collector) notify.Notifier {
	if override != nil {
		return override
	}

	rc, enabled := e.cfg.Redis()
	if !enabled {
		return notify.NoOp{}
	}

	pub, err := notify.NewRedisPublisher(rc)
	if err != nil {
		e.logger.Warn("notifier disabled", zap.String("addr", rc.Addr), zap.Error(err))
		return notify.NoOp{}
	}
	e.logger.Info("publishing ledger events", zap.String("addr", rc.Addr), zap.String("channel", pub.Channel()))
	return notify.NewAsyncWithMetrics(pub, notify.AsyncConfig{}, mc)
}

// Start begins the expiry schedule.
func (e *Engine) Start() error {
	return e.sweeper.Start()
}

// Close stops the sweeper, waiting for a running sweep until ctx is done,
// then drains the notifier and closes every connection.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.sweeper != nil {
		select {
		case <-e.sweeper.Stop().Done():
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("sweeper still running: %w", ctx.Err()))
		}
	}
	if e.notifier != nil {
		err = multierr.Append(err, e.notifier.Close())
	}
	if e.pool != nil {
		err = multierr.Append(err, e.pool.Close())
	}
	err = multierr.Append(err, e.closer())
	return err
}

// Gatherer exposes the engine metrics registry.
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.registry
}

// Stats returns connection pool usage.
func (e *Engine) Stats() pool.Stats {
	return e.pool.Stats()
}

// Reconnect refreshes every pooled connection.
func (e *Engine) Reconnect(ctx context.Context) error {
	return e.pool.Reconnect(ctx)
}

// Sweep runs one expiry pass now.
func (e *Engine) Sweep(ctx context.Context) int {
	return e.sweeper.Sweep(ctx)
}

// Ping checks the store through a pooled connection.
func (e *Engine) Ping(ctx context.Context) error {
	return e.acc.Ping(ctx)
}

// GetBalance returns the balance of user, or ledger.UnknownBalance.
func (e *Engine) GetBalance(ctx context.Context, user string) int64 {
	return e.acc.GetBalance(ctx, user)
}

// Withdraw debits amount from user.
func (e *Engine) Withdraw(ctx context.Context, user string, amount int64) bool {
	return e.acc.Withdraw(ctx, user, amount)
}

// Give credits amount to user.
func (e *Engine) Give(ctx context.Context, user string, amount int64) bool {
	return e.acc.Give(ctx, user, amount)
}

// AddUser creates an account.
func (e *Engine) AddUser(ctx context.Context, user string, balance int64, status, typ int) bool {
	return e.acc.AddUser(ctx, user, balance, status, typ)
}

// AddTransaction records tx as PENDING, filling in its id and secure code.
func (e *Engine) AddTransaction(ctx context.Context, tx *ledger.Transaction) bool {
	return e.acc.AddTransaction(ctx, tx)
}

// FetchTransaction returns the transaction id, or nil.
func (e *Engine) FetchTransaction(ctx context.Context, id string) *ledger.Transaction {
	return e.acc.FetchTransaction(ctx, id)
}

// FetchTransactions returns one page of a user's history.
func (e *Engine) FetchTransactions(ctx context.Context, q ledger.HistoryQuery) []ledger.Transaction {
	return e.acc.FetchTransactions(ctx, q)
}

// TransactionCount counts a user's transactions between from and to.
func (e *Engine) TransactionCount(ctx context.Context, user string, from, to int64) int {
	return e.acc.TransactionCount(ctx, user, from, to)
}

// UpdateTransactionStatus moves transaction id to status.
func (e *Engine) UpdateTransactionStatus(ctx context.Context, id string, status ledger.Status, description string) bool {
	return e.acc.UpdateTransactionStatus(ctx, id, status, description)
}

// SetTransExpired fails PENDING transactions older than cutoff.
func (e *Engine) SetTransExpired(ctx context.Context, cutoff int64) int {
	return e.acc.SetTransExpired(ctx, cutoff)
}

// ValidateSecureCode reports whether code unlocks the PENDING transaction id.
func (e *Engine) ValidateSecureCode(ctx context.Context, id, code string) bool {
	return e.acc.ValidateSecureCode(ctx, id, code)
}

// CheckMaximumMoney clamps user to limit and returns the removed excess.
func (e *Engine) CheckMaximumMoney(ctx context.Context, user string, limit int64) int64 {
	return e.acc.CheckMaximumMoney(ctx, user, limit)
}

// EnforceMaximum clamps user to the configured cap.
func (e *Engine) EnforceMaximum(ctx context.Context, user string) int64 {
	return e.enforcer.Enforce(ctx, user)
}

// DoTransfer executes the PENDING transfer id.
func (e *Engine) DoTransfer(ctx context.Context, id string) bool {
	return e.orch.DoTransfer(ctx, id)
}

// DoAddMoney executes the PENDING add money transaction id.
func (e *Engine) DoAddMoney(ctx context.Context, id string) bool {
	return e.orch.DoAddMoney(ctx, id)
}

// CancelTransfer fails the PENDING transaction id when secureCode matches.
func (e *Engine) CancelTransfer(ctx context.Context, id, secureCode string) bool {
	return e.orch.CancelTransfer(ctx, id, secureCode)
}

// ConfirmTransfer executes the PENDING transaction id when secureCode matches.
func (e *Engine) ConfirmTransfer(ctx context.Context, id, secureCode string) bool {
	return e.orch.ConfirmTransfer(ctx, id, secureCode)
}

// Transfer records tx and executes it.
func (e *Engine) Transfer(ctx context.Context, tx *ledger.Transaction) (string, bool) {
	return e.orch.Transfer(ctx, tx)
}
