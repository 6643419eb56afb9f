// Package accessors is the only code that talks to the ledger store.
//
// Every operation borrows one pooled connection, runs a single store
// primitive through the resilience executor (one reconnect-and-retry on a
// connectivity fault) and gives the connection back on every path. Failures
// never escape as errors: they are logged and turned into a documented safe
// value such as -1, false, nil, an empty slice or 0.
package accessors

import (
	"context"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/pool"
	"ledger-engine/pkg/resilience"
	"ledger-engine/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Accessors provides the guarded ledger operations.
type Accessors struct {
	pool   *pool.Pool
	exec   *resilience.Executor
	clock  ledger.Clock
	logger *logging.Logger
}

// Option customizes Accessors.
type Option func(*Accessors)

// WithClock sets the clock used to stamp new transactions.
func WithClock(c ledger.Clock) Option {
	return func(a *Accessors) { a.clock = c }
}

// WithLogger sets the accessor logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Accessors) { a.logger = l }
}

// New creates accessors over p. A nil exec gets a default executor.
func New(p *pool.Pool, exec *resilience.Executor, opts ...Option) *Accessors {
	a := &Accessors{
		pool:  p,
		exec:  exec,
		clock: ledger.SystemClock{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.exec == nil {
		a.exec = resilience.NewExecutor("store", resilience.DefaultConfig())
	}
	a.logger = logging.Or(a.logger, "accessors")
	return a
}

// do borrows a connection for one primitive and always returns it.
func (a *Accessors) do(ctx context.Context, op string, fn func(c store.Conn) error) error {
	h, err := a.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer a.pool.Release(h)

	return a.exec.Do(ctx, op, h, func() error {
		return fn(h.Conn())
	})
}

// fail logs err for op. Connectivity faults and unexpected errors are logged
// at error level; answers like "no such account" only at debug.
func (a *Accessors) fail(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", op), zap.Error(err))

	switch ledger.ClassifyError(err) {
	case "transient", "circuit_breaker_open", "other":
		a.logger.Error("store operation failed", fields...)
	default:
		a.logger.Debug("store operation rejected", fields...)
	}
}

// GetBalance returns the balance of user, or ledger.UnknownBalance when the
// account does not exist or the store cannot be reached.
func (a *Accessors) GetBalance(ctx context.Context, user string) int64 {
	balance := ledger.UnknownBalance
	err := a.do(ctx, "get_balance", func(c store.Conn) error {
		b, err := c.Balance(ctx, user)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		a.fail("get_balance", err, logging.Account(user))
		return ledger.UnknownBalance
	}
	return balance
}

// Withdraw debits amount from user. It fails without touching the balance
// when the account is missing or cannot cover the amount.
func (a *Accessors) Withdraw(ctx context.Context, user string, amount int64) bool {
	if amount < 0 {
		a.fail("withdraw", ledger.ErrInvalidTransaction, logging.Account(user), logging.Amount(amount))
		return false
	}
	err := a.do(ctx, "withdraw", func(c store.Conn) error {
		return c.Debit(ctx, user, amount)
	})
	if err != nil {
		a.fail("withdraw", err, logging.Account(user), logging.Amount(amount))
		return false
	}
	return true
}

// Give credits amount to user.
func (a *Accessors) Give(ctx context.Context, user string, amount int64) bool {
	if amount < 0 {
		a.fail("give", ledger.ErrInvalidTransaction, logging.Account(user), logging.Amount(amount))
		return false
	}
	err := a.do(ctx, "give", func(c store.Conn) error {
		return c.Credit(ctx, user, amount)
	})
	if err != nil {
		a.fail("give", err, logging.Account(user), logging.Amount(amount))
		return false
	}
	return true
}

// AddUser provisions a balances row. An existing account is a failure.
func (a *Accessors) AddUser(ctx context.Context, user string, balance int64, status, typ int) bool {
	if user == "" || balance < 0 {
		a.fail("add_user", ledger.ErrInvalidTransaction, logging.Account(user), logging.Amount(balance))
		return false
	}
	account := ledger.Account{User: user, Balance: balance, Status: status, Type: typ}
	err := a.do(ctx, "add_user", func(c store.Conn) error {
		return c.InsertAccount(ctx, account)
	})
	if err != nil {
		a.fail("add_user", err, logging.Account(user))
		return false
	}
	return true
}

// AddTransaction stores tx as PENDING. An empty ID or SecureCode is filled in
// with a fresh UUID and a zero Time is stamped from the clock; tx is updated
// in place so the caller learns the id and code.
func (a *Accessors) AddTransaction(ctx context.Context, tx *ledger.Transaction) bool {
	if tx == nil {
		a.fail("add_transaction", ledger.ErrInvalidTransaction)
		return false
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.SecureCode == "" {
		tx.SecureCode = uuid.NewString()
	}
	if tx.Time == 0 {
		tx.Time = ledger.Unix(a.clock)
	}
	tx.Status = ledger.StatusPending

	if err := tx.Validate(); err != nil {
		a.fail("add_transaction", err, logging.Tx(tx))
		return false
	}

	err := a.do(ctx, "add_transaction", func(c store.Conn) error {
		return c.InsertTransaction(ctx, tx)
	})
	if err != nil {
		a.fail("add_transaction", err, logging.Tx(tx))
		return false
	}
	return true
}

// FetchTransaction loads one transaction, or nil.
func (a *Accessors) FetchTransaction(ctx context.Context, id string) *ledger.Transaction {
	var tx *ledger.Transaction
	err := a.do(ctx, "fetch_transaction", func(c store.Conn) error {
		t, err := c.Transaction(ctx, id)
		if err != nil {
			return err
		}
		tx = t
		return nil
	})
	if err != nil {
		a.fail("fetch_transaction", err, logging.TxID(id))
		return nil
	}
	return tx
}

// FetchTransactions returns one page of the user's history, newest first.
// The result is never nil.
func (a *Accessors) FetchTransactions(ctx context.Context, q ledger.HistoryQuery) []ledger.Transaction {
	var page []ledger.Transaction
	err := a.do(ctx, "fetch_transactions", func(c store.Conn) error {
		p, err := c.History(ctx, q)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		a.fail("fetch_transactions", err, logging.Account(q.User))
		return []ledger.Transaction{}
	}
	if page == nil {
		page = []ledger.Transaction{}
	}
	return page
}

// TransactionCount counts the user's transactions in [from, to].
func (a *Accessors) TransactionCount(ctx context.Context, user string, from, to int64) int {
	n := 0
	err := a.do(ctx, "transaction_count", func(c store.Conn) error {
		count, err := c.CountHistory(ctx, user, from, to)
		if err != nil {
			return err
		}
		n = count
		return nil
	})
	if err != nil {
		a.fail("transaction_count", err, logging.Account(user))
		return 0
	}
	return n
}

// UpdateTransactionStatus moves a PENDING transaction to status. It fails
// for unknown ids and for transactions that are already final.
func (a *Accessors) UpdateTransactionStatus(ctx context.Context, id string, status ledger.Status, description string) bool {
	err := a.do(ctx, "update_status", func(c store.Conn) error {
		return c.SetStatus(ctx, id, status, description)
	})
	if err != nil {
		a.fail("update_status", err, logging.TxID(id), zap.Stringer("status", status))
		return false
	}
	return true
}

// ExpiredDescription is stored on transactions failed by SetTransExpired.
const ExpiredDescription = "pending transaction expired"

// SetTransExpired fails every PENDING transaction created before cutoff
// (unix seconds) and returns how many changed.
func (a *Accessors) SetTransExpired(ctx context.Context, cutoff int64) int {
	n := 0
	err := a.do(ctx, "set_trans_expired", func(c store.Conn) error {
		count, err := c.ExpirePending(ctx, cutoff, ExpiredDescription)
		if err != nil {
			return err
		}
		n = count
		return nil
	})
	if err != nil {
		a.fail("set_trans_expired", err, zap.Int64("cutoff", cutoff))
		return 0
	}
	return n
}

// ValidateSecureCode reports whether id is PENDING and code matches its
// secure code. The comparison is constant time.
func (a *Accessors) ValidateSecureCode(ctx context.Context, id, code string) bool {
	tx := a.FetchTransaction(ctx, id)
	if tx == nil || tx.Status != ledger.StatusPending {
		return false
	}
	if err := tx.CheckSecureCode(code); err != nil {
		a.logger.Warn("secure code rejected", logging.TxID(id), zap.Error(err))
		return false
	}
	return true
}

// CheckMaximumMoney clamps the balance of user to limit and returns the
// removed excess. Privileged accounts and a non-positive limit are never
// clamped.
func (a *Accessors) CheckMaximumMoney(ctx context.Context, user string, limit int64) int64 {
	if limit <= 0 || ledger.IsPrivileged(user) {
		return 0
	}

	var excess int64
	err := a.do(ctx, "check_maximum_money", func(c store.Conn) error {
		e, err := c.ClampBalance(ctx, user, limit)
		if err != nil {
			return err
		}
		excess = e
		return nil
	})
	if err != nil {
		a.fail("check_maximum_money", err, logging.Account(user))
		return 0
	}
	return excess
}

// AddSale adds tx to the receiver's sales aggregate for its object.
func (a *Accessors) AddSale(ctx context.Context, tx *ledger.Transaction) bool {
	if tx == nil {
		return false
	}
	at := tx.Time
	if at == 0 {
		at = ledger.Unix(a.clock)
	}
	err := a.do(ctx, "add_sale", func(c store.Conn) error {
		return c.AddSale(ctx, tx.Receiver, tx.ObjectID, tx.Type, tx.Amount, at)
	})
	if err != nil {
		a.fail("add_sale", err, logging.Tx(tx))
		return false
	}
	return true
}

// Ping checks that the store answers on a pooled connection.
func (a *Accessors) Ping(ctx context.Context) error {
	return a.do(ctx, "ping", func(c store.Conn) error {
		return c.Ping(ctx)
	})
}
