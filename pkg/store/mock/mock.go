package mock

import (
	"context"
	"errors"
	"sync"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/store"
)

// ErrNotConfigured is returned by a hook-less call when no Base is set.
var ErrNotConfigured = errors.New("mock: no hook or base configured")

// Conn is a mock store.Conn for testing.
// Set a hook to customize one primitive; unset hooks delegate to Base.
// Calls are counted per method name.
type Conn struct {
	Base store.Conn

	BalanceFunc           func(ctx context.Context, user string) (int64, error)
	DebitFunc             func(ctx context.Context, user string, amount int64) error
	CreditFunc            func(ctx context.Context, user string, amount int64) error
	InsertAccountFunc     func(ctx context.Context, account ledger.Account) error
	InsertTransactionFunc func(ctx context.Context, tx *ledger.Transaction) error
	TransactionFunc       func(ctx context.Context, id string) (*ledger.Transaction, error)
	SetStatusFunc         func(ctx context.Context, id string, status ledger.Status, description string) error
	ExpirePendingFunc     func(ctx context.Context, cutoff int64, description string) (int, error)
	ClampBalanceFunc      func(ctx context.Context, user string, limit int64) (int64, error)
	AddSaleFunc           func(ctx context.Context, receiver, objectID string, typ ledger.TransactionType, amount, at int64) error
	ReconnectFunc         func(ctx context.Context) error

	mu    sync.Mutex
	calls map[string]int
}

// New wraps base. Pass nil for a conn that relies only on hooks.
func New(base store.Conn) *Conn {
	return &Conn{Base: base}
}

func (m *Conn) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

// Calls returns how many times the named method was invoked (thread-safe).
func (m *Conn) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *Conn) Balance(ctx context.Context, user string) (int64, error) {
	m.record("Balance")
	if m.BalanceFunc != nil {
		return m.BalanceFunc(ctx, user)
	}
	if m.Base == nil {
		return ledger.UnknownBalance, ErrNotConfigured
	}
	return m.Base.Balance(ctx, user)
}

func (m *Conn) Debit(ctx context.Context, user string, amount int64) error {
	m.record("Debit")
	if m.DebitFunc != nil {
		return m.DebitFunc(ctx, user, amount)
	}
	if m.Base == nil {
		return ErrNotConfigured
	}
	return m.Base.Debit(ctx, user, amount)
}

func (m *Conn) Credit(ctx context.Context, user string, amount int64) error {
	m.record("Credit")
	if m.CreditFunc != nil {
		return m.CreditFunc(ctx, user, amount)
	}
	if m.Base == nil {
		return ErrNotConfigured
	}
	return m.Base.Credit(ctx, user, amount)
}

func (m *Conn) InsertAccount(ctx context.Context, account ledger.Account) error {
	m.record("InsertAccount")
	if m.InsertAccountFunc != nil {
		return m.InsertAccountFunc(ctx, account)
	}
	if m.Base == nil {
		return ErrNotConfigured
	}
	return m.Base.InsertAccount(ctx, account)
}

func (m *Conn) InsertTransaction(ctx context.Context, tx *ledger.Transaction) error {
	m.record("InsertTransaction")
	if m.InsertTransactionFunc != nil {
		return m.InsertTransactionFunc(ctx, tx)
	}
	if m.Base == nil {
		return ErrNotConfigured
	}
	return m.Base.InsertTransaction(ctx, tx)
}

func (m *Conn) Transaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	m.record("Transaction")
	if m.TransactionFunc != nil {
		return m.TransactionFunc(ctx, id)
	}
	if m.Base == nil {
		return nil, ErrNotConfigured
	}
	return m.Base.Transaction(ctx, id)
}

func (m *Conn) History(ctx context.Context, q ledger.HistoryQuery) ([]ledger.Transaction, error) {
	m.record("History")
	if m.Base == nil {
		return nil, ErrNotConfigured
	}
	return m.Base.History(ctx, q)
}

func (m *Conn) CountHistory(ctx context.Context, user string, from, to int64) (int, error) {
	m.record("CountHistory")
	if m.Base == nil {
		return 0, ErrNotConfigured
	}
	return m.Base.CountHistory(ctx, user, from, to)
}

func (m *Conn) SetStatus(ctx context.Context, id string, status ledger.Status, description string) error {
	m.record("SetStatus")
	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, id, status, description)
	}
	if m.Base == nil {
		return ErrNotConfigured
	}
	return m.Base.SetStatus(ctx, id, status, description)
}

func (m *Conn) ExpirePending(ctx context.Context, cutoff int64, description string) (int, error) {
	m.record("ExpirePending")
	if m.ExpirePendingFunc != nil {
		return m.ExpirePendingFunc(ctx, cutoff, description)
	}
	if m.Base == nil {
		return 0, ErrNotConfigured
	}
	return m.Base.ExpirePending(ctx, cutoff, description)
}

func (m *Conn) ClampBalance(ctx context.Context, user string, limit int64) (int64, error) {
	m.record("ClampBalance")
	if m.ClampBalanceFunc != nil {
		return m.ClampBalanceFunc(ctx, user, limit)
	}
	if m.Base == nil {
		return 0, ErrNotConfigured
	}
	return m.Base.ClampBalance(ctx, user, limit)
}

func (m *Conn) AddSale(ctx context.Context, receiver, objectID string, typ ledger.TransactionType, amount, at int64) error {
	m.record("AddSale")
	if m.AddSaleFunc != nil {
		return m.AddSaleFunc(ctx, receiver, objectID, typ, amount, at)
	}
	if m.Base == nil {
		return ErrNotConfigured
	}
	return m.Base.AddSale(ctx, receiver, objectID, typ, amount, at)
}

func (m *Conn) Ping(ctx context.Context) error {
	m.record("Ping")
	if m.Base == nil {
		return nil
	}
	return m.Base.Ping(ctx)
}

func (m *Conn) Reconnect(ctx context.Context) error {
	m.record("Reconnect")
	if m.ReconnectFunc != nil {
		return m.ReconnectFunc(ctx)
	}
	if m.Base == nil {
		return nil
	}
	return m.Base.Reconnect(ctx)
}

func (m *Conn) Close() error {
	m.record("Close")
	if m.Base == nil {
		return nil
	}
	return m.Base.Close()
}

// Connector hands out the same mock Conn on every Connect.
// Useful for a pool of size one whose single slot must be observed.
type Connector struct {
	Conn *Conn
	Err  error
}

// Connect returns c.Conn, or c.Err when set.
func (c Connector) Connect(ctx context.Context) (store.Conn, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Conn, nil
}

var (
	_ store.Conn      = (*Conn)(nil)
	_ store.Connector = Connector{}
)
