package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/store"
)

// Store is an in-process ledger store. Every Conn handed out by the same Store
// shares one state, the way pooled connections share one database.
type Store struct {
	mu           sync.RWMutex
	balances     map[string]*ledger.Account
	transactions map[string]*ledger.Transaction
	sales        map[saleKey]*ledger.SaleRecord

	connects int64
}

type saleKey struct {
	receiver string
	object   string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		balances:     make(map[string]*ledger.Account),
		transactions: make(map[string]*ledger.Transaction),
		sales:        make(map[saleKey]*ledger.SaleRecord),
	}
}

// Connect implements store.Connector.
func (s *Store) Connect(ctx context.Context) (store.Conn, error) {
	atomic.AddInt64(&s.connects, 1)
	return &Conn{store: s}, nil
}

// Connects returns how many connections were opened, including reconnects.
func (s *Store) Connects() int {
	return int(atomic.LoadInt64(&s.connects))
}

// BalanceOf reads a balance without a connection, for inspection in tests.
func (s *Store) BalanceOf(user string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.balances[user]
	if !ok {
		return ledger.UnknownBalance, false
	}
	return acc.Balance, true
}

// Sale returns the sales aggregate for (receiver, object).
func (s *Store) Sale(receiver, objectID string) (ledger.SaleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sales[saleKey{receiver, objectID}]
	if !ok {
		return ledger.SaleRecord{}, false
	}
	return *rec, true
}

// Conn is one handle on a Store.
type Conn struct {
	store  *Store
	closed atomic.Bool
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return fmt.Errorf("memory: connection closed: %w", ledger.ErrTransient)
	}
	return nil
}

// Balance returns the balance of user.
func (c *Conn) Balance(ctx context.Context, user string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return ledger.UnknownBalance, err
	}

	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.balances[user]
	if !ok {
		return ledger.UnknownBalance, ledger.ErrUnknownAccount
	}
	return acc.Balance, nil
}

// Debit subtracts amount from user if the balance covers it.
func (c *Conn) Debit(ctx context.Context, user string, amount int64) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.balances[user]
	if !ok {
		return ledger.ErrUnknownAccount
	}
	if acc.Balance < amount {
		return ledger.ErrInsufficientFunds
	}
	acc.Balance -= amount
	return nil
}

// Credit adds amount to user.
func (c *Conn) Credit(ctx context.Context, user string, amount int64) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.balances[user]
	if !ok {
		return ledger.ErrUnknownAccount
	}
	acc.Balance += amount
	return nil
}

// InsertAccount creates a balance row.
func (c *Conn) InsertAccount(ctx context.Context, account ledger.Account) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.balances[account.User]; exists {
		return ledger.ErrDuplicate
	}
	s.balances[account.User] = &account
	return nil
}

// InsertTransaction stores a copy of tx.
func (c *Conn) InsertTransaction(ctx context.Context, tx *ledger.Transaction) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return ledger.ErrDuplicate
	}
	stored := *tx
	s.transactions[tx.ID] = &stored
	return nil
}

// Transaction returns a copy of the transaction id.
func (c *Conn) Transaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := *tx
	return &out, nil
}

// History returns the page of transactions touching q.User, newest first.
func (c *Conn) History(ctx context.Context, q ledger.HistoryQuery) ([]ledger.Transaction, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	matched := c.store.matching(q.User, q.From, q.To)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Time != matched[j].Time {
			return matched[i].Time > matched[j].Time
		}
		return matched[i].ID < matched[j].ID
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []ledger.Transaction{}, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// CountHistory counts the transactions History would return without paging.
func (c *Conn) CountHistory(ctx context.Context, user string, from, to int64) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	return len(c.store.matching(user, from, to)), nil
}

func (s *Store) matching(user string, from, to int64) []ledger.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Transaction
	for _, tx := range s.transactions {
		if tx.Sender != user && tx.Receiver != user {
			continue
		}
		if tx.Time < from || (to > 0 && tx.Time > to) {
			continue
		}
		out = append(out, *tx)
	}
	return out
}

// SetStatus updates the status and description of transaction id.
func (c *Conn) SetStatus(ctx context.Context, id string, status ledger.Status, description string) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if !tx.Status.CanTransition(status) {
		return ledger.ErrNotPending
	}
	tx.Status = status
	tx.Description = description
	return nil
}

// ExpirePending fails every PENDING transaction older than cutoff.
func (c *Conn) ExpirePending(ctx context.Context, cutoff int64, description string) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tx := range s.transactions {
		if tx.Status == ledger.StatusPending && tx.Time < cutoff {
			tx.Status = ledger.StatusFailed
			tx.Description = description
			n++
		}
	}
	return n, nil
}

// ClampBalance lowers the balance of user to limit and returns the excess.
func (c *Conn) ClampBalance(ctx context.Context, user string, limit int64) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.balances[user]
	if !ok {
		return 0, ledger.ErrUnknownAccount
	}
	if acc.Balance <= limit {
		return 0, nil
	}
	excess := acc.Balance - limit
	acc.Balance = limit
	return excess, nil
}

// AddSale adds amount to the sales total of receiver and objectID.
func (c *Conn) AddSale(ctx context.Context, receiver, objectID string, typ ledger.TransactionType, amount, at int64) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	key := saleKey{receiver, objectID}
	rec, ok := s.sales[key]
	if !ok {
		rec = &ledger.SaleRecord{Receiver: receiver, ObjectID: objectID}
		s.sales[key] = rec
	}
	rec.Type = typ
	rec.Count++
	rec.Total += amount
	rec.LastTime = at
	return nil
}

// Ping reports whether the connection is usable.
func (c *Conn) Ping(ctx context.Context) error {
	return c.check(ctx)
}

// Reconnect reopens a closed connection.
func (c *Conn) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	atomic.AddInt64(&c.store.connects, 1)
	c.closed.Store(false)
	return nil
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

var (
	_ store.Connector = (*Store)(nil)
	_ store.Conn      = (*Conn)(nil)
)
