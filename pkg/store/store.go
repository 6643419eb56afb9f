// Package store defines the contract between the ledger engine and the
// relational store that holds balances, transactions and sales totals.
//
// A Conn is one live, reconnectable link. Each method is a single
// parameterized statement; cross-statement atomicity is not provided.
// Connectivity faults are reported wrapped with ledger.ErrTransient.
package store

import (
	"context"

	"ledger-engine/pkg/ledger"
)

// Connector opens new connections to the ledger store.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Conn is one connection to the ledger store.
type Conn interface {
	// Balance returns the balance of user, or ledger.ErrUnknownAccount.
	Balance(ctx context.Context, user string) (int64, error)

	// Debit subtracts amount from user if the balance covers it.
	// Returns ledger.ErrUnknownAccount or ledger.ErrInsufficientFunds otherwise.
	Debit(ctx context.Context, user string, amount int64) error

	// Credit adds amount to user. Returns ledger.ErrUnknownAccount if the row is missing.
	Credit(ctx context.Context, user string, amount int64) error

	// InsertAccount creates a balances row. Returns ledger.ErrDuplicate if it exists.
	InsertAccount(ctx context.Context, account ledger.Account) error

	// InsertTransaction stores a new transaction. Returns ledger.ErrDuplicate on id clash.
	InsertTransaction(ctx context.Context, tx *ledger.Transaction) error

	// Transaction loads one transaction, or ledger.ErrNotFound.
	Transaction(ctx context.Context, id string) (*ledger.Transaction, error)

	// History returns transactions where the user is sender or receiver, newest first.
	History(ctx context.Context, q ledger.HistoryQuery) ([]ledger.Transaction, error)

	// CountHistory counts the rows History would page through.
	CountHistory(ctx context.Context, user string, from, to int64) (int, error)

	// SetStatus moves a PENDING transaction to status with description.
	// Returns ledger.ErrNotFound, or ledger.ErrNotPending when it is already final.
	SetStatus(ctx context.Context, id string, status ledger.Status, description string) error

	// ExpirePending fails every PENDING transaction older than cutoff and returns the count.
	ExpirePending(ctx context.Context, cutoff int64, description string) (int, error)

	// ClampBalance lowers the balance of user to limit if it is above it and
	// returns the removed excess (0 when nothing changed).
	ClampBalance(ctx context.Context, user string, limit int64) (int64, error)

	// AddSale adds one sale to the (receiver, object) aggregate.
	AddSale(ctx context.Context, receiver, objectID string, typ ledger.TransactionType, amount, at int64) error

	// Ping checks the link.
	Ping(ctx context.Context) error

	// Reconnect drops the underlying link and opens a fresh one.
	Reconnect(ctx context.Context) error

	// Close releases the link.
	Close() error
}
