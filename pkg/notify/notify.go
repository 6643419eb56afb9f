// Package notify publishes ledger outcomes so the grid can tell users what
// happened to their money: transfer results, cancellations and balance-cap
// clawbacks. Delivery is best effort and never affects the ledger itself.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"ledger-engine/pkg/ledger"
)

// Kind names the ledger event.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindAddMoney Kind = "add_money"
	KindCancel   Kind = "cancel"
	KindClawback Kind = "clawback"
)

// Event is one published ledger outcome. It never carries a secure code.
type Event struct {
	Kind        Kind   `json:"kind"`
	TxID        string `json:"tx_id,omitempty"`
	User        string `json:"user"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
	Time        int64  `json:"time"`
}

// TransactionEvent builds the event for a finished transaction, addressed to
// the user who should hear about it.
func TransactionEvent(kind Kind, tx *ledger.Transaction, user string, at time.Time) Event {
	return Event{
		Kind:        kind,
		TxID:        tx.ID,
		User:        user,
		Amount:      tx.Amount,
		Status:      tx.Status.String(),
		Description: tx.Description,
		Time:        at.Unix(),
	}
}

// Encode returns the JSON wire form of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Notifier publishes ledger events.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoOp discards every event. It is the default when no notifier is configured.
type NoOp struct{}

func (NoOp) Publish(context.Context, Event) error { return nil }
func (NoOp) Close() error                         { return nil }

// Or returns n, or NoOp when n is nil.
func Or(n Notifier) Notifier {
	if n == nil {
		return NoOp{}
	}
	return n
}
