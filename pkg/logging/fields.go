package logging

import (
	"ledger-engine/pkg/ledger"

	"go.uber.org/zap"
)

// Account tags a log entry with the affected account.
func Account(id string) zap.Field {
	return zap.String("account", id)
}

// Amount tags a log entry with a currency amount.
func Amount(n int64) zap.Field {
	return zap.Int64("amount", n)
}

// TxID tags a log entry with a transaction id.
func TxID(id string) zap.Field {
	return zap.String("tx_id", id)
}

// Tx expands the identifying fields of a transaction. The secure code is never logged.
func Tx(tx *ledger.Transaction) zap.Field {
	if tx == nil {
		return zap.Skip()
	}
	return zap.Dict("tx",
		zap.String("id", tx.ID),
		zap.String("sender", tx.Sender),
		zap.String("receiver", tx.Receiver),
		zap.Int64("amount", tx.Amount),
		zap.Stringer("type", tx.Type),
		zap.Stringer("status", tx.Status),
	)
}
