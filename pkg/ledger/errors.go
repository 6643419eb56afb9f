package ledger

import (
	"errors"
	"fmt"
)

// Common ledger errors.
// Store implementations wrap driver errors with one of these so callers can
// branch with errors.Is.
var (
	// ErrTransient marks a connectivity fault. The accessor reconnects and retries once.
	ErrTransient = errors.New("ledger: transient connection fault")

	// ErrUnknownAccount is returned when a balance row does not exist
	ErrUnknownAccount = errors.New("ledger: unknown account")

	// ErrNotFound is returned when a transaction id does not exist
	ErrNotFound = errors.New("ledger: not found")

	// ErrDuplicate is returned when inserting a row whose key already exists
	ErrDuplicate = errors.New("ledger: duplicate key")

	// ErrInsufficientFunds is returned by a debit that would take a balance below zero
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvalidTransaction is returned for malformed transactions or amounts
	ErrInvalidTransaction = errors.New("ledger: invalid transaction")

	// ErrNotPending is returned when a status change targets a transaction that is already final
	ErrNotPending = errors.New("ledger: transaction is not pending")

	// ErrSecureCodeMismatch is returned when a caller presents the wrong secure code
	ErrSecureCodeMismatch = errors.New("ledger: secure code mismatch")

	// ErrCircuitOpen is returned when the store circuit breaker rejects the call
	ErrCircuitOpen = errors.New("ledger: circuit breaker open")

	// ErrInvalidConfig is returned for configuration that must stop the engine from starting
	ErrInvalidConfig = errors.New("ledger: invalid configuration")
)

// IsTransient reports whether err is a connectivity fault worth one reconnect-and-retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound reports whether err means the transaction or account does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownAccount)
}

// ClassifyError returns a short label for err, used as a metrics dimension.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotPending):
		return "not_pending"
	case errors.Is(err, ErrInvalidTransaction):
		return "invalid"
	case errors.Is(err, ErrSecureCodeMismatch):
		return "secure_code"
	default:
		return "other"
	}
}

// WrapError adds the failing operation to err.
func WrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ledger %s: %w", op, err)
}
