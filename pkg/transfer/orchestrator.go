// Package transfer moves money between accounts for a previously recorded
// PENDING transaction.
//
// A transfer is a saga over separate store calls: check the sender, debit
// the sender, check the receiver, credit the receiver. A failed credit is
// compensated by refunding the sender. Nothing spans the steps, so
// cross-account atomicity is whatever the store provides.
package transfer

import (
	"context"
	"errors"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/metrics"
	"ledger-engine/pkg/notify"
	"ledger-engine/pkg/saga"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Status descriptions stored on finished transactions.
const (
	DescTransferred    = "transfer completed"
	DescAddedMoney     = "money added"
	DescCreditFailed   = "credit to receiver failed, sender refunded"
	DescRefundFailed   = "credit to receiver failed and refund to sender failed, manual reconciliation required"
	DescAddMoneyFailed = "credit to receiver failed"
	DescCancelled      = "cancelled"
)

// Transfer kinds reported to metrics.
const (
	kindTransfer = "transfer"
	kindAddMoney = "add_money"
	kindCancel   = "cancel"
)

var (
	errWithdrawFailed = errors.New("withdraw from sender failed")
	errCreditFailed   = errors.New("credit to receiver failed")
	errRefundFailed   = errors.New("refund to sender failed")
)

// Accessors is the slice of the ledger accessors the orchestrator drives.
type Accessors interface {
	GetBalance(ctx context.Context, user string) int64
	Withdraw(ctx context.Context, user string, amount int64) bool
	Give(ctx context.Context, user string, amount int64) bool
	AddTransaction(ctx context.Context, tx *ledger.Transaction) bool
	FetchTransaction(ctx context.Context, id string) *ledger.Transaction
	UpdateTransactionStatus(ctx context.Context, id string, status ledger.Status, description string) bool
	AddSale(ctx context.Context, tx *ledger.Transaction) bool
}

// Enforcer clamps a balance to the configured maximum.
type Enforcer interface {
	Enforce(ctx context.Context, user string) int64
}

// Orchestrator runs transfers, money additions and cancellations.
type Orchestrator struct {
	acc      Accessors
	enforcer Enforcer
	notifier notify.Notifier
	metrics  metrics.Collector
	logger   *logging.Logger
	clock    ledger.Clock

	flight singleflight.Group
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEnforcer sets the balance cap enforcer run on credited receivers.
func WithEnforcer(e Enforcer) Option {
	return func(o *Orchestrator) { o.enforcer = e }
}

// WithNotifier sets where outcomes are published.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = notify.Or(n) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = metrics.Or(c) }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the clock used to stamp notices.
func WithClock(c ledger.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// New creates an orchestrator over acc.
func New(acc Accessors, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		acc:      acc,
		notifier: notify.NoOp{},
		metrics:  metrics.NoOpCollector{},
		clock:    ledger.SystemClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.Or(o.logger, "transfer")
	return o
}

// pending loads id and reports whether it may still be executed.
func (o *Orchestrator) pending(ctx context.Context, kind, id string) (*ledger.Transaction, bool) {
	tx := o.acc.FetchTransaction(ctx, id)
	if tx == nil {
		o.logger.Info("transaction not found", zap.String("kind", kind), logging.TxID(id))
		o.metrics.RecordTransfer(kind, metrics.OutcomeRejected)
		return nil, false
	}
	if tx.Status != ledger.StatusPending {
		o.logger.Info("transaction already finished",
			zap.String("kind", kind),
			logging.Tx(tx),
		)
		o.metrics.RecordTransfer(kind, metrics.OutcomeRejected)
		return nil, false
	}
	return tx, true
}

// DoTransfer executes the PENDING transaction id. It returns true only when
// the receiver was credited and the transaction is SUCCESS.
//
// Insufficient funds or a failed debit leave the transaction PENDING with no
// balance change. An unknown receiver also leaves it PENDING but the sender
// stays debited. A failed credit is compensated: FAILED when the refund
// worked, ERROR when it did not. Concurrent calls for the same id share one
// execution.
func (o *Orchestrator) DoTransfer(ctx context.Context, id string) bool {
	v, _, _ := o.flight.Do(flightKey(kindTransfer, id), func() (interface{}, error) {
		return o.doTransfer(ctx, id), nil
	})
	return v.(bool)
}

// flightKey scopes call collapsing to one operation kind so a transfer and an
// add money on the same id never share a result.
func flightKey(kind, id string) string {
	return kind + ":" + id
}

func (o *Orchestrator) doTransfer(ctx context.Context, id string) bool {
	tx, ok := o.pending(ctx, kindTransfer, id)
	if !ok {
		return false
	}
	if tx.Amount < 0 {
		o.logger.Warn("negative transfer amount", logging.Tx(tx))
		o.metrics.RecordTransfer(kindTransfer, metrics.OutcomeRejected)
		return false
	}

	run := saga.New(
		saga.Step{
			Name: "check_sender",
			Forward: func(ctx context.Context) error {
				balance := o.acc.GetBalance(ctx, tx.Sender)
				if !ledger.IsKnown(balance) {
					return ledger.ErrUnknownAccount
				}
				if balance < tx.Amount {
					return ledger.ErrInsufficientFunds
				}
				return nil
			},
		},
		saga.Step{
			Name:  "withdraw",
			Pivot: true,
			Forward: func(ctx context.Context) error {
				if !o.acc.Withdraw(ctx, tx.Sender, tx.Amount) {
					return errWithdrawFailed
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				if !o.acc.Give(ctx, tx.Sender, tx.Amount) {
					return errRefundFailed
				}
				return nil
			},
		},
		saga.Step{
			Name: "check_receiver",
			Forward: func(ctx context.Context) error {
				if !ledger.IsKnown(o.acc.GetBalance(ctx, tx.Receiver)) {
					return saga.Abort(ledger.ErrUnknownAccount)
				}
				return nil
			},
		},
		saga.Step{
			Name: "credit",
			Forward: func(ctx context.Context) error {
				if !o.acc.Give(ctx, tx.Receiver, tx.Amount) {
					return errCreditFailed
				}
				return nil
			},
		},
	)

	res := run.Run(ctx)
	switch {
	case res.OK():
		o.succeed(ctx, kindTransfer, notify.KindTransfer, tx, DescTransferred)
		o.acc.AddSale(ctx, tx)
		return true

	case res.Aborted && res.FailedStep == "check_receiver":
		o.logger.Error("receiver unknown after sender was debited, transaction left pending",
			logging.Tx(tx),
		)
		o.metrics.RecordTransfer(kindTransfer, metrics.OutcomePending)
		return false

	case res.Aborted:
		o.logger.Info("transfer not executed",
			logging.Tx(tx),
			zap.String("step", res.FailedStep),
			zap.Error(res.Err),
		)
		o.metrics.RecordTransfer(kindTransfer, metrics.OutcomeRejected)
		return false

	case res.Compensated:
		o.logger.Warn("credit failed, sender refunded", logging.Tx(tx))
		o.finish(ctx, kindTransfer, notify.KindTransfer, tx, ledger.StatusFailed, DescCreditFailed, metrics.OutcomeFailed)
		return false

	default:
		o.logger.Error("refund after failed credit did not succeed, manual reconciliation required",
			logging.Tx(tx),
			zap.NamedError("credit_error", res.Err),
			zap.NamedError("refund_error", res.CompensationErr),
			zap.Stack("stack"),
		)
		o.finish(ctx, kindTransfer, notify.KindTransfer, tx, ledger.StatusError, DescRefundFailed, metrics.OutcomeError)
		return false
	}
}

// DoAddMoney credits the receiver of the PENDING transaction id. Nobody is
// debited, so a failed credit simply marks it FAILED.
func (o *Orchestrator) DoAddMoney(ctx context.Context, id string) bool {
	v, _, _ := o.flight.Do(flightKey(kindAddMoney, id), func() (interface{}, error) {
		return o.doAddMoney(ctx, id), nil
	})
	return v.(bool)
}

func (o *Orchestrator) doAddMoney(ctx context.Context, id string) bool {
	tx, ok := o.pending(ctx, kindAddMoney, id)
	if !ok {
		return false
	}

	if tx.Amount < 0 || !o.acc.Give(ctx, tx.Receiver, tx.Amount) {
		o.logger.Warn("add money failed", logging.Tx(tx))
		o.finish(ctx, kindAddMoney, notify.KindAddMoney, tx, ledger.StatusFailed, DescAddMoneyFailed, metrics.OutcomeFailed)
		return false
	}

	o.succeed(ctx, kindAddMoney, notify.KindAddMoney, tx, DescAddedMoney)
	return true
}

// CancelTransfer marks the PENDING transaction id FAILED when secureCode
// matches. Money already moved for it is not inspected or returned.
func (o *Orchestrator) CancelTransfer(ctx context.Context, id, secureCode string) bool {
	tx, ok := o.pending(ctx, kindCancel, id)
	if !ok {
		return false
	}
	if err := tx.CheckSecureCode(secureCode); err != nil {
		o.logger.Warn("cancel rejected", logging.TxID(id), zap.Error(err))
		o.metrics.RecordTransfer(kindCancel, metrics.OutcomeRejected)
		return false
	}

	o.finish(ctx, kindCancel, notify.KindCancel, tx, ledger.StatusFailed, DescCancelled, metrics.OutcomeFailed)
	return true
}

// ConfirmTransfer runs DoTransfer for id once secureCode matches.
func (o *Orchestrator) ConfirmTransfer(ctx context.Context, id, secureCode string) bool {
	tx, ok := o.pending(ctx, kindTransfer, id)
	if !ok {
		return false
	}
	if err := tx.CheckSecureCode(secureCode); err != nil {
		o.logger.Warn("confirm rejected", logging.TxID(id), zap.Error(err))
		o.metrics.RecordTransfer(kindTransfer, metrics.OutcomeRejected)
		return false
	}
	return o.DoTransfer(ctx, id)
}

// Transfer records tx as a new PENDING transaction and executes it. The
// returned id is empty when the transaction could not be recorded.
func (o *Orchestrator) Transfer(ctx context.Context, tx *ledger.Transaction) (string, bool) {
	if !o.acc.AddTransaction(ctx, tx) {
		o.metrics.RecordTransfer(kindTransfer, metrics.OutcomeRejected)
		return "", false
	}
	return tx.ID, o.DoTransfer(ctx, tx.ID)
}

// succeed records SUCCESS, runs the balance cap on the receiver and
// announces the result.
func (o *Orchestrator) succeed(ctx context.Context, kind string, event notify.Kind, tx *ledger.Transaction, desc string) {
	if !o.acc.UpdateTransactionStatus(ctx, tx.ID, ledger.StatusSuccess, desc) {
		o.logger.Error("money moved but status not recorded", logging.Tx(tx))
	}
	tx.Status = ledger.StatusSuccess
	tx.Description = desc

	if o.enforcer != nil {
		o.enforcer.Enforce(ctx, tx.Receiver)
	}

	o.metrics.RecordTransfer(kind, metrics.OutcomeSuccess)
	o.logger.Info("transaction succeeded", logging.Tx(tx))
	o.announce(ctx, event, tx)
}

// finish records a terminal failure status and announces it.
func (o *Orchestrator) finish(ctx context.Context, kind string, event notify.Kind, tx *ledger.Transaction, status ledger.Status, desc, outcome string) {
	if !o.acc.UpdateTransactionStatus(ctx, tx.ID, status, desc) {
		o.logger.Error("final status not recorded",
			logging.Tx(tx),
			zap.Stringer("wanted", status),
		)
	}
	tx.Status = status
	tx.Description = desc

	o.metrics.RecordTransfer(kind, outcome)
	o.announce(ctx, event, tx)
}

func (o *Orchestrator) announce(ctx context.Context, kind notify.Kind, tx *ledger.Transaction) {
	now := o.clock.Now()
	users := []string{tx.Sender, tx.Receiver}
	if tx.Sender == tx.Receiver || kind == notify.KindAddMoney {
		users = []string{tx.Receiver}
	}
	for _, user := range users {
		if err := o.notifier.Publish(ctx, notify.TransactionEvent(kind, tx, user, now)); err != nil {
			o.logger.Warn("notification not sent", logging.TxID(tx.ID), zap.Error(err))
		}
	}
}
