package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ledger-engine/pkg/accessors"
	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/maxbalance"
	"ledger-engine/pkg/metrics"
	metricsmemory "ledger-engine/pkg/metrics/memory"
	"ledger-engine/pkg/notify"
	notifymock "ledger-engine/pkg/notify/mock"
	"ledger-engine/pkg/pool"
	"ledger-engine/pkg/resilience"
	"ledger-engine/pkg/store/memory"
	"ledger-engine/pkg/store/mock"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	orch     *Orchestrator
	acc      *accessors.Accessors
	conn     *mock.Conn
	store    *memory.Store
	notifier *notifymock.Notifier
	metrics  *metricsmemory.MemoryCollector
	logs     *observer.ObservedLogs
}

// newFixture wires real accessors over one mock connection so tests can
// fail individual store primitives.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := memory.New()
	base, _ := s.Connect(context.Background())
	m := mock.New(base)

	p, err := pool.New(context.Background(), mock.Connector{Conn: m}, pool.Config{Size: 1, BackoffInterval: 5 * time.Millisecond},
		pool.WithLogger(logging.NewNoOpLogger()))
	if err != nil {
		t.Fatalf("pool.New failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	acc := accessors.New(p, resilience.NewExecutor("test", resilience.DefaultConfig().WithoutCircuitBreaker()),
		accessors.WithClock(ledger.FixedClock(testNow)),
		accessors.WithLogger(logging.NewNoOpLogger()))

	core, logs := observer.New(zapcore.InfoLevel)
	n := &notifymock.Notifier{}
	mc := metricsmemory.NewMemoryCollector()

	opts = append([]Option{
		WithNotifier(n),
		WithMetrics(mc),
		WithLogger(&logging.Logger{Logger: zap.New(core)}),
		WithClock(ledger.FixedClock(testNow)),
	}, opts...)

	return &fixture{
		orch:     New(acc, opts...),
		acc:      acc,
		conn:     m,
		store:    s,
		notifier: n,
		metrics:  mc,
		logs:     logs,
	}
}

func (f *fixture) account(t *testing.T, user string, balance int64) {
	t.Helper()
	if !f.acc.AddUser(context.Background(), user, balance, 0, 0) {
		t.Fatalf("AddUser %s failed", user)
	}
}

func (f *fixture) pending(t *testing.T, sender, receiver string, amount int64) *ledger.Transaction {
	t.Helper()
	tx := &ledger.Transaction{Sender: sender, Receiver: receiver, Amount: amount, Type: ledger.TypeGift}
	if !f.acc.AddTransaction(context.Background(), tx) {
		t.Fatal("AddTransaction failed")
	}
	return tx
}

func (f *fixture) balance(user string) int64 {
	b, _ := f.store.BalanceOf(user)
	return b
}

func (f *fixture) status(t *testing.T, id string) *ledger.Transaction {
	t.Helper()
	tx := f.acc.FetchTransaction(context.Background(), id)
	if tx == nil {
		t.Fatalf("transaction %s not found", id)
	}
	return tx
}

func TestDoTransfer_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice", 500)
	f.account(t, "bob", 100)
	tx := f.pending(t, "alice", "bob", 200)

	if !f.orch.DoTransfer(ctx, tx.ID) {
		t.Fatal("Expected transfer to succeed")
	}
	if f.balance("alice") != 300 || f.balance("bob") != 300 {
		t.Errorf("Expected 300/300, got %d/%d", f.balance("alice"), f.balance("bob"))
	}

	got := f.status(t, tx.ID)
	if got.Status != ledger.StatusSuccess || got.Description != DescTransferred {
		t.Errorf("Unexpected final record: %+v", got)
	}
	if rec, ok := f.store.Sale("bob", ""); !ok || rec.Total != 200 {
		t.Errorf("Expected sale recorded for receiver, got %+v", rec)
	}
	if f.metrics.Snapshot().Transfers["transfer/"+metrics.OutcomeSuccess] != 1 {
		t.Errorf("Expected success metric, got %+v", f.metrics.Snapshot().Transfers)
	}

	events := f.notifier.Events()
	if len(events) != 2 || events[0].User != "alice" || events[1].User != "bob" {
		t.Errorf("Expected notices to sender and receiver, got %+v", events)
	}
}

func TestDoTransfer_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 50)
	f.account(t, "bob", 0)
	tx := f.pending(t, "alice", "bob", 200)

	if f.orch.DoTransfer(context.Background(), tx.ID) {
		t.Fatal("Expected transfer to fail")
	}
	if f.balance("alice") != 50 || f.balance("bob") != 0 {
		t.Errorf("Balances changed: %d/%d", f.balance("alice"), f.balance("bob"))
	}
	if got := f.status(t, tx.ID); got.Status != ledger.StatusPending {
		t.Errorf("Expected PENDING, got %s", got.Status)
	}
	if f.conn.Calls("Debit") != 0 {
		t.Error("Sender must not be debited")
	}
}

func TestDoTransfer_UnknownSender(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 0)
	tx := f.pending(t, "ghost", "bob", 10)

	if f.orch.DoTransfer(context.Background(), tx.ID) {
		t.Fatal("Expected transfer to fail")
	}
	if got := f.status(t, tx.ID); got.Status != ledger.StatusPending {
		t.Errorf("Expected PENDING, got %s", got.Status)
	}
}

func TestDoTransfer_WithdrawFails(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 500)
	f.account(t, "bob", 0)
	tx := f.pending(t, "alice", "bob", 100)

	f.conn.DebitFunc = func(ctx context.Context, user string, amount int64) error {
		return ledger.ErrInsufficientFunds
	}

	if f.orch.DoTransfer(context.Background(), tx.ID) {
		t.Fatal("Expected transfer to fail")
	}
	if f.balance("alice") != 500 {
		t.Errorf("Sender balance changed to %d", f.balance("alice"))
	}
	if got := f.status(t, tx.ID); got.Status != ledger.StatusPending {
		t.Errorf("Expected PENDING, got %s", got.Status)
	}
}

// The sender is debited before the receiver is looked up; an unknown
// receiver leaves the money withdrawn and the transaction pending.
func TestDoTransfer_UnknownReceiverStrandsFunds(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 500)
	tx := f.pending(t, "alice", "ghost", 200)

	if f.orch.DoTransfer(context.Background(), tx.ID) {
		t.Fatal("Expected transfer to fail")
	}
	if f.balance("alice") != 300 {
		t.Errorf("Expected sender to stay debited at 300, got %d", f.balance("alice"))
	}
	if got := f.status(t, tx.ID); got.Status != ledger.StatusPending {
		t.Errorf("Expected PENDING, got %s", got.Status)
	}
	if f.conn.Calls("Credit") != 0 {
		t.Error("No credit or refund expected")
	}
	if n := f.logs.FilterLevelExact(zapcore.ErrorLevel).Len(); n != 1 {
		t.Errorf("Expected one error log, got %d", n)
	}
	if f.metrics.Snapshot().Transfers["transfer/"+metrics.OutcomePending] != 1 {
		t.Errorf("Expected pending outcome metric, got %+v", f.metrics.Snapshot().Transfers)
	}
}

func TestDoTransfer_CreditFailsRefunded(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 500)
	f.account(t, "bob", 100)
	tx := f.pending(t, "alice", "bob", 200)

	f.conn.CreditFunc = func(ctx context.Context, user string, amount int64) error {
		if user == "bob" {
			return errors.New("row locked")
		}
		return f.conn.Base.Credit(ctx, user, amount)
	}

	if f.orch.DoTransfer(context.Background(), tx.ID) {
		t.Fatal("Expected transfer to fail")
	}
	if f.balance("alice") != 500 || f.balance("bob") != 100 {
		t.Errorf("Expected net zero, got %d/%d", f.balance("alice"), f.balance("bob"))
	}
	got := f.status(t, tx.ID)
	if got.Status != ledger.StatusFailed || got.Description != DescCreditFailed {
		t.Errorf("Expected FAILED with diagnostic, got %+v", got)
	}
	if f.metrics.Snapshot().Transfers["transfer/"+metrics.OutcomeFailed] != 1 {
		t.Errorf("Expected failed metric, got %+v", f.metrics.Snapshot().Transfers)
	}
}

func TestDoTransfer_RefundFailsMarksError(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 500)
	f.account(t, "bob", 100)
	tx := f.pending(t, "alice", "bob", 200)

	f.conn.CreditFunc = func(ctx context.Context, user string, amount int64) error {
		return errors.New("disk full")
	}

	if f.orch.DoTransfer(context.Background(), tx.ID) {
		t.Fatal("Expected transfer to fail")
	}
	if f.balance("alice") != 300 {
		t.Errorf("Expected sender left debited at 300, got %d", f.balance("alice"))
	}
	got := f.status(t, tx.ID)
	if got.Status != ledger.StatusError || got.Description != DescRefundFailed {
		t.Errorf("Expected ERROR, got %+v", got)
	}

	errs := f.logs.FilterLevelExact(zapcore.ErrorLevel).All()
	if len(errs) != 1 {
		t.Fatalf("Expected one error log, got %d", len(errs))
	}
	if _, ok := errs[0].ContextMap()["tx"]; !ok {
		t.Error("Expected transaction fields on the reconciliation log")
	}
	if f.metrics.Snapshot().Transfers["transfer/"+metrics.OutcomeError] != 1 {
		t.Errorf("Expected error metric, got %+v", f.metrics.Snapshot().Transfers)
	}
}

func TestDoTransfer_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice", 500)
	f.account(t, "bob", 0)
	tx := f.pending(t, "alice", "bob", 100)

	if !f.orch.DoTransfer(ctx, tx.ID) {
		t.Fatal("First transfer failed")
	}
	if f.orch.DoTransfer(ctx, tx.ID) {
		t.Error("Second transfer of a finished transaction must fail")
	}
	if f.balance("alice") != 400 || f.balance("bob") != 100 {
		t.Errorf("Money moved twice: %d/%d", f.balance("alice"), f.balance("bob"))
	}
	if f.orch.DoTransfer(ctx, "missing") {
		t.Error("Unknown transaction must fail")
	}
}

func TestDoTransfer_ConcurrentCallsMoveMoneyOnce(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 500)
	f.account(t, "bob", 0)
	tx := f.pending(t, "alice", "bob", 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.DoTransfer(context.Background(), tx.ID)
		}()
	}
	wg.Wait()

	if f.balance("alice") != 400 || f.balance("bob") != 100 {
		t.Errorf("Expected exactly one movement, got %d/%d", f.balance("alice"), f.balance("bob"))
	}
}

func TestDoTransfer_EnforcesCapOnReceiver(t *testing.T) {
	f := newFixture(t)
	enforcer := maxbalance.New(f.acc, 1000,
		maxbalance.WithNotifier(f.notifier),
		maxbalance.WithLogger(logging.NewNoOpLogger()))
	f.orch.enforcer = enforcer

	f.account(t, "alice", 500)
	f.account(t, "bob", 900)
	tx := f.pending(t, "alice", "bob", 300)

	if !f.orch.DoTransfer(context.Background(), tx.ID) {
		t.Fatal("Expected transfer to succeed")
	}
	if f.balance("bob") != 1000 {
		t.Errorf("Expected receiver clamped to 1000, got %d", f.balance("bob"))
	}

	var clawbacks int
	for _, e := range f.notifier.Events() {
		if e.Kind == notify.KindClawback && e.Amount == 200 {
			clawbacks++
		}
	}
	if clawbacks != 1 {
		t.Errorf("Expected one clawback notice, got %+v", f.notifier.Events())
	}
}

func TestDoAddMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "bob", 10)
	tx := f.pending(t, ledger.SystemAccount, "bob", 90)

	if !f.orch.DoAddMoney(ctx, tx.ID) {
		t.Fatal("Expected add money to succeed")
	}
	if f.balance("bob") != 100 {
		t.Errorf("Expected 100, got %d", f.balance("bob"))
	}
	if got := f.status(t, tx.ID); got.Status != ledger.StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", got.Status)
	}
	if _, ok := f.store.Sale("bob", ""); ok {
		t.Error("Add money must not record a sale")
	}
	if f.orch.DoAddMoney(ctx, tx.ID) {
		t.Error("Second add money must fail")
	}
}

func TestDoAddMoney_NotCollapsedWithTransferOfSameID(t *testing.T) {
	f := newFixture(t)
	f.account(t, "bob", 10)
	tx := f.pending(t, ledger.SystemAccount, "bob", 90)

	// Hold a transfer flight open on the same id.
	started := make(chan struct{})
	release := make(chan struct{})
	go f.orch.flight.Do(flightKey(kindTransfer, tx.ID), func() (interface{}, error) {
		close(started)
		<-release
		return false, nil
	})
	<-started
	defer close(release)

	done := make(chan bool, 1)
	go func() { done <- f.orch.DoAddMoney(context.Background(), tx.ID) }()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("Expected add money to run on its own and succeed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DoAddMoney joined the in-flight transfer")
	}
	if f.balance("bob") != 100 {
		t.Errorf("Expected 100, got %d", f.balance("bob"))
	}
}

func TestDoAddMoney_UnknownReceiverFails(t *testing.T) {
	f := newFixture(t)
	tx := f.pending(t, ledger.SystemAccount, "ghost", 90)

	if f.orch.DoAddMoney(context.Background(), tx.ID) {
		t.Fatal("Expected add money to fail")
	}
	if got := f.status(t, tx.ID); got.Status != ledger.StatusFailed || got.Description != DescAddMoneyFailed {
		t.Errorf("Expected FAILED, got %+v", got)
	}
}

// rejectedBy counts log entries with message msg whose error field wraps target.
func (f *fixture) rejectedBy(target error, msg string) int {
	var n int
	for _, entry := range f.logs.FilterMessage(msg).All() {
		for _, field := range entry.Context {
			if err, ok := field.Interface.(error); ok && field.Key == "error" && errors.Is(err, target) {
				n++
			}
		}
	}
	return n
}

func TestCancelTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice", 500)
	tx := f.pending(t, "alice", "bob", 100)

	if f.orch.CancelTransfer(ctx, tx.ID, "wrong-code") {
		t.Error("Cancel with wrong code must fail")
	}
	if got := f.status(t, tx.ID); got.Status != ledger.StatusPending {
		t.Errorf("Wrong code changed status to %s", got.Status)
	}
	if n := f.rejectedBy(ledger.ErrSecureCodeMismatch, "cancel rejected"); n != 1 {
		t.Errorf("Expected one cancel rejection carrying ErrSecureCodeMismatch, got %d", n)
	}

	if !f.orch.CancelTransfer(ctx, tx.ID, tx.SecureCode) {
		t.Fatal("Cancel with matching code failed")
	}
	got := f.status(t, tx.ID)
	if got.Status != ledger.StatusFailed || got.Description != DescCancelled {
		t.Errorf("Expected FAILED cancelled, got %+v", got)
	}
	if f.orch.CancelTransfer(ctx, tx.ID, tx.SecureCode) {
		t.Error("Cancelling a finished transaction must fail")
	}
	if f.orch.DoTransfer(ctx, tx.ID) {
		t.Error("A cancelled transaction must not execute")
	}
}

func TestConfirmTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice", 500)
	f.account(t, "bob", 0)
	tx := f.pending(t, "alice", "bob", 100)

	if f.orch.ConfirmTransfer(ctx, tx.ID, "") {
		t.Error("Confirm without a code must fail")
	}
	if f.balance("alice") != 500 {
		t.Error("Rejected confirm moved money")
	}
	if n := f.rejectedBy(ledger.ErrSecureCodeMismatch, "confirm rejected"); n != 1 {
		t.Errorf("Expected one confirm rejection carrying ErrSecureCodeMismatch, got %d", n)
	}
	if !f.orch.ConfirmTransfer(ctx, tx.ID, tx.SecureCode) {
		t.Fatal("Confirm with matching code failed")
	}
	if f.balance("bob") != 100 {
		t.Errorf("Expected 100, got %d", f.balance("bob"))
	}
}

func TestTransfer_RecordsAndExecutes(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 500)
	f.account(t, "bob", 100)

	id, ok := f.orch.Transfer(context.Background(), &ledger.Transaction{Sender: "alice", Receiver: "bob", Amount: 200})
	if !ok || id == "" {
		t.Fatalf("Expected transfer to succeed, got id %q ok %v", id, ok)
	}
	if got := f.status(t, id); got.Status != ledger.StatusSuccess || got.Time != testNow.Unix() {
		t.Errorf("Unexpected record: %+v", got)
	}

	if id, ok := f.orch.Transfer(context.Background(), &ledger.Transaction{Sender: "alice", Receiver: "bob", Amount: -1}); ok || id != "" {
		t.Error("Expected invalid transaction to be rejected")
	}
}
