package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledger-engine/pkg/accessors"
	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	promcollector "ledger-engine/pkg/metrics/prometheus"
	"ledger-engine/pkg/pool"
	"ledger-engine/pkg/resilience"
	"ledger-engine/pkg/store/memory"

	"github.com/prometheus/client_golang/prometheus"
)

func setupTestServer(t *testing.T) (*Server, *accessors.Accessors) {
	t.Helper()
	p, err := pool.New(context.Background(), memory.New(), pool.Config{Size: 2, BackoffInterval: 5 * time.Millisecond},
		pool.WithLogger(logging.NewNoOpLogger()))
	if err != nil {
		t.Fatalf("pool.New failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	acc := accessors.New(p, resilience.NewExecutor("test", resilience.DefaultConfig()),
		accessors.WithClock(ledger.FixedClock(time.Unix(1000, 0))),
		accessors.WithLogger(logging.NewNoOpLogger()))

	reg := prometheus.NewRegistry()
	pc := promcollector.NewPrometheusCollector("ledger")
	if err := pc.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	pc.RecordTransfer("transfer", "success")

	config := DefaultServerConfig()
	config.Gatherer = reg
	return NewServer(acc, p, config, logging.NewNoOpLogger()), acc
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestServer_Health(t *testing.T) {
	server, _ := setupTestServer(t)

	w := get(t, server, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", response["status"])
	}
}

type downLedger struct{ Ledger }

func (downLedger) Ping(context.Context) error { return errors.New("store unreachable") }

func TestServer_HealthUnavailable(t *testing.T) {
	server, acc := setupTestServer(t)
	server = NewServer(downLedger{acc}, server.pool, DefaultServerConfig(), logging.NewNoOpLogger())

	w := get(t, server, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestServer_Status(t *testing.T) {
	server, _ := setupTestServer(t)

	w := get(t, server, "/status")
	if response := decode(t, w); response["status"] != "running" {
		t.Errorf("Expected status running, got %v", response["status"])
	}
}

func TestServer_Metrics(t *testing.T) {
	server, _ := setupTestServer(t)

	w := get(t, server, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ledger_transfers_total") {
		t.Error("Expected ledger_transfers_total in exposition")
	}
}

func TestServer_Pool(t *testing.T) {
	server, _ := setupTestServer(t)

	w := get(t, server, "/pool")
	var stats pool.Stats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode pool stats: %v", err)
	}
	if stats.Size != 2 || stats.InUse != 0 {
		t.Errorf("Unexpected pool stats: %+v", stats)
	}
}

func TestServer_Balance(t *testing.T) {
	server, acc := setupTestServer(t)
	acc.AddUser(context.Background(), "alice", 150, 0, 0)

	w := get(t, server, "/balances/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["balance"] != float64(150) {
		t.Errorf("Expected balance 150, got %v", response["balance"])
	}

	if w := get(t, server, "/balances/ghost"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown account, got %d", w.Code)
	}
}

func TestServer_TransactionHidesSecureCode(t *testing.T) {
	server, acc := setupTestServer(t)
	tx := &ledger.Transaction{Sender: "alice", Receiver: "bob", Amount: 10, Type: ledger.TypeGift}
	if !acc.AddTransaction(context.Background(), tx) {
		t.Fatal("AddTransaction failed")
	}

	w := get(t, server, "/transactions/"+tx.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, tx.SecureCode) {
		t.Error("Secure code leaked in response")
	}
	if !strings.Contains(body, tx.ID) {
		t.Error("Expected transaction id in response")
	}

	if w := get(t, server, "/transactions/missing"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_History(t *testing.T) {
	server, acc := setupTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		acc.AddTransaction(ctx, &ledger.Transaction{Sender: "alice", Receiver: "bob", Amount: int64(i + 1)})
	}

	w := get(t, server, "/balances/alice/transactions?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	response := decode(t, w)
	if response["total"] != float64(3) {
		t.Errorf("Expected total 3, got %v", response["total"])
	}
	if txs, _ := response["transactions"].([]interface{}); len(txs) != 2 {
		t.Errorf("Expected 2 transactions on the page, got %d", len(txs))
	}

	if w := get(t, server, "/balances/alice/transactions?offset=-1"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}
