// Package api serves the ledgerd operations endpoints: health, metrics, pool
// state and read-only ledger inspection. It is not the money RPC surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"ledger-engine/pkg/ledger"
	"ledger-engine/pkg/logging"
	"ledger-engine/pkg/pool"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Ledger is the read side the server inspects.
type Ledger interface {
	GetBalance(ctx context.Context, user string) int64
	FetchTransaction(ctx context.Context, id string) *ledger.Transaction
	FetchTransactions(ctx context.Context, q ledger.HistoryQuery) []ledger.Transaction
	TransactionCount(ctx context.Context, user string, from, to int64) int
	Ping(ctx context.Context) error
}

// PoolStater reports connection pool occupancy.
type PoolStater interface {
	Stats() pool.Stats
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8090")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// RequestTimeout bounds each ledger lookup
	RequestTimeout time.Duration

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8090",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Server provides the operations endpoints.
type Server struct {
	ledger  Ledger
	pool    PoolStater
	config  ServerConfig
	router  *mux.Router
	server  *http.Server
	logger  *logging.Logger
	started time.Time
}

// NewServer creates the server and its routes.
func NewServer(l Ledger, p PoolStater, config ServerConfig, logger *logging.Logger) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultServerConfig().RequestTimeout
	}

	s := &Server{
		ledger:  l,
		pool:    p,
		config:  config,
		logger:  logging.Or(logger, "api"),
		started: time.Now(),
	}

	metricsHandler := promhttp.Handler()
	if config.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})
	}

	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	r.HandleFunc("/pool", s.handlePool).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", s.handleTransaction).Methods(http.MethodGet)
	r.HandleFunc("/balances/{user}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/balances/{user}/transactions", s.handleHistory).Methods(http.MethodGet)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		s.logger.Info("admin API listening", zap.String("addr", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin API stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	if err := s.ledger.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).String(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// handleTransaction returns one record. The secure code is never serialized.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	tx := s.ledger.FetchTransaction(ctx, id)
	if tx == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "transaction not found",
			"id":    id,
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	balance := s.ledger.GetBalance(ctx, user)
	if !ledger.IsKnown(balance) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "unknown account",
			"user":  user,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":    user,
		"balance": balance,
	})
}

// handleHistory pages through a user's transactions.
// Query: from, to (unix seconds), offset, limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := ledger.HistoryQuery{User: mux.Vars(r)["user"]}

	params := r.URL.Query()
	var vals [4]int64
	for i, key := range []string{"from", "to", "offset", "limit"} {
		v, err := int64Param(params.Get(key))
		if err != nil || v < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": key + " must be a non-negative integer",
			})
			return
		}
		vals[i] = v
	}
	q.From, q.To, q.Offset, q.Limit = vals[0], vals[1], int(vals[2]), int(vals[3])

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         q.User,
		"total":        s.ledger.TransactionCount(ctx, q.User, q.From, q.To),
		"transactions": s.ledger.FetchTransactions(ctx, q),
	})
}

func int64Param(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// accessLog logs each request at debug level with its route template.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(srw, r)

		s.logger.Debug("admin request",
			zap.String("method", r.Method),
			zap.String("route", routeTemplate(r)),
			zap.Int("status", srw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// statusResponseWriter captures the status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return tpl
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
