package metrics

import (
	"time"
)

// Collector defines the interface for collecting ledger engine metrics.
// Implementations can export metrics to various backends (Prometheus, memory for tests).
type Collector interface {
	// Connection pool
	RecordAcquire(wait time.Duration)
	RecordPoolWait()
	RecordInUse(inUse int)

	// Accessors
	RecordAccessor(op string, errType string, duration time.Duration)
	RecordRetry(op string, success bool)

	// Circuit breaker
	RecordCircuitState(name string, state CircuitState)

	// Money movement
	RecordTransfer(kind string, outcome string)
	RecordSweep(expired int, duration time.Duration)
	RecordClawback(amount int64)

	// Notifier
	RecordNotify(success bool)
	RecordNotifyDropped()
	RecordQueueDepth(depth int)
}

// Transfer outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
	OutcomePending  = "pending"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards everything. It is the default when no collector is configured.
type NoOpCollector struct{}

func (NoOpCollector) RecordAcquire(time.Duration)                   {}
func (NoOpCollector) RecordPoolWait()                               {}
func (NoOpCollector) RecordInUse(int)                               {}
func (NoOpCollector) RecordAccessor(string, string, time.Duration)  {}
func (NoOpCollector) RecordRetry(string, bool)                      {}
func (NoOpCollector) RecordCircuitState(string, CircuitState)       {}
func (NoOpCollector) RecordTransfer(string, string)                 {}
func (NoOpCollector) RecordSweep(int, time.Duration)                {}
func (NoOpCollector) RecordClawback(int64)                          {}
func (NoOpCollector) RecordNotify(bool)                             {}
func (NoOpCollector) RecordNotifyDropped()                          {}
func (NoOpCollector) RecordQueueDepth(int)                          {}

// Or returns c, or a NoOpCollector when c is nil.
func Or(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
