package resilience

import (
	"time"
)

// Config configures the store executor.
type Config struct {
	// CircuitBreaker configures the breaker in front of the store.
	CircuitBreaker CircuitBreakerConfig

	// Disabled bypasses the breaker. Reconnect-and-retry still applies.
	Disabled bool
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the CircuitBreaker is half-open. Default: 5
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for the CircuitBreaker
	// to clear the internal counts. If Interval is 0, it never clears. Default: 60s
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 30s
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If nil, DefaultReadyToTrip is used.
	ReadyToTrip func(counts Counts) bool
}

// Counts holds the numbers of requests and their successes/failures.
// Only connectivity faults count as failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultReadyToTrip opens the breaker once at least 20 requests were seen
// and half of them or more failed.
func DefaultReadyToTrip(counts Counts) bool {
	if counts.Requests < 20 {
		return false
	}
	failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
	return failureRate >= 0.5
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: DefaultReadyToTrip,
		},
	}
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified circuit breaker timeout.
func (c Config) WithCircuitBreakerTimeout(timeout time.Duration) Config {
	c.CircuitBreaker.Timeout = timeout
	return c
}

// WithoutCircuitBreaker returns a copy of the config with the breaker bypassed.
func (c Config) WithoutCircuitBreaker() Config {
	c.Disabled = true
	return c
}
