package resilience

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.CircuitBreaker.MaxRequests != 5 {
		t.Errorf("Expected MaxRequests 5, got %d", config.CircuitBreaker.MaxRequests)
	}

	if config.CircuitBreaker.Timeout != 30*time.Second {
		t.Errorf("Expected CB timeout 30s, got %v", config.CircuitBreaker.Timeout)
	}

	if config.Disabled {
		t.Error("Breaker should be enabled by default")
	}

	if config.CircuitBreaker.ReadyToTrip == nil {
		t.Error("Expected ReadyToTrip function to be set")
	}
}

func TestDefaultReadyToTrip(t *testing.T) {
	tests := []struct {
		name   string
		counts Counts
		want   bool
	}{
		{"too few requests", Counts{Requests: 19, TotalFailures: 19}, false},
		{"below half", Counts{Requests: 20, TotalFailures: 9}, false},
		{"exactly half", Counts{Requests: 20, TotalFailures: 10}, true},
		{"all failing", Counts{Requests: 40, TotalFailures: 40}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultReadyToTrip(tt.counts); got != tt.want {
				t.Errorf("DefaultReadyToTrip(%+v) = %v, want %v", tt.counts, got, tt.want)
			}
		})
	}
}

func TestConfig_WithCircuitBreakerTimeout(t *testing.T) {
	config := DefaultConfig()
	newConfig := config.WithCircuitBreakerTimeout(20 * time.Second)

	if newConfig.CircuitBreaker.Timeout != 20*time.Second {
		t.Errorf("Expected CB timeout 20s, got %v", newConfig.CircuitBreaker.Timeout)
	}

	// Verify original is unchanged
	if config.CircuitBreaker.Timeout != 30*time.Second {
		t.Errorf("Original config changed: got %v", config.CircuitBreaker.Timeout)
	}
}

func TestConfig_WithoutCircuitBreaker(t *testing.T) {
	config := DefaultConfig().WithoutCircuitBreaker()

	if !config.Disabled {
		t.Error("Expected breaker to be disabled")
	}
}
