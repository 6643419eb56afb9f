package memory

import (
	"sync"
	"time"

	"ledger-engine/pkg/metrics"
)

// MemoryCollector implements metrics.Collector in memory for tests and the admin API.
type MemoryCollector struct {
	mu sync.RWMutex
	s  Snapshot
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	// Pool
	Acquires  int64
	PoolWaits int64
	InUse     int

	// Accessors, keyed by operation and then by error type
	AccessorCalls map[string]map[string]int64
	Retries       map[string]int64
	RetryFailures map[string]int64

	// Circuit breaker
	CircuitStates map[string]metrics.CircuitState
	CircuitOpens  int64

	// Money movement, keyed by "kind/outcome"
	Transfers      map[string]int64
	Sweeps         int64
	Expired        int64
	Clawbacks      int64
	ClawbackAmount int64

	// Notifier
	Notified      int64
	NotifyErrors  int64
	NotifyDropped int64
	QueueDepth    int
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.Reset()
	return mc
}

func (mc *MemoryCollector) RecordAcquire(time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.s.Acquires++
}

func (mc *MemoryCollector) RecordPoolWait() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.s.PoolWaits++
}

func (mc *MemoryCollector) RecordInUse(inUse int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.s.InUse = inUse
}

func (mc *MemoryCollector) RecordAccessor(op string, errType string, _ time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	byType, ok := mc.s.AccessorCalls[op]
	if !ok {
		byType = make(map[string]int64)
		mc.s.AccessorCalls[op] = byType
	}
	byType[errType]++
}

func (mc *MemoryCollector) RecordRetry(op string, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.Retries[op]++
	if !success {
		mc.s.RetryFailures[op]++
	}
}

func (mc *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	// Count transitions to open
	if mc.s.CircuitStates[name] != metrics.CircuitOpen && state == metrics.CircuitOpen {
		mc.s.CircuitOpens++
	}
	mc.s.CircuitStates[name] = state
}

func (mc *MemoryCollector) RecordTransfer(kind string, outcome string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.s.Transfers[kind+"/"+outcome]++
}

func (mc *MemoryCollector) RecordSweep(expired int, _ time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.s.Sweeps++
	mc.s.Expired += int64(expired)
}

func (mc *MemoryCollector) RecordClawback(amount int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.s.Clawbacks++
	mc.s.ClawbackAmount += amount
}

func (mc *MemoryCollector) RecordNotify(success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if success {
		mc.s.Notified++
	} else {
		mc.s.NotifyErrors++
	}
}

func (mc *MemoryCollector) RecordNotifyDropped() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.s.NotifyDropped++
}

func (mc *MemoryCollector) RecordQueueDepth(depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.s.QueueDepth = depth
}

// Snapshot returns a deep copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := mc.s
	out.AccessorCalls = make(map[string]map[string]int64, len(mc.s.AccessorCalls))
	for op, byType := range mc.s.AccessorCalls {
		inner := make(map[string]int64, len(byType))
		for k, v := range byType {
			inner[k] = v
		}
		out.AccessorCalls[op] = inner
	}
	out.Retries = copyCounts(mc.s.Retries)
	out.RetryFailures = copyCounts(mc.s.RetryFailures)
	out.Transfers = copyCounts(mc.s.Transfers)
	out.CircuitStates = make(map[string]metrics.CircuitState, len(mc.s.CircuitStates))
	for k, v := range mc.s.CircuitStates {
		out.CircuitStates[k] = v
	}
	return out
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s = Snapshot{
		AccessorCalls: make(map[string]map[string]int64),
		Retries:       make(map[string]int64),
		RetryFailures: make(map[string]int64),
		CircuitStates: make(map[string]metrics.CircuitState),
		Transfers:     make(map[string]int64),
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
