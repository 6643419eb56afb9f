package prometheus

import (
	"strconv"
	"time"

	"ledger-engine/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements metrics.Collector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Pool
	acquireLatency prometheus.Histogram
	poolWaits      prometheus.Counter
	poolInUse      prometheus.Gauge

	// Accessors
	accessorCalls   *prometheus.CounterVec
	accessorLatency *prometheus.HistogramVec
	retries         *prometheus.CounterVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Money movement
	transfers      *prometheus.CounterVec
	sweeps         prometheus.Counter
	expired        prometheus.Counter
	sweepLatency   prometheus.Histogram
	clawbacks      prometheus.Counter
	clawbackAmount prometheus.Counter

	// Notifier
	notifications  *prometheus.CounterVec
	notifyDropped  prometheus.Counter
	notifyQueueLen prometheus.Gauge
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	buckets := prometheus.ExponentialBuckets(0.0001, 2, 16) // 0.1ms to ~6s

	return &PrometheusCollector{
		namespace: namespace,
		acquireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_duration_seconds",
			Help:      "Time spent waiting for a pool connection",
			Buckets:   buckets,
		}),
		poolWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_saturated_waits_total",
			Help:      "Number of full pool scans that found no free slot and backed off",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use",
			Help:      "Connections currently borrowed from the pool",
		}),
		accessorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accessor_calls_total",
			Help:      "Ledger accessor calls per operation and error type",
		}, []string{"operation", "error_type"}),
		accessorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "accessor_duration_seconds",
			Help:      "Ledger accessor latency including pool wait",
			Buckets:   buckets,
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accessor_retries_total",
			Help:      "Reconnect-and-retry attempts after a transient fault",
		}, []string{"operation", "status"}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_opens_total",
			Help:      "Total number of circuit breaker opens",
		}, []string{"breaker"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfer orchestrations per kind and outcome",
		}, []string{"kind", "outcome"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweeps_total",
			Help:      "Expiry sweeps executed",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_transactions_total",
			Help:      "Pending transactions failed by the expiry sweep",
		}),
		sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_duration_seconds",
			Help:      "Expiry sweep latency",
			Buckets:   buckets,
		}),
		clawbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_clawbacks_total",
			Help:      "Balances clamped to the configured maximum",
		}),
		clawbackAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_clawback_amount_total",
			Help:      "Currency removed by balance clamping",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Published ledger events per status",
		}, []string{"status"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Ledger events dropped due to backpressure",
		}),
		notifyQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notify_queue_depth",
			Help:      "Current notifier queue depth",
		}),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.acquireLatency,
		pc.poolWaits,
		pc.poolInUse,
		pc.accessorCalls,
		pc.accessorLatency,
		pc.retries,
		pc.circuitOpens,
		pc.circuitState,
		pc.transfers,
		pc.sweeps,
		pc.expired,
		pc.sweepLatency,
		pc.clawbacks,
		pc.clawbackAmount,
		pc.notifications,
		pc.notifyDropped,
		pc.notifyQueueLen,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func (pc *PrometheusCollector) RecordAcquire(wait time.Duration) {
	pc.acquireLatency.Observe(wait.Seconds())
}

func (pc *PrometheusCollector) RecordPoolWait() {
	pc.poolWaits.Inc()
}

func (pc *PrometheusCollector) RecordInUse(inUse int) {
	pc.poolInUse.Set(float64(inUse))
}

func (pc *PrometheusCollector) RecordAccessor(op string, errType string, duration time.Duration) {
	pc.accessorCalls.WithLabelValues(op, errType).Inc()
	pc.accessorLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordRetry(op string, success bool) {
	pc.retries.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}

func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

func (pc *PrometheusCollector) RecordTransfer(kind string, outcome string) {
	pc.transfers.WithLabelValues(kind, outcome).Inc()
}

func (pc *PrometheusCollector) RecordSweep(expired int, duration time.Duration) {
	pc.sweeps.Inc()
	pc.expired.Add(float64(expired))
	pc.sweepLatency.Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordClawback(amount int64) {
	pc.clawbacks.Inc()
	pc.clawbackAmount.Add(float64(amount))
}

func (pc *PrometheusCollector) RecordNotify(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.notifications.WithLabelValues(status).Inc()
}

func (pc *PrometheusCollector) RecordNotifyDropped() {
	pc.notifyDropped.Inc()
}

func (pc *PrometheusCollector) RecordQueueDepth(depth int) {
	pc.notifyQueueLen.Set(float64(depth))
}
