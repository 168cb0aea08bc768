// Package metrics provides Prometheus metrics for the reward distribution service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Distribution runs
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	runsInFlight   prometheus.Gauge
	cappedRuns     prometheus.Counter
	conflictsTotal prometheus.Counter

	// Transfers
	transfersTotal  *prometheus.CounterVec
	transferLatency prometheus.Histogram
	transferRetries prometheus.Counter
	transferAmount  *prometheus.CounterVec

	// Treasury
	treasuryTotal       prometheus.Gauge
	treasuryAllocated   prometheus.Gauge
	treasuryDistributed prometheus.Gauge

	// Worker pool
	workerActive prometheus.Gauge
	queueSize    prometheus.Gauge

	// Store
	storeLatency *prometheus.HistogramVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// Host
	systemMemoryUsed prometheus.Gauge
	systemCPUPercent prometheus.Gauge
	goroutines       prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // process registry without default Go collectors

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "scanreward",
		subsystem:        "distribution",
		histogramBuckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for all collectors
	auto := promauto.With(m.registry)

	m.runsTotal = auto.NewCounterVec(
		m.counterOpts("runs_total", "Distribution runs by kind, terminal status and abort reason"),
		[]string{"kind", "status", "reason"},
	)
	m.runDuration = auto.NewHistogram(m.histogramOpts("run_duration_milliseconds", "Wall time of a distribution run"))
	m.runsInFlight = auto.NewGauge(m.gaugeOpts("runs_in_flight", "Distribution runs currently executing"))
	m.cappedRuns = auto.NewCounter(m.counterOpts("capped_runs_total", "Runs whose allocations were scaled down to the available treasury balance"))
	m.conflictsTotal = auto.NewCounter(m.counterOpts("conflicts_total", "Runs discarded because the epoch was already marked distributed"))

	m.transfersTotal = auto.NewCounterVec(
		m.counterOpts("transfers_total", "Transfer outcomes by status"),
		[]string{"status"},
	)
	m.transferLatency = auto.NewHistogram(m.histogramOpts("transfer_latency_milliseconds", "Latency of a single transfer including retries"))
	m.transferRetries = auto.NewCounter(m.counterOpts("transfer_retries_total", "Transfer attempts retried after a transient failure"))
	m.transferAmount = auto.NewCounterVec(
		m.counterOpts("transfer_amount_total", "Token amount moved by status (float approximation)"),
		[]string{"status"},
	)

	m.treasuryTotal = auto.NewGauge(m.gaugeOpts("treasury_total_balance", "Treasury balance reported by the chain"))
	m.treasuryAllocated = auto.NewGauge(m.gaugeOpts("treasury_allocated_balance", "Treasury amount reserved by in-flight runs"))
	m.treasuryDistributed = auto.NewGauge(m.gaugeOpts("treasury_distributed_balance", "Total amount successfully distributed"))

	m.workerActive = auto.NewGauge(m.gaugeOpts("worker_active_count", "Transfer workers currently running"))
	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Transfer jobs waiting for a worker"))

	m.storeLatency = auto.NewHistogramVec(
		m.histogramOpts("store_latency_milliseconds", "Store operation latency"),
		[]string{"backend", "op"},
	)

	m.httpRequests = auto.NewCounterVec(
		m.counterOpts("http_requests_total", "HTTP requests by endpoint, method and status"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration"),
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorsByComponent = auto.NewCounterVec(
		m.counterOpts("errors_total", "Errors by component and type"),
		[]string{"component", "type"},
	)

	m.systemMemoryUsed = auto.NewGauge(m.gaugeOpts("system_memory_used_bytes", "Host memory in use"))
	m.systemCPUPercent = auto.NewGauge(m.gaugeOpts("system_cpu_percent", "Host CPU utilisation"))
	m.goroutines = auto.NewGauge(m.gaugeOpts("goroutines", "Live goroutines in the process"))
}

// RecordRun records a finished run.
func RecordRun(kind, status, reason string, durationMs float64) {
	globalManager.runsTotal.WithLabelValues(kind, status, reason).Inc()
	globalManager.runDuration.Observe(durationMs)
}

// RunStarted increments the in-flight gauge.
func RunStarted() { globalManager.runsInFlight.Inc() }

// RunFinished decrements the in-flight gauge.
func RunFinished() { globalManager.runsInFlight.Dec() }

// RecordCappedRun counts a run scaled down to the available balance.
func RecordCappedRun() { globalManager.cappedRuns.Inc() }

// RecordConflict counts a discarded run.
func RecordConflict() { globalManager.conflictsTotal.Inc() }

// RecordTransfer records a transfer outcome.
func RecordTransfer(status string, amount float64, latencyMs float64) {
	globalManager.transfersTotal.WithLabelValues(status).Inc()
	globalManager.transferAmount.WithLabelValues(status).Add(amount)
	globalManager.transferLatency.Observe(latencyMs)
}

// RecordTransferRetry counts a retried attempt.
func RecordTransferRetry() { globalManager.transferRetries.Inc() }

// UpdateTreasury sets the treasury gauges.
func UpdateTreasury(total, allocated, distributed float64) {
	globalManager.treasuryTotal.Set(total)
	globalManager.treasuryAllocated.Set(allocated)
	globalManager.treasuryDistributed.Set(distributed)
}

// UpdateTreasuryAllocated sets only the reserved-amount gauge.
func UpdateTreasuryAllocated(allocated float64) { globalManager.treasuryAllocated.Set(allocated) }

// UpdateWorkerActiveCount sets the number of running transfer workers.
func UpdateWorkerActiveCount(count int) { globalManager.workerActive.Set(float64(count)) }

// UpdateQueueSize sets the pending job count.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// RecordStoreLatency records a store operation latency.
func RecordStoreLatency(backend, op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(backend, op).Observe(latencyMs)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// RecordError records an error for a component.
func RecordError(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the host memory gauge.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsed.Set(float64(bytes)) }

// UpdateSystemCPUPercent sets the host CPU gauge.
func UpdateSystemCPUPercent(percent float64) { globalManager.systemCPUPercent.Set(percent) }

// UpdateGoroutineCount sets the goroutine gauge.
func UpdateGoroutineCount(n int) { globalManager.goroutines.Set(float64(n)) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
