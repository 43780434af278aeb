// Package metrics provides Prometheus metrics for the photometric catalog service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// defaultLatencyBuckets spans 0.1 ms to about 3 s.
func defaultLatencyBuckets() []float64 {
	return prometheus.ExponentialBuckets(0.1, 2, 16)
}

// Manager manages all Prometheus metrics for the catalog service.
type Manager struct {
	namespace        string
	subsystem        string
	latencyBuckets  []float64
	refreshInterval time.Duration
	constLabels     map[string]string
	registry        prometheus.Registerer

	// Catalog metrics
	exposuresIngested    prometheus.Counter
	exposuresDuplicate   prometheus.Counter
	measurementsIngested prometheus.Counter
	measurementsSkipped  prometheus.Counter
	objectsCreated       *prometheus.CounterVec
	objectsMatched       *prometheus.CounterVec
	matchCandidates      prometheus.Histogram
	matchLatency         prometheus.Histogram
	linkConflicts        prometheus.Counter
	reconcilePasses      prometheus.Counter
	reconcilePassLatency prometheus.Histogram
	reconcileFailures    prometheus.Counter
	unmatchedBacklog     prometheus.Gauge
	catalogObjects       prometheus.Gauge
	storeLatency         *prometheus.HistogramVec
	lockWait             prometheus.Histogram

	// Queue metrics
	queueSize              prometheus.Gauge
	queueCapacity          prometheus.Gauge
	queueUtilization       prometheus.Gauge
	queueEnqueueRate       prometheus.Counter
	queueDequeueRate       prometheus.Counter
	queueEnqueueErrors     prometheus.Counter
	queueProcessingLatency prometheus.Histogram

	// Worker metrics
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrorRate         prometheus.Counter

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorRateByComponent *prometheus.CounterVec

	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:       "photdb",
		subsystem:       "catalog",
		latencyBuckets:  defaultLatencyBuckets(),
		refreshInterval: defaultRefreshInterval,
		registry:        prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.constLabels,
	})
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.exposuresIngested = m.counter("exposures_ingested_total", "Total number of exposures stored")
	m.exposuresDuplicate = m.counter("exposures_duplicate_total", "Total number of exposure submissions rejected as duplicates")
	m.measurementsIngested = m.counter("measurements_ingested_total", "Total number of measurements stored unlinked")
	m.measurementsSkipped = m.counter("measurements_skipped_total", "Total number of malformed measurement rows skipped")

	m.objectsCreated = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "objects_created_total",
		Help:        "Total number of reference objects created",
		ConstLabels: m.constLabels,
	}, []string{"source"})

	m.objectsMatched = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "objects_matched_total",
		Help:        "Total number of inputs matched to an existing reference object",
		ConstLabels: m.constLabels,
	}, []string{"source"})

	m.matchCandidates = m.histogram("match_candidates", "Number of box candidates examined per match",
		[]float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256})
	m.matchLatency = m.histogram("match_latency_milliseconds", "Latency of one match decision in milliseconds", m.latencyBuckets)
	m.linkConflicts = m.counter("link_conflicts_total", "Total number of link attempts rejected because the measurement was already linked")

	m.reconcilePasses = m.counter("reconcile_passes_total", "Total number of non-empty reconciliation passes")
	m.reconcilePassLatency = m.histogram("reconcile_pass_duration_milliseconds", "Duration of one reconciliation pass in milliseconds",
		[]float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000})
	m.reconcileFailures = m.counter("reconcile_item_failures_total", "Total number of measurements that failed to reconcile")
	m.unmatchedBacklog = m.gauge("unmatched_backlog", "Number of measurements without an object reference at the last pass")
	m.catalogObjects = m.gauge("objects", "Number of reference objects in the catalog")

	m.storeLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "store_latency_milliseconds",
		Help:        "Storage operation latency in milliseconds",
		Buckets:     m.latencyBuckets,
		ConstLabels: m.constLabels,
	}, []string{"op"})

	m.lockWait = m.histogram("lock_wait_milliseconds", "Time spent acquiring spatial cell locks in milliseconds", m.latencyBuckets)

	m.queueSize = m.gauge("queue_size", "Current size of the ingest queue (backlog indicator)")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue utilization ratio (current size / capacity)")
	m.queueEnqueueRate = m.counter("queue_enqueue_total", "Total number of jobs enqueued")
	m.queueDequeueRate = m.counter("queue_dequeue_total", "Total number of jobs dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Total number of enqueue errors")
	m.queueProcessingLatency = m.histogram("queue_processing_latency_milliseconds", "Queue processing latency in milliseconds", m.latencyBuckets)

	m.workerCount = m.gauge("worker_count", "Current number of ingest workers")
	m.workerActiveCount = m.gauge("worker_active_count", "Number of workers currently processing a job")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Worker processing latency in milliseconds", m.latencyBuckets)
	m.workerErrorRate = m.counter("worker_errors_total", "Total number of worker errors")

	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests by endpoint and method",
			ConstLabels: m.constLabels,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        "http_request_duration_milliseconds",
			Help:        "HTTP request duration in milliseconds",
			Buckets:     m.latencyBuckets,
			ConstLabels: m.constLabels,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorRateByComponent = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        "errors_by_component_total",
			Help:        "Total number of errors by component",
			ConstLabels: m.constLabels,
		},
		[]string{"component", "error_type"},
	)

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// RecordExposureIngested increments the stored exposures counter.
func RecordExposureIngested() {
	globalManager.exposuresIngested.Inc()
}

// RecordExposureDuplicate increments the duplicate exposure counter.
func RecordExposureDuplicate() {
	globalManager.exposuresDuplicate.Inc()
}

// RecordMeasurementsIngested adds n stored measurements.
func RecordMeasurementsIngested(n int) {
	globalManager.measurementsIngested.Add(float64(n))
}

// RecordMeasurementSkipped adds n skipped malformed rows.
func RecordMeasurementSkipped(n int) {
	globalManager.measurementsSkipped.Add(float64(n))
}

// RecordObjectCreated counts a new reference object. source is "ingest" or "reconcile".
func RecordObjectCreated(source string) {
	globalManager.objectsCreated.WithLabelValues(source).Inc()
}

// RecordObjectMatched counts an input resolved to an existing object.
func RecordObjectMatched(source string) {
	globalManager.objectsMatched.WithLabelValues(source).Inc()
}

// RecordMatchCandidates observes how many candidates the box query returned.
func RecordMatchCandidates(n int) {
	globalManager.matchCandidates.Observe(float64(n))
}

// RecordMatchLatency records match latency in milliseconds.
func RecordMatchLatency(latencyMs float64) {
	globalManager.matchLatency.Observe(latencyMs)
}

// RecordLinkConflict increments the relink rejection counter.
func RecordLinkConflict() {
	globalManager.linkConflicts.Inc()
}

// RecordReconcilePass records one non-empty reconciliation pass.
func RecordReconcilePass(latencyMs float64, failed int) {
	globalManager.reconcilePasses.Inc()
	globalManager.reconcilePassLatency.Observe(latencyMs)
	globalManager.reconcileFailures.Add(float64(failed))
}

// UpdateUnmatchedBacklog sets the unmatched measurement gauge.
func UpdateUnmatchedBacklog(n int64) {
	globalManager.unmatchedBacklog.Set(float64(n))
}

// UpdateCatalogObjects sets the reference object gauge.
func UpdateCatalogObjects(n int64) {
	globalManager.catalogObjects.Set(float64(n))
}

// RecordStoreLatency records a storage operation latency.
func RecordStoreLatency(op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
}

// RecordLockWait records time spent acquiring cell locks.
func RecordLockWait(latencyMs float64) {
	globalManager.lockWait.Observe(latencyMs)
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueueRate.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeueRate.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// RecordQueueProcessingLatency records how long a job waited in the queue.
func RecordQueueProcessingLatency(latencyMs float64) {
	globalManager.queueProcessingLatency.Observe(latencyMs)
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrorRate.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// RefreshInterval reports how often gauge refreshers should run.
func RefreshInterval() time.Duration {
	return globalManager.refreshInterval
}
