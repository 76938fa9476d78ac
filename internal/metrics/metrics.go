// Package metrics exposes Prometheus counters/histograms/gauges for the
// pack/unpack/prehash pipeline: per-operation throughput and error rates,
// the AES-CBC encryption path, the Phase-B ordering search's comparison
// cost, the dedup cache, the optional vault's rotated-key reads, and
// hardware-acceleration status.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all application metrics.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec

	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec

	orderingComparisons prometheus.Histogram

	rotatedReads *prometheus.CounterVec

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	dedupCacheHits   prometheus.Counter
	dedupCacheMisses prometheus.Counter

	activeOperations prometheus.Gauge
	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge

	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry. This is useful for testing to avoid metric registration
// conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg)
}

func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockfold_operations_total",
				Help: "Total number of pack/unpack/prehash invocations",
			},
			[]string{"operation"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockfold_operation_duration_seconds",
				Help:    "Pack/unpack/prehash invocation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		operationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockfold_operation_errors_total",
				Help: "Total number of pack/unpack/prehash failures",
			},
			[]string{"operation", "error_kind"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockfold_encryption_operations_total",
				Help: "Total number of AES-256-CBC encrypt/decrypt passes",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockfold_encryption_duration_seconds",
				Help:    "AES-256-CBC encrypt/decrypt pass duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockfold_encryption_errors_total",
				Help: "Total number of encrypt/decrypt errors",
			},
			[]string{"operation", "error_kind"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockfold_encryption_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		orderingComparisons: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blockfold_ordering_comparisons",
				Help:    "Number of Phase-B candidate comparisons performed per unpack",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16),
			},
		),
		rotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockfold_vault_rotated_reads_total",
				Help: "Total number of key unwraps that fell back to a non-active key version within the dual-read window",
			},
			[]string{"key_version", "active_version"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockfold_buffer_pool_hits_total",
				Help: "Total number of chunk buffer pool hits",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockfold_buffer_pool_misses_total",
				Help: "Total number of chunk buffer pool misses",
			},
			[]string{"size_class"},
		),
		dedupCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "blockfold_dedup_cache_hits_total",
				Help: "Total number of pack requests served from the dedup cache",
			},
		),
		dedupCacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "blockfold_dedup_cache_misses_total",
				Help: "Total number of pack requests that missed the dedup cache",
			},
		),
		activeOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockfold_active_operations",
				Help: "Number of pack/unpack/prehash invocations currently running",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockfold_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockfold_memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockfold_memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockfold_hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration
// enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// GetRotatedReadsMetric returns the rotated reads metric (for testing).
func (m *Metrics) GetRotatedReadsMetric() *prometheus.CounterVec {
	return m.rotatedReads
}

// RecordOperation records one pack/unpack/prehash invocation.
func (m *Metrics) RecordOperation(ctx context.Context, operation string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.operationsTotal.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.operationsTotal.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.operationDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
		return
	}
	m.operationsTotal.WithLabelValues(operation).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOperationError records a pack/unpack/prehash failure, labeled by
// the pkgerr.Kind string of the failure.
func (m *Metrics) RecordOperationError(operation, errorKind string) {
	m.operationErrors.WithLabelValues(operation, errorKind).Inc()
}

// RecordEncryptionOperation records one AES-256-CBC encrypt/decrypt pass.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.encryptionOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.encryptionOperations.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.encryptionDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.encryptionOperations.WithLabelValues(operation).Inc()
		m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encrypt/decrypt error.
func (m *Metrics) RecordEncryptionError(ctx context.Context, operation, errorKind string) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.encryptionErrors.WithLabelValues(operation, errorKind).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
			return
		}
	}
	m.encryptionErrors.WithLabelValues(operation, errorKind).Inc()
}

// RecordOrderingComparisons records how many Phase-B comparisons one unpack
// spent recovering block order.
func (m *Metrics) RecordOrderingComparisons(n int) {
	m.orderingComparisons.Observe(float64(n))
}

// RecordRotatedRead records a key unwrap that used a non-active key version
// within the vault's dual-read window.
func (m *Metrics) RecordRotatedRead(keyVersion, activeVersion int) {
	m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).Inc()
}

// RecordBufferPoolHit records a buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// RecordDedupCacheHit records a pack request served from the dedup cache.
func (m *Metrics) RecordDedupCacheHit() {
	m.dedupCacheHits.Inc()
}

// RecordDedupCacheMiss records a pack request that missed the dedup cache.
func (m *Metrics) RecordDedupCacheMiss() {
	m.dedupCacheMisses.Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveOperations increments the active operations gauge.
func (m *Metrics) IncrementActiveOperations() {
	m.activeOperations.Inc()
}

// DecrementActiveOperations decrements the active operations gauge.
func (m *Metrics) DecrementActiveOperations() {
	m.activeOperations.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts the trace ID from ctx and returns Prometheus Labels
// for an exemplar, or nil if ctx carries no valid span.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
