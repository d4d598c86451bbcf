package service

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sge-platform/enrollment-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the enrollment
// engine and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry         *prometheus.Registry
	handler          http.Handler
	enrollBatches    *prometheus.CounterVec
	studentsEnrolled prometheus.Counter
	withdrawals      prometheus.Counter
	historyFailures  prometheus.Counter
	rosterRepairs    prometheus.Counter
	txDuration       *prometheus.HistogramVec
	cacheHitRatio    prometheus.Gauge
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheLatency     prometheus.Observer
	cacheWrite       prometheus.Observer

	batchCount        uint64
	enrolledCount     uint64
	withdrawnCount    uint64
	capacityCount     uint64
	duplicateCount    uint64
	conflictCount     uint64
	historyFailCount  uint64
	rosterRepairCount uint64
	cacheHitCount     uint64
	cacheMissCount    uint64
}

// Batch outcome labels.
const (
	BatchOutcomeSuccess   = "success"
	BatchOutcomeCapacity  = "capacity_exceeded"
	BatchOutcomeDuplicate = "duplicate_active"
	BatchOutcomeConflict  = "concurrency_conflict"
	BatchOutcomeRejected  = "rejected"
	BatchOutcomeError     = "error"
)

// NewMetricsService registers the engine's Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	enrollBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_batches_total",
		Help: "Enrollment batch operations by outcome",
	}, []string{"operation", "outcome"})

	studentsEnrolled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_students_enrolled_total",
		Help: "Students successfully enrolled or reactivated",
	})

	withdrawals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_withdrawals_total",
		Help: "Enrollments withdrawn",
	})

	historyFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_history_append_failures_total",
		Help: "Best-effort transfer history appends that failed",
	})

	rosterRepairs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_roster_repairs_total",
		Help: "Roster projections repaired by the reconciler",
	})

	txDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrollment_tx_duration_seconds",
		Help:    "Duration of enrollment store transactions",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(enrollBatches, studentsEnrolled, withdrawals, historyFailures, rosterRepairs, txDuration, cacheHitRatio, cacheHits, cacheMisses, cacheLatency, cacheWrite, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		enrollBatches:    enrollBatches,
		studentsEnrolled: studentsEnrolled,
		withdrawals:      withdrawals,
		historyFailures:  historyFailures,
		rosterRepairs:    rosterRepairs,
		txDuration:       txDuration,
		cacheHitRatio:    cacheHitRatio,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		cacheLatency:     cacheLatency,
		cacheWrite:       cacheWrite,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveBatch records one coordinator operation with its outcome and
// duration.
func (m *MetricsService) ObserveBatch(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.enrollBatches.WithLabelValues(operation, outcome).Inc()
	m.txDuration.WithLabelValues(operation).Observe(duration.Seconds())
	atomic.AddUint64(&m.batchCount, 1)
	switch outcome {
	case BatchOutcomeCapacity:
		atomic.AddUint64(&m.capacityCount, 1)
	case BatchOutcomeDuplicate:
		atomic.AddUint64(&m.duplicateCount, 1)
	case BatchOutcomeConflict:
		atomic.AddUint64(&m.conflictCount, 1)
	}
}

// AddEnrolled counts successfully enrolled (or reactivated) students.
func (m *MetricsService) AddEnrolled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.studentsEnrolled.Add(float64(n))
	atomic.AddUint64(&m.enrolledCount, uint64(n))
}

// AddWithdrawn counts withdrawn enrollments.
func (m *MetricsService) AddWithdrawn(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.withdrawals.Add(float64(n))
	atomic.AddUint64(&m.withdrawnCount, uint64(n))
}

// RecordHistoryFailure counts a failed best-effort history append.
func (m *MetricsService) RecordHistoryFailure() {
	if m == nil {
		return
	}
	m.historyFailures.Inc()
	atomic.AddUint64(&m.historyFailCount, 1)
}

// RecordRosterRepair counts a projection repaired by the reconciler.
func (m *MetricsService) RecordRosterRepair() {
	if m == nil {
		return
	}
	m.rosterRepairs.Inc()
	atomic.AddUint64(&m.rosterRepairCount, 1)
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// Snapshot returns aggregated metrics suitable for status endpoints.
func (m *MetricsService) Snapshot() models.EnrollmentSystemMetrics {
	if m == nil {
		return models.EnrollmentSystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)

	var cacheRatio float64
	totalLookups := hits + misses
	if totalLookups > 0 {
		cacheRatio = float64(hits) / float64(totalLookups)
	}

	return models.EnrollmentSystemMetrics{
		EnrollBatchesTotal:    atomic.LoadUint64(&m.batchCount),
		StudentsEnrolledTotal: atomic.LoadUint64(&m.enrolledCount),
		WithdrawalsTotal:      atomic.LoadUint64(&m.withdrawnCount),
		CapacityRejections:    atomic.LoadUint64(&m.capacityCount),
		DuplicateRejections:   atomic.LoadUint64(&m.duplicateCount),
		ConcurrencyConflicts:  atomic.LoadUint64(&m.conflictCount),
		HistoryAppendFailures: atomic.LoadUint64(&m.historyFailCount),
		RosterRepairs:         atomic.LoadUint64(&m.rosterRepairCount),
		CacheHitRatio:         cacheRatio,
		Goroutines:            runtime.NumGoroutine(),
		GeneratedAt:           time.Now().UTC(),
	}
}
