// Package metrics provides Prometheus metrics for the cloudfs core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operation pipeline metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_operations_total",
			Help: "Total filesystem operations by terminal state",
		},
		[]string{"op", "state"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudfs_operation_duration_seconds",
			Help:    "Filesystem operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	subtasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_subtasks_total",
			Help: "Total operation sub-tasks by outcome",
		},
		[]string{"op", "status"},
	)

	subtaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_subtask_retries_total",
			Help: "Sub-task attempts beyond the first",
		},
		[]string{"op"},
	)

	// Access control
	permissionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_permission_checks_total",
			Help: "Total permission checks",
		},
		[]string{"result"},
	)

	immutableRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_immutable_rejections_total",
			Help: "Operations rejected by the immutability gate",
		},
		[]string{"op"},
	)

	// Usage accounting
	usageReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_usage_reports_total",
			Help: "Usage delta reports by outcome",
		},
		[]string{"status"},
	)

	usageBytesDelta = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_usage_bytes_total",
			Help: "Absolute bytes reported to usage accounting by direction",
		},
		[]string{"direction"},
	)

	quotaExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudfs_quota_exceeded_total",
			Help: "Operations rejected for exceeding the storage quota",
		},
	)

	// Object store metrics
	objectOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudfs_object_operation_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	objectOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_object_operations_total",
			Help: "Total object store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudfs_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Content cache
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_cache_lookups_total",
			Help: "Content cache lookups by result",
		},
		[]string{"result"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_cache_evictions_total",
			Help: "Content cache entries leaving the cache",
		},
		[]string{"reason"},
	)

	cacheBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudfs_cache_bytes",
			Help: "Bytes held by the content cache per tier",
		},
		[]string{"tier"},
	)

	// Transfers and events
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_transfer_bytes_total",
			Help: "Bytes reported by progress trackers",
		},
		[]string{"op"},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudfs_events_total",
			Help: "Total events published",
		},
		[]string{"type"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudfs_event_subscribers",
			Help: "Number of active event subscribers",
		},
	)
)

// RecordOperation records a finished operation and its terminal state.
func RecordOperation(op, state string, duration time.Duration) {
	operationsTotal.WithLabelValues(op, state).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSubtask records one sub-task outcome. attempts > 1 counts retries.
func RecordSubtask(op string, success bool, attempts int) {
	subtasksTotal.WithLabelValues(op, status(success)).Inc()
	if attempts > 1 {
		subtaskRetries.WithLabelValues(op).Add(float64(attempts - 1))
	}
}

// RecordPermissionCheck records a permission check result.
func RecordPermissionCheck(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	permissionChecksTotal.WithLabelValues(result).Inc()
}

// RecordImmutableRejection records an operation stopped by the immutability gate.
func RecordImmutableRejection(op string) {
	immutableRejections.WithLabelValues(op).Inc()
}

// RecordUsageReport records a usage accounting report.
func RecordUsageReport(delta int64, success bool) {
	usageReportsTotal.WithLabelValues(status(success)).Inc()
	if !success {
		return
	}
	if delta < 0 {
		usageBytesDelta.WithLabelValues("released").Add(float64(-delta))
	} else {
		usageBytesDelta.WithLabelValues("consumed").Add(float64(delta))
	}
}

// RecordQuotaExceeded records a quota rejection.
func RecordQuotaExceeded() {
	quotaExceededTotal.Inc()
}

// RecordObjectOperation records an object store operation.
func RecordObjectOperation(backend, operation string, duration time.Duration, success bool) {
	objectOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	objectOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordCacheLookup records a content cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheEviction records an entry leaving the cache ("ttl", "score", "invalidate", "abandoned").
func RecordCacheEviction(reason string) {
	cacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// SetCacheBytes sets the bytes held in the precache and disk tiers.
func SetCacheBytes(precache, disk int64) {
	cacheBytes.WithLabelValues("precache").Set(float64(precache))
	cacheBytes.WithLabelValues("disk").Set(float64(disk))
}

// RecordTransferBytes records progress reported by a transfer tracker.
func RecordTransferBytes(op string, bytes int64) {
	transferBytes.WithLabelValues(op).Add(float64(bytes))
}

// RecordEvent records an event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the number of active event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
