package prometheus

import (
	"time"

	"github.com/Diatonic-AI/partner-connectors/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics
	SyncRunsStartedCounter   *prometheus.CounterVec
	SyncRunsCompletedCounter *prometheus.CounterVec
	SyncRecordsCounter       *prometheus.CounterVec
	ActiveRunsGauge          prometheus.Gauge

	// Upstream metrics
	UpstreamRequestHistogram *prometheus.HistogramVec
	UpstreamRetryCounter     *prometheus.CounterVec

	// Action gateway metrics
	ActionsCounter         *prometheus.CounterVec
	PendingApprovalsGauge  prometheus.Gauge

	// Event metrics
	EventsEmittedCounter prometheus.Counter
	DeadLetterCounter    prometheus.Counter

	// Database operation metrics
	DBOperationHistogram *prometheus.HistogramVec

	// HTTP metrics
	HttpRequestsTotal   *prometheus.CounterVec
	HttpRequestDuration *prometheus.HistogramVec

	// Namespace prefix for metrics
	namespace string
)

// InitMetrics initializes all Prometheus metrics
func InitMetrics(cfg *config.Config) {
	namespace = cfg.Metrics.Prefix

	// Sync metrics
	SyncRunsStartedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_started_total",
			Help:      "Total number of ingestion runs started",
		},
		[]string{"connector", "entity"},
	)

	SyncRunsCompletedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_completed_total",
			Help:      "Total number of ingestion runs completed, by terminal status",
		},
		[]string{"connector", "entity", "status"},
	)

	SyncRecordsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Total number of records processed during syncs",
		},
		[]string{"connector", "entity", "result"},
	)

	ActiveRunsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Number of currently active ingestion runs",
	})

	// Upstream metrics
	UpstreamRequestHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Duration of upstream API calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	UpstreamRetryCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total number of upstream call retries",
		},
		[]string{"operation"},
	)

	// Action gateway metrics
	ActionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total number of action submissions, by outcome",
		},
		[]string{"action", "outcome"},
	)

	PendingApprovalsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_approvals",
		Help:      "Number of write actions awaiting human approval",
	})

	// Event metrics
	EventsEmittedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_emitted_total",
		Help:      "Total number of canonical change events published",
	})

	DeadLetterCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dead_lettered_total",
		Help:      "Total number of events persisted to the dead-letter store",
	})

	// Database operation metrics
	DBOperationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Duration of database operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// HTTP metrics
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
}

// TrackDBOperation returns a function to observe DB operation duration.
// Usage: defer prometheus.TrackDBOperation("insert")(time.Now())
func TrackDBOperation(operation string) func(time.Time) {
	return func(start time.Time) {
		if DBOperationHistogram != nil {
			DBOperationHistogram.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		}
	}
}

// RecordAction increments the action outcome counter
func RecordAction(action, outcome string) {
	if ActionsCounter != nil {
		ActionsCounter.WithLabelValues(action, outcome).Inc()
	}
}

// RecordUpstreamRetry increments the retry counter for an operation
func RecordUpstreamRetry(operation string) {
	if UpstreamRetryCounter != nil {
		UpstreamRetryCounter.WithLabelValues(operation).Inc()
	}
}
