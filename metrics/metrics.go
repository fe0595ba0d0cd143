package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "perfwatch"

var (
	// BaselineRecalculations counts recalculation units by outcome status
	BaselineRecalculations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "baseline",
			Name:      "recalculations_total",
			Help:      "Baseline recalculation units by outcome",
		},
		[]string{"status"},
	)

	// BaselineP99 exposes the active p99 per operation type, in microseconds
	BaselineP99 = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "baseline",
			Name:      "p99_microseconds",
			Help:      "Active baseline p99 per operation type",
		},
		[]string{"operation_type"},
	)

	BaselineRecalculationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "baseline",
			Name:      "recalculation_duration_seconds",
			Help:      "Time spent recalculating one operation type",
			Buckets:   prometheus.DefBuckets,
		},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detect",
			Name:      "anomalies_total",
			Help:      "Anomalies detected by method and severity",
		},
		[]string{"method", "severity"},
	)

	CorrelationsFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "findings_total",
			Help:      "Correlated pairs by bottleneck classification",
		},
		[]string{"bottleneck"},
	)

	// AlertsCreated counts alerts by type and severity
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_created_total",
			Help:      "Alerts created",
		},
		[]string{"alert_type", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_suppressed_total",
			Help:      "Alerts dropped by an active snooze",
		},
		[]string{"alert_type"},
	)

	AlertsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_deduplicated_total",
			Help:      "Alerts folded into an existing open alert",
		},
		[]string{"alert_type"},
	)

	// Deliveries counts webhook delivery attempts by result (sent, retrying, failed, deferred)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by result",
		},
		[]string{"endpoint_type", "result"},
	)

	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "delivery_latency_seconds",
			Help:      "Webhook round trip latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint_type"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Notification queue items by status",
		},
		[]string{"status"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Endpoint circuit breaker state changes",
		},
		[]string{"endpoint_id", "to"},
	)

	VaultOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Credential vault operations by result",
		},
		[]string{"operation", "result"},
	)

	LeaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_operations_total",
			Help:      "Recalculation lease attempts by backend and result",
		},
		[]string{"backend", "result"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Periodic job runs by job and result",
		},
		[]string{"job", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Periodic job wall time",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "active_workers",
			Help:      "Workers running per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "queue_size",
			Help:      "Tasks waiting per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "tasks_processed_total",
			Help:      "Tasks completed per pool",
		},
		[]string{"pool_type"},
	)

	BaselineCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detect",
			Name:      "baseline_cache_lookups_total",
			Help:      "Active baseline cache lookups by result",
		},
		[]string{"result"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Operational API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

// SQLite connection pool metrics
var (
	SQLitePoolOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sqlite_pool",
			Name:      "open_connections",
			Help:      "Open SQLite connections per pool",
		},
		[]string{"pool"},
	)

	SQLitePoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sqlite_pool",
			Name:      "in_use",
			Help:      "SQLite connections in use per pool",
		},
		[]string{"pool"},
	)

	SQLitePoolWaitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sqlite_pool",
			Name:      "wait_count_total",
			Help:      "Connection waits per pool",
		},
		[]string{"pool"},
	)
)
