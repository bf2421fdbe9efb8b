// Package metrics provides Prometheus metrics for the appflow service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts finished executions by final status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "executions_total",
			Help:      "Total number of app executions by final status",
		},
		[]string{"status"}, // "completed", "failed"
	)

	// ExecutionsActive tracks currently running executions.
	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "executions_active",
			Help:      "Number of currently running executions",
		},
	)

	// ExecutionDuration tracks execution wall time.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "execution_duration_seconds",
			Help:      "Execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// NodesTotal counts executed nodes by type and status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "nodes_total",
			Help:      "Total number of flow nodes executed",
		},
		[]string{"type", "status"}, // status: "succeeded", "failed"
	)

	// NodeDuration tracks node execution duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// NodeRetries counts retry attempts of I/O nodes.
	NodeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "node_retries_total",
			Help:      "Number of node retry attempts",
		},
		[]string{"type"},
	)

	// GuardrailViolations counts rejected executions by guardrail type.
	GuardrailViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "guardrail_violations_total",
			Help:      "Executions rejected by a guardrail",
		},
		[]string{"type"},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// K8sJobsTotal counts agent K8s jobs by status.
	K8sJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "k8s_jobs_total",
			Help:      "Total number of K8s agent jobs created",
		},
		[]string{"status"},
	)

	// K8sJobDuration tracks agent K8s job duration.
	K8sJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "k8s_job_duration_seconds",
			Help:      "K8s agent job duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// StoreOperations counts store operations.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"store", "operation", "result"}, // result: success, error
	)

	// StatsConflicts counts optimistic-lock retries while updating app statistics.
	StatsConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "stats_conflicts_total",
			Help:      "Optimistic transaction retries on app statistics",
		},
	)

	// ArchiveWrites counts archived execution records.
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "archive_writes_total",
			Help:      "Execution records written to the archive",
		},
		[]string{"result"},
	)
	// WebSocketActiveConnections tracks open WebSocket event streams.
	WebSocketActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "websocket_active_connections",
			Help:      "Number of open WebSocket event streams",
		},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "sse_active_connections",
			Help:      "Number of open SSE event streams",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE event stream duration in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600},
		},
	)

	// RateLimited counts requests rejected by the API rate limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "appflow",
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the API rate limiter",
		},
	)
)
