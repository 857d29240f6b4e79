// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts API requests by route, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// JobsSubmittedTotal counts submissions by mode (async/sync) and outcome.
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of job submissions.",
		},
		[]string{"mode", "outcome"},
	)

	ModuleExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "module_executions_total",
			Help: "Total number of worker module executions.",
		},
		[]string{"module", "status"},
	)

	ModuleExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "module_execution_duration_seconds",
			Help:    "Time spent executing a worker module.",
			Buckets: []float64{0.05, 0.25, 1, 5, 30, 120, 600, 3600},
		},
		[]string{"module"},
	)

	ResultPublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "result_publish_failures_total",
			Help: "Partial results that could not be handed to the return channel.",
		},
		[]string{"module"},
	)

	// ResultsMergedTotal counts aggregator outcomes: merged, unknown_job,
	// store_error or malformed.
	ResultsMergedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "results_merged_total",
			Help: "Partial results processed by the aggregator.",
		},
		[]string{"outcome"},
	)

	// IsLeader marks the replica currently running maintenance tasks.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the maintenance leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)

	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_runs_total",
			Help: "Maintenance task runs by task and status.",
		},
		[]string{"task", "status"},
	)
)
