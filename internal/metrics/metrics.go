// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests handled by the API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// AdmissionsTotal counts admission decisions by outcome (started or a skip reason).
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admissions_total",
			Help: "Total number of admission decisions, by outcome.",
		},
		[]string{"source", "outcome"},
	)

	// PipelineRunsTotal counts finished pipeline runs.
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of pipeline executions, by status and failing stage.",
		},
		[]string{"status", "stage", "error_kind"},
	)

	// StageDuration observes how long each pipeline stage takes.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
		},
		[]string{"stage"},
	)

	// ChunksDeliveredTotal counts delivered message chunks.
	ChunksDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chunks_delivered_total",
			Help: "Total number of message chunks delivered to destinations.",
		},
	)

	// InFlightRuns is the number of pipeline executions currently running.
	InFlightRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_runs_in_flight",
			Help: "Number of pipeline executions currently running.",
		},
	)

	// PollTicksTotal counts reconciliation passes by result.
	PollTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_ticks_total",
			Help: "Total number of reconciliation poll passes.",
		},
		[]string{"result"},
	)

	// GenerationQuotaUsed is today's generation call count.
	GenerationQuotaUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_quota_used",
			Help: "Generation calls made today against the daily quota.",
		},
	)
)
