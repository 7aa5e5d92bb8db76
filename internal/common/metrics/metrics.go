// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfy_workflow_submissions_total",
			Help: "Total number of SubmitWorkflow calls by endpoint and outcome",
		},
		[]string{"endpoint", "template", "status"},
	)

	BatchesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfy_batches_submitted_total",
			Help: "Total number of remote jobs submitted",
		},
		[]string{"endpoint"},
	)

	ImagesReturned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfy_images_returned_total",
			Help: "Total number of output images decoded",
		},
		[]string{"endpoint"},
	)

	WorkflowFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfy_workflow_failures_total",
			Help: "Total number of failed SubmitWorkflow calls",
		},
		[]string{"endpoint", "error_code"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfy_batch_duration_seconds",
			Help:    "Time from submit to completed result for a single remote job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"endpoint"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)
