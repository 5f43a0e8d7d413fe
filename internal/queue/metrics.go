// internal/queue/metrics.go
package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_added_total",
		Help: "Jobs added to a queue.",
	}, []string{"queue", "type"})

	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_processed_total",
		Help: "Job runs by outcome.",
	}, []string{"queue", "type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_job_duration_seconds",
		Help:    "Handler run time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "type"})
)

const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeDeferred  = "deferred"
	outcomeFailed    = "failed"
	outcomeThrottled = "throttled"
)
