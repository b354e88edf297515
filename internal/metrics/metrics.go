package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

var (
	StagingRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dea_staging_requests_total",
		Help: "Total number of staging requests handled",
	})

	StagingRepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dea_staging_replies_total",
		Help: "Total number of staging replies published, by setup outcome",
	}, []string{"outcome"})

	HandlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dea_staging_handler_errors_total",
		Help: "Total number of bus messages whose handler returned an error",
	}, []string{"subject"})

	StagingTasksCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dea_staging_tasks_completed_total",
		Help: "Total number of staging tasks completed successfully",
	})

	StagingTasksFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dea_staging_tasks_failed_total",
		Help: "Total number of staging tasks that failed",
	})

	SetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dea_staging_setup_duration_seconds",
		Help:    "Time taken to set up staging containers in seconds",
		Buckets: prometheus.DefBuckets,
	})

	StagingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dea_staging_duration_seconds",
		Help:    "Time taken to run staging after setup in seconds",
		Buckets: prometheus.DefBuckets,
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dea_active_workers",
		Help: "Current number of active staging workers",
	})

	QueuedWork = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dea_queued_work",
		Help: "Current number of work items waiting for a worker",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dea_active_subscriptions",
		Help: "Current number of bus subscriptions held by responders",
	})
)
