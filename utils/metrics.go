package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_jobs_processed_total",
		Help: "Email jobs handled by the processor, by outcome.",
	}, []string{"outcome"})

	TrackingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_tracking_events_total",
		Help: "Tracking signals received, by type.",
	}, []string{"type"})

	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_scheduler_ticks_total",
		Help: "Scheduler ticks, by result (run or skipped).",
	}, []string{"result"})

	SchedulerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outreach_scheduler_batch_jobs",
		Help:    "Due jobs fetched per scheduler tick.",
		Buckets: prometheus.LinearBuckets(0, 5, 11),
	})
)
