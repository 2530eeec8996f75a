package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	campaignJobsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "campaign_jobs_processed_total",
			Help:      "Total campaign send jobs processed.",
		},
		[]string{"status"}, // "finished", "paused", "fatal"
	)

	recipientsDispatchedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "recipients_dispatched_total",
			Help:      "Per-recipient dispatch outcomes.",
		},
		[]string{"channel", "outcome"}, // outcome: "sent", "failed", "skipped_unsubscribed", "skipped_suppressed"
	)

	batchDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one concurrent batch including pacing wait.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	rateLimiterWaitHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "rate_limiter_wait_seconds",
			Help:      "Time spent waiting for a send slot.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"channel"},
	)
)
