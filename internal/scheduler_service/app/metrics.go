package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileRunsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "reconcile_runs_total",
			Help:      "Scheduler reconciliation runs by result.",
		},
		[]string{"result"}, // "ok", "error"
	)

	registrationsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scheduler",
			Name:      "repeating_registrations",
			Help:      "Repeating-job registrations owned by the scheduler after the last reconcile.",
		},
	)

	manualRunsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "manual_runs_total",
			Help:      "Manually triggered one-off task runs.",
		},
	)
)
