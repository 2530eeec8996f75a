package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedbackEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "events_total",
			Help:      "Inbound feedback events by type and reconciliation outcome.",
		},
		[]string{"type", "outcome"}, // outcome: "applied", "duplicate", "unattributable", "tampered"
	)

	suppressionsWrittenCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "suppressions_written_total",
			Help:      "Suppression entries written from bounce/complaint feedback.",
		},
		[]string{"reason"},
	)
)
