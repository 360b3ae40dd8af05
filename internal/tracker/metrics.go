package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trackedPlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apexbot",
		Subsystem: "tracker",
		Name:      "tracked_players",
		Help:      "Tracked (group, player) pairs",
	})

	// verdicts counts classifier outcomes during reconciliation.
	verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apexbot",
		Subsystem: "tracker",
		Name:      "verdicts_total",
		Help:      "Classifier verdicts observed by reconciliation passes",
	}, []string{"verdict"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apexbot",
		Subsystem: "tracker",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one reconciliation pass",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apexbot",
		Subsystem: "tracker",
		Name:      "persist_failures_total",
		Help:      "Failed writes of the subscription document",
	})
)
