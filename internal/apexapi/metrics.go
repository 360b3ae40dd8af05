package apexapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetchAttempts counts single HTTP attempts.
	// Labels: result (ok, transient, fatal)
	fetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apexbot",
		Subsystem: "stats",
		Name:      "fetch_attempts_total",
		Help:      "Stats provider HTTP attempts by result",
	}, []string{"result"})

	// fetchDuration measures whole fetches, retries and waits included.
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apexbot",
		Subsystem: "stats",
		Name:      "fetch_duration_seconds",
		Help:      "Stats fetch latency including retries",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
	}, []string{"result"})
)
