package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// taskRuns counts job activations.
// Labels: task, outcome (ok, failed, skipped)
var taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "apexbot",
	Subsystem: "scheduler",
	Name:      "task_runs_total",
	Help:      "Scheduled task activations by outcome",
}, []string{"task", "outcome"})

var taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "apexbot",
	Subsystem: "scheduler",
	Name:      "task_duration_seconds",
	Help:      "Wall time of scheduled task runs",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
}, []string{"task"})
