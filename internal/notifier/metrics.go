package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// notifySends counts delivery outcomes per channel.
// Labels: channel, outcome (primary, fallback, failed)
var notifySends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "apexbot",
	Subsystem: "notifier",
	Name:      "sends_total",
	Help:      "Notification deliveries by channel and outcome",
}, []string{"channel", "outcome"})
