package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// commandRequests counts handled chat commands.
// Labels: command (route), outcome (ok, error, busy)
var commandRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "apexbot",
	Subsystem: "router",
	Name:      "command_requests_total",
	Help:      "Chat commands by route and outcome",
}, []string{"command", "outcome"})
