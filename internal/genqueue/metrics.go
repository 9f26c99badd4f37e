package genqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instruments for the Frame Generation Queue (spec §4.12).
// Grounded on vjache-cie's direct prometheus/client_golang usage for
// its own request counters — codenerd itself only pulls the library
// in transitively and never registers an instrument with it.
var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nodeframe",
		Subsystem: "genqueue",
		Name:      "pending_requests",
		Help:      "Number of generation requests admitted but not yet completed or dropped.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodeframe",
		Subsystem: "genqueue",
		Name:      "requests_total",
		Help:      "Generation requests by terminal/transitional outcome.",
	}, []string{"outcome"})

	inFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nodeframe",
		Subsystem: "genqueue",
		Name:      "in_flight_requests",
		Help:      "Requests currently holding an agent's concurrency slot.",
	}, []string{"agent_id"})
)
