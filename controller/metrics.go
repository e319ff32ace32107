package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metric registration, in the same style as the teacher's
// observability.go: registered once at package init on the default
// registry, with bounded-cardinality labels only — peerStateByName is
// labeled by the fixed 4-state enum, never by MAC or address.
var (
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "linebus_step_duration_seconds",
		Help:    "Time spent in one Controller polling round.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
	})

	activePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linebus_active_peers",
		Help: "Current number of Active peers.",
	})

	peerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linebus_peer_errors_total",
		Help: "Total per-peer protocol errors recorded across all slots.",
	})

	discoveryOffersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linebus_discovery_offers_total",
		Help: "Total DiscoveryOffer frames issued.",
	})

	discoveryClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linebus_discovery_claims_total",
		Help: "Total DiscoveryClaim frames accepted into Pending.",
	})

	peerStateByName = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linebus_peer_state_total",
		Help: "Number of peer slots currently in each lifecycle state.",
	}, []string{"state"}) // bounded: free|pending|active|known
)
