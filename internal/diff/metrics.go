package diff

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons a relationship contribution is dropped.
const (
	dropPeerCount        = "peer_count"
	dropMissingPeer      = "missing_peer"
	dropNotComplementary = "not_complementary"
	dropSchemaMiss       = "schema_miss"
)

var (
	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphdiff_builds_total",
		Help: "Total diff builds by result",
	}, []string{"result"})

	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphdiff_build_duration_seconds",
		Help:    "Diff build duration in seconds, fetch included",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	payloadEntries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphdiff_payload_entries",
		Help:    "Number of entries per diff payload",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	droppedContributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphdiff_dropped_relationships_total",
		Help: "Relationship contributions dropped by reason",
	}, []string{"reason"})
)
