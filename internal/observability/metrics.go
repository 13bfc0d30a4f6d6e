package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	fencingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencectl",
			Subsystem: "fencing",
			Name:      "decisions_total",
			Help:      "Fencing decisions for inbound fenced messages.",
		},
		[]string{"node", "kind", "decision"},
	)
	removals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencectl",
			Subsystem: "resource",
			Name:      "removals_total",
			Help:      "Resource removal applications by outcome.",
		},
		[]string{"node", "outcome"},
	)
	liveResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fencectl",
			Subsystem: "resource",
			Name:      "live",
			Help:      "Resources currently known live.",
		},
		[]string{"node"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencectl",
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Frames read from sender sessions.",
		},
		[]string{"node", "message_type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(fencingDecisions, removals, liveResources, framesReceived)
	})
}

func RecordFencingDecision(node, kind, decision string) {
	RegisterMetrics()
	fencingDecisions.WithLabelValues(node, kind, decision).Inc()
}

func RecordRemoval(node, outcome string) {
	RegisterMetrics()
	removals.WithLabelValues(node, outcome).Inc()
}

func SetLiveResources(node string, n int) {
	RegisterMetrics()
	liveResources.WithLabelValues(node).Set(float64(n))
}

func RecordFrame(node, messageType string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(node, messageType).Inc()
}

// FencingDecisionCount reads back one decision counter; used by tests and
// the status dump.
func FencingDecisionCount(node, kind, decision string) float64 {
	return counterValue(fencingDecisions.WithLabelValues(node, kind, decision))
}

// RemovalCount reads back one removal counter.
func RemovalCount(node, outcome string) float64 {
	return counterValue(removals.WithLabelValues(node, outcome))
}
