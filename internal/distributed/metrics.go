package distributed

import "github.com/prometheus/client_golang/prometheus"

// metrics publishes the tree-shape counters spec §4.E's status recomputation
// depends on, mirroring internal/peer's package-scoped collector shape.
type metrics struct {
	hasParent prometheus.Gauge
	children  prometheus.Gauge
	branch    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		hasParent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slsk",
			Subsystem: "distributed",
			Name:      "has_parent",
			Help:      "1 if a distributed parent is currently adopted, else 0.",
		}),
		children: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slsk",
			Subsystem: "distributed",
			Name:      "child_count",
			Help:      "Number of accepted distributed child connections.",
		}),
		branch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slsk",
			Subsystem: "distributed",
			Name:      "branch_level",
			Help:      "Current branch_level advertised to children.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hasParent, m.children, m.branch)
	}
	return m
}
