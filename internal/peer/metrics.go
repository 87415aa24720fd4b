package peer

import "github.com/prometheus/client_golang/prometheus"

// metrics publishes the active/queued/waiting counters spec §4.D requires.
// Grounded on syncthing-syncthing's package-scoped prometheus collectors;
// each Manager builds its own set and registers it on the Registerer passed
// to NewManager, if any.
type metrics struct {
	active  prometheus.Gauge
	queued  prometheus.Gauge
	waiting prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slsk",
			Subsystem: "peer",
			Name:      "active_connections",
			Help:      "Number of established peer message connections.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slsk",
			Subsystem: "peer",
			Name:      "queued_connections",
			Help:      "Number of callers waiting for the global connection semaphore.",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slsk",
			Subsystem: "peer",
			Name:      "waiting_solicitations",
			Help:      "Number of indirect connection solicitations awaiting a dial-back.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.queued, m.waiting)
	}
	return m
}
