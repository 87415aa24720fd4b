package transfer

import "github.com/prometheus/client_golang/prometheus"

// metrics publishes download throughput and concurrency, mirroring
// internal/peer's package-scoped collector shape.
type metrics struct {
	active     prometheus.Gauge
	bytesTotal prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slsk",
			Subsystem: "transfer",
			Name:      "active_downloads",
			Help:      "Number of downloads currently in a non-terminal state.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slsk",
			Subsystem: "transfer",
			Name:      "bytes_read_total",
			Help:      "Total bytes read across every completed and in-progress download.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.bytesTotal)
	}
	return m
}
