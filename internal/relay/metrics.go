package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	Rooms       prometheus.Gauge
	Connections prometheus.Gauge
	Forwards    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairlink_relay_rooms",
			Help: "Number of live rendezvous rooms.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairlink_relay_connections",
			Help: "Number of connections bound to a room.",
		}),
		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairlink_relay_forwards_total",
			Help: "Messages forwarded through the relay, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.Rooms, m.Connections, m.Forwards)
	return m
}
