package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay collectors on a private registry so several relays
// can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients prometheus.Gauge
	Rooms            prometheus.Gauge
	Events           *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	Panics           prometheus.Counter
}

// NewMetrics creates and registers the relay collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docsync",
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "Websocket clients currently connected.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docsync",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Documents with at least one joined client.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsync",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Inbound client events by name.",
		}, []string{"event"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsync",
			Subsystem: "relay",
			Name:      "errors_total",
			Help:      "Error replies sent to clients by code.",
		}, []string{"code"}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsync",
			Subsystem: "relay",
			Name:      "handler_panics_total",
			Help:      "Recovered panics in event handlers.",
		}),
	}
	m.registry.MustRegister(
		m.ConnectedClients,
		m.Rooms,
		m.Events,
		m.Errors,
		m.Panics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
