// Package metrics exposes the daemon's Prometheus instrumentation: a
// single struct of pre-registered gauge/counter fields built by one
// constructor, instead of scattering prometheus.MustRegister calls
// through the core packages.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "diod9p"

// Collector holds every metric the connection runtime and server report.
type Collector struct {
	ConnectionsOpen   prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	RequestsPending   prometheus.Gauge
	RequestsWorking   prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec // labeled by message type
	AuthFailuresTotal prometheus.Counter
	FlushesTotal      prometheus.Counter
}

// NewCollector builds a Collector and registers it against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_open",
			Help: "Number of currently open 9P connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Total 9P connections accepted since start.",
		}),
		RequestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests_pending",
			Help: "Requests queued but not yet dispatched to a worker.",
		}),
		RequestsWorking: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests_working",
			Help: "Requests currently dispatched to a worker.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Total requests accepted onto the pending queue, labeled by message type.",
		}, []string{"type"}),
		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_failures_total",
			Help: "Total Tattach calls rejected by the attach-time auth check.",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total",
			Help: "Total Tflush requests processed.",
		}),
	}

	reg.MustRegister(
		c.ConnectionsOpen, c.ConnectionsTotal,
		c.RequestsPending, c.RequestsWorking, c.RequestsTotal,
		c.AuthFailuresTotal, c.FlushesTotal,
	)
	return c
}
