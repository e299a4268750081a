package serverrt

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes per-server accept-loop counters as Prometheus collectors,
// so the admin surface's /metrics endpoint can report accept/error counts
// without the server runtime owning its own exporter. Attach to a Server
// with SetMetrics; nil (the default) means the accept loop simply doesn't
// record anything.
type Metrics struct {
	accepted *prometheus.CounterVec
	failed   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_server_accepted_total",
			Help: "Connections accepted per server, by listener name and protocol.",
		}, []string{"server", "kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_server_accept_errors_total",
			Help: "Accept-loop errors per server, by listener name and protocol.",
		}, []string{"server", "kind"}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.accepted, m.failed}
}

func (m *Metrics) recordAccept(name string, kind Kind) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(name, kind.String()).Inc()
}

func (m *Metrics) recordAcceptError(name string, kind Kind) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(name, kind.String()).Inc()
}
