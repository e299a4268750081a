package tenant

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the ResourceMonitor's per-tenant counters as Prometheus
// collectors, so the admin surface's /metrics endpoint carries
// edgeproxy_tenant_violations_total (labelled by tenant and resource) and
// the threshold, disable and stats-update counters below without an
// external StatsD collaborator. Register it with a *prometheus.Registry and wire it as a
// ResourceMonitor Listener via ListenerFunc(m.Notify).
type Metrics struct {
	violations    *prometheus.CounterVec
	thresholdHits *prometheus.CounterVec
	disables      *prometheus.CounterVec
	statsUpdates  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_tenant_violations_total",
			Help: "Resource limit violations detected per tenant, by resource type.",
		}, []string{"tenant", "resource"}),
		thresholdHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_tenant_threshold_exceeded_total",
			Help: "High/critical severity violations per tenant.",
		}, []string{"tenant"}),
		disables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_tenant_disabled_total",
			Help: "Times a tenant was disabled for repeated violations.",
		}, []string{"tenant"}),
		statsUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_tenant_stats_updates_total",
			Help: "Usage poll cycles recorded per tenant.",
		}, []string{"tenant"}),
	}
}

// Collectors returns every collector for registration against a
// prometheus.Registry (prometheus.Registerer.MustRegister(m.Collectors()...)).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.violations, m.thresholdHits, m.disables, m.statsUpdates}
}

// Notify implements Listener, folding ResourceMonitor notifications into
// the counters above.
func (m *Metrics) Notify(n Notification) {
	switch n.Event {
	case EventStatsUpdated:
		m.statsUpdates.WithLabelValues(n.TenantID).Inc()
	case EventLimitViolated:
		for _, v := range n.Violations {
			m.violations.WithLabelValues(n.TenantID, v.ResourceType.String()).Inc()
		}
	case EventThresholdExceeded:
		m.thresholdHits.WithLabelValues(n.TenantID).Inc()
	case EventTenantDisabled:
		m.disables.WithLabelValues(n.TenantID).Inc()
	}
}
