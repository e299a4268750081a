package tenant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeverityForThresholds(t *testing.T) {
	require.Equal(t, SeverityNone, severityFor(80, 100))
	require.Equal(t, SeverityLow, severityFor(105, 100))
	require.Equal(t, SeverityHigh, severityFor(130, 100))
	require.Equal(t, SeverityCritical, severityFor(160, 100))
	require.Equal(t, SeverityCritical, severityFor(200, 100))
}

func TestUpdateResourceUsageSmoothsPerRequestCounters(t *testing.T) {
	m := NewManager()
	m.AddTenant(Config{ID: "t1", Enabled: true, Limits: ResourceLimits{MaxRequestsPerSecond: 1000}})

	require.NoError(t, m.UpdateResourceUsage("t1", Usage{RequestsPerSecond: 100}))
	cfg, ok := m.Get("t1")
	require.True(t, ok)
	_ = cfg

	m.mu.RLock()
	first := m.tenants["t1"].usage.RequestsPerSecond
	m.mu.RUnlock()
	require.InDelta(t, 30.0, first, 0.001) // 0.3*100 + 0.7*0

	require.NoError(t, m.UpdateResourceUsage("t1", Usage{RequestsPerSecond: 100}))
	m.mu.RLock()
	second := m.tenants["t1"].usage.RequestsPerSecond
	m.mu.RUnlock()
	require.InDelta(t, 51.0, second, 0.001) // 0.3*100 + 0.7*30
}

func TestUpdateResourceUsageLastObservedForSnapshotCounters(t *testing.T) {
	m := NewManager()
	m.AddTenant(Config{ID: "t1", Enabled: true})

	require.NoError(t, m.UpdateResourceUsage("t1", Usage{Connections: 5}))
	require.NoError(t, m.UpdateResourceUsage("t1", Usage{Connections: 9}))

	m.mu.RLock()
	got := m.tenants["t1"].usage.Connections
	m.mu.RUnlock()
	require.Equal(t, 9.0, got)
}

func TestCheckResourceViolationsReportsOverBudgetFields(t *testing.T) {
	m := NewManager()
	m.AddTenant(Config{ID: "t1", Enabled: true, Limits: ResourceLimits{MaxConnections: 10}})
	require.NoError(t, m.UpdateResourceUsage("t1", Usage{Connections: 21}))

	violations, err := m.CheckResourceViolations("t1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, ResourceConnections, violations[0].ResourceType)
	require.Equal(t, SeverityCritical, violations[0].Severity)
}

func TestUnknownTenantOperationsReturnErrNoSuchTenant(t *testing.T) {
	m := NewManager()

	_, err := m.CheckResourceViolations("missing")
	require.ErrorIs(t, err, ErrNoSuchTenant)

	err = m.UpdateResourceUsage("missing", Usage{})
	require.ErrorIs(t, err, ErrNoSuchTenant)

	err = m.Disable("missing")
	require.ErrorIs(t, err, ErrNoSuchTenant)
}

func TestIsAdmissibleReflectsEnabledState(t *testing.T) {
	m := NewManager()
	m.AddTenant(Config{ID: "t1", Enabled: true})
	require.True(t, m.IsAdmissible("t1"))

	require.NoError(t, m.Disable("t1"))
	require.False(t, m.IsAdmissible("t1"))

	require.False(t, m.IsAdmissible("no-such-tenant"))
}

type recordingListener struct {
	mu    sync.Mutex
	notes []Notification
}

func (l *recordingListener) Notify(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = append(l.notes, n)
}

func (l *recordingListener) snapshot() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Notification, len(l.notes))
	copy(out, l.notes)
	return out
}

func TestResourceMonitorDisablesTenantAfterRepeatedViolations(t *testing.T) {
	m := NewManager()
	m.AddTenant(Config{ID: "t1", Enabled: true, Limits: ResourceLimits{MaxConnections: 10}})

	source := func(id string) (Usage, bool) {
		if id != "t1" {
			return Usage{}, false
		}
		return Usage{Connections: 50}, true
	}

	mon := NewResourceMonitor(m, MonitorConfig{
		MonitoringInterval:        10 * time.Millisecond,
		MaxViolationsBeforeAction: 2,
		Source:                    source,
	})
	rec := &recordingListener{}
	mon.AddListener(rec)

	ctx, cancel := context.WithCancel(context.Background())
	mon.Start(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		cfg, ok := m.Get("t1")
		return ok && !cfg.Enabled
	}, time.Second, 5*time.Millisecond)

	mon.Stop()

	var sawDisabled bool
	for _, n := range rec.snapshot() {
		if n.Event == EventTenantDisabled {
			sawDisabled = true
		}
	}
	require.True(t, sawDisabled)
}

func TestResourceMonitorReEnableNotifiesListeners(t *testing.T) {
	m := NewManager()
	m.AddTenant(Config{ID: "t1", Enabled: false})

	mon := NewResourceMonitor(m, MonitorConfig{})
	rec := &recordingListener{}
	mon.AddListener(rec)

	require.NoError(t, mon.ReEnable("t1"))
	cfg, ok := m.Get("t1")
	require.True(t, ok)
	require.True(t, cfg.Enabled)

	notes := rec.snapshot()
	require.Len(t, notes, 1)
	require.Equal(t, EventTenantReEnabled, notes[0].Event)
}
