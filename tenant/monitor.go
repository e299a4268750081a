package tenant

import (
	"context"
	"sync"
	"time"
)

// Event identifies what a ResourceMonitor listener is being notified about.
type Event int

const (
	EventThresholdExceeded Event = iota
	EventLimitViolated
	EventTenantDisabled
	EventTenantReEnabled
	EventStatsUpdated
)

// Notification carries one monitor event for one tenant.
type Notification struct {
	Event      Event
	TenantID   string
	Violations []Violation
}

// Listener receives ResourceMonitor notifications. Implementations must
// return quickly; Notify is called synchronously from the poll loop.
type Listener interface {
	Notify(Notification)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Notification)

func (f ListenerFunc) Notify(n Notification) { f(n) }

// UsageSource supplies the latest observed Usage for a tenant ID, e.g. by
// reading live counters off the server runtime. ok is false if the tenant
// has no current observation (nothing to report this tick).
type UsageSource func(tenantID string) (Usage, bool)

// MonitorConfig configures a ResourceMonitor's poll loop.
type MonitorConfig struct {
	MonitoringInterval       time.Duration
	MaxViolationsBeforeAction int
	Source                    UsageSource
}

// ResourceMonitor polls every tenant's usage on MonitoringInterval, folds
// it into the Manager (EWMA-smoothing per-request counters, last-observed
// for snapshots), checks for violations, and disables a tenant once it
// accumulates MaxViolationsBeforeAction distinct violations. The polling
// shape generalizes a single-listener health-check loop to a per-tenant
// resource-usage scorecard.
type ResourceMonitor struct {
	mgr *Manager
	cfg MonitorConfig

	mu        sync.RWMutex
	listeners []Listener

	cancel context.CancelFunc
	done   chan struct{}
}

func NewResourceMonitor(mgr *Manager, cfg MonitorConfig) *ResourceMonitor {
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = 10 * time.Second
	}
	if cfg.MaxViolationsBeforeAction <= 0 {
		cfg.MaxViolationsBeforeAction = 3
	}
	return &ResourceMonitor{mgr: mgr, cfg: cfg}
}

func (m *ResourceMonitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *ResourceMonitor) notify(n Notification) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		l.Notify(n)
	}
}

// Start begins polling in a background goroutine; Stop or ctx cancellation
// ends it.
func (m *ResourceMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.MonitoringInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pollOnce()
			}
		}
	}()
}

func (m *ResourceMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *ResourceMonitor) pollOnce() {
	if m.cfg.Source == nil {
		return
	}

	m.mgr.mu.RLock()
	ids := make([]string, 0, len(m.mgr.tenants))
	for id := range m.mgr.tenants {
		ids = append(ids, id)
	}
	m.mgr.mu.RUnlock()

	for _, id := range ids {
		observed, ok := m.cfg.Source(id)
		if !ok {
			continue
		}
		if err := m.mgr.UpdateResourceUsage(id, observed); err != nil {
			continue
		}
		m.notify(Notification{Event: EventStatsUpdated, TenantID: id})

		violations, err := m.mgr.CheckResourceViolations(id)
		if err != nil || len(violations) == 0 {
			continue
		}

		for _, v := range violations {
			if v.Severity >= SeverityHigh {
				m.notify(Notification{Event: EventThresholdExceeded, TenantID: id, Violations: []Violation{v}})
			}
		}
		m.notify(Notification{Event: EventLimitViolated, TenantID: id, Violations: violations})

		if m.mgr.ViolationCount(id) >= m.cfg.MaxViolationsBeforeAction {
			cfg, ok := m.mgr.Get(id)
			if ok && cfg.Enabled {
				if err := m.mgr.Disable(id); err == nil {
					m.notify(Notification{Event: EventTenantDisabled, TenantID: id})
				}
			}
		}
	}
}

// ReEnable re-enables a disabled tenant and notifies listeners.
func (m *ResourceMonitor) ReEnable(id string) error {
	if err := m.mgr.Enable(id); err != nil {
		return err
	}
	m.notify(Notification{Event: EventTenantReEnabled, TenantID: id})
	return nil
}
