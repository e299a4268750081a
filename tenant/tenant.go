// Package tenant implements per-tenant resource limits, a usage monitor
// that polls on an interval and derives violation severity, and
// disable-after-N-violations enforcement. The tenant table and each
// tenant's tracked Usage are guarded by a single sync.RWMutex per Manager
// rather than per-field atomics, since reads and writes both touch several
// Usage fields together (EWMA smoothing needs the old and new value in the
// same critical section).
package tenant

import (
	"errors"
	"sync"
	"time"
)

// ResourceType enumerates the resources a tenant's limits constrain.
type ResourceType int

const (
	ResourceConnections ResourceType = iota
	ResourceBandwidthBps
	ResourceRequestsPerSecond
	ResourceMemoryBytes
	ResourceCPUPercentage
	ResourceServers
	ResourceCertificates
	ResourceLogRetentionDays
	ResourceAuditLogSize
)

func (r ResourceType) String() string {
	switch r {
	case ResourceConnections:
		return "connections"
	case ResourceBandwidthBps:
		return "bandwidth_bps"
	case ResourceRequestsPerSecond:
		return "requests_per_second"
	case ResourceMemoryBytes:
		return "memory_bytes"
	case ResourceCPUPercentage:
		return "cpu_percentage"
	case ResourceServers:
		return "servers"
	case ResourceCertificates:
		return "certificates"
	case ResourceLogRetentionDays:
		return "log_retention_days"
	case ResourceAuditLogSize:
		return "audit_log_size"
	default:
		return "unknown"
	}
}

// Severity is derived from how far current exceeds limit.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func severityFor(current, limit float64) Severity {
	if limit <= 0 || current <= limit {
		return SeverityNone
	}
	over := (current - limit) / limit
	switch {
	case over >= 0.50:
		return SeverityCritical
	case over >= 0.25:
		return SeverityHigh
	case over >= 0.10:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ResourceLimits is a tenant's configured per-resource ceilings.
type ResourceLimits struct {
	MaxConnections        float64
	MaxBandwidthBps        float64
	MaxRequestsPerSecond   float64
	MaxMemoryBytes         float64
	MaxCPUPercentage       float64
	MaxServers             float64
	MaxCertificates        float64
	MaxLogRetentionDays    float64
	MaxAuditLogSize        float64
}

func (l ResourceLimits) limitFor(r ResourceType) float64 {
	switch r {
	case ResourceConnections:
		return l.MaxConnections
	case ResourceBandwidthBps:
		return l.MaxBandwidthBps
	case ResourceRequestsPerSecond:
		return l.MaxRequestsPerSecond
	case ResourceMemoryBytes:
		return l.MaxMemoryBytes
	case ResourceCPUPercentage:
		return l.MaxCPUPercentage
	case ResourceServers:
		return l.MaxServers
	case ResourceCertificates:
		return l.MaxCertificates
	case ResourceLogRetentionDays:
		return l.MaxLogRetentionDays
	case ResourceAuditLogSize:
		return l.MaxAuditLogSize
	default:
		return 0
	}
}

// Violation records a single resource ceiling being exceeded.
type Violation struct {
	TenantID     string
	ResourceType ResourceType
	Current      float64
	Limit        float64
	Severity     Severity
	DetectedAt   time.Time
}

// Config is a tenant's identity, enablement state, and resource limits.
type Config struct {
	ID      string
	Name    string
	Enabled bool
	Limits  ResourceLimits
}

// Usage holds a tenant's current resource consumption, one field per
// ResourceType. Per-request fields (here RequestsPerSecond) are
// EWMA-smoothed by ResourceMonitor between polls; per-interval fields are
// last-observed (see DESIGN.md's Open Question log for the rationale).
type Usage struct {
	Connections      float64
	BandwidthBps      float64
	RequestsPerSecond float64
	MemoryBytes       float64
	CPUPercentage     float64
	Servers           float64
	Certificates      float64
	LogRetentionDays  float64
	AuditLogSize      float64
	LastUpdated       time.Time
}

func (u Usage) valueFor(r ResourceType) float64 {
	switch r {
	case ResourceConnections:
		return u.Connections
	case ResourceBandwidthBps:
		return u.BandwidthBps
	case ResourceRequestsPerSecond:
		return u.RequestsPerSecond
	case ResourceMemoryBytes:
		return u.MemoryBytes
	case ResourceCPUPercentage:
		return u.CPUPercentage
	case ResourceServers:
		return u.Servers
	case ResourceCertificates:
		return u.Certificates
	case ResourceLogRetentionDays:
		return u.LogRetentionDays
	case ResourceAuditLogSize:
		return u.AuditLogSize
	default:
		return 0
	}
}

var ErrNoSuchTenant = errors.New("tenant: no such tenant")
var ErrTenantDisabled = errors.New("tenant: tenant is disabled")

// perRequestResources lists the Usage fields ResourceMonitor EWMA-smooths
// between polls (see DESIGN.md); every other field is last-observed.
var perRequestResources = map[ResourceType]bool{
	ResourceRequestsPerSecond: true,
}

type tenantState struct {
	cfg        Config
	usage      Usage
	violations []Violation
}

// Manager owns the tenant set: add/remove/update, usage ingestion, and
// violation checking. It is the narrow CRUD surface; ResourceMonitor
// (monitor.go) owns the polling loop and disable-on-threshold behavior.
type Manager struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState
	store   *Store
}

func NewManager() *Manager {
	return &Manager{tenants: make(map[string]*tenantState)}
}

// AttachStore wires a durable Store: every subsequent AddTenant, UpdateTenant,
// RemoveTenant and CheckResourceViolations call also persists. It does not
// retroactively persist tenants already added; call LoadTenants yourself
// and AddTenant each one if you need to seed a Manager from disk.
func (m *Manager) AttachStore(s *Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = s
}

func (m *Manager) AddTenant(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[cfg.ID] = &tenantState{cfg: cfg}
	if m.store != nil {
		_ = m.store.SaveTenant(cfg)
	}
}

func (m *Manager) RemoveTenant(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, id)
	if m.store != nil {
		_ = m.store.DeleteTenant(id)
	}
}

// UpdateTenant applies updates to the existing config, returning
// ErrNoSuchTenant if id is unknown.
func (m *Manager) UpdateTenant(id string, updates func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNoSuchTenant
	}
	updates(&t.cfg)
	if m.store != nil {
		_ = m.store.SaveTenant(t.cfg)
	}
	return nil
}

func (m *Manager) Get(id string) (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Config{}, false
	}
	return t.cfg, true
}

// UpdateResourceUsage folds observed into the tenant's tracked Usage:
// per-request resources are EWMA-smoothed (smoothing=0.3), everything
// else is replaced outright (last-observed).
func (m *Manager) UpdateResourceUsage(id string, observed Usage) error {
	const smoothing = 0.3

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNoSuchTenant
	}

	if perRequestResources[ResourceRequestsPerSecond] {
		t.usage.RequestsPerSecond = smoothing*observed.RequestsPerSecond + (1-smoothing)*t.usage.RequestsPerSecond
	}
	t.usage.Connections = observed.Connections
	t.usage.BandwidthBps = observed.BandwidthBps
	t.usage.MemoryBytes = observed.MemoryBytes
	t.usage.CPUPercentage = observed.CPUPercentage
	t.usage.Servers = observed.Servers
	t.usage.Certificates = observed.Certificates
	t.usage.LogRetentionDays = observed.LogRetentionDays
	t.usage.AuditLogSize = observed.AuditLogSize
	t.usage.LastUpdated = time.Now()
	return nil
}

// CheckResourceViolations compares every tracked usage field against its
// limit, appending a Violation for every field currently over budget and
// returning the newly detected ones.
func (m *Manager) CheckResourceViolations(id string) ([]Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNoSuchTenant
	}

	var fresh []Violation
	for _, r := range allResourceTypes {
		limit := t.cfg.Limits.limitFor(r)
		current := t.usage.valueFor(r)
		sev := severityFor(current, limit)
		if sev == SeverityNone {
			continue
		}
		v := Violation{TenantID: id, ResourceType: r, Current: current, Limit: limit, Severity: sev, DetectedAt: time.Now()}
		t.violations = append(t.violations, v)
		fresh = append(fresh, v)
		if m.store != nil {
			_ = m.store.RecordViolation(v)
		}
	}
	return fresh, nil
}

// Disable sets enabled=false, halting new admissions until re-enabled.
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNoSuchTenant
	}
	t.cfg.Enabled = false
	if m.store != nil {
		_ = m.store.SaveTenant(t.cfg)
	}
	return nil
}

func (m *Manager) Enable(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNoSuchTenant
	}
	t.cfg.Enabled = true
	if m.store != nil {
		_ = m.store.SaveTenant(t.cfg)
	}
	return nil
}

// IsAdmissible reports whether a new session may be admitted for id:
// false for an unknown or disabled tenant.
func (m *Manager) IsAdmissible(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	return ok && t.cfg.Enabled
}

func (m *Manager) ViolationCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return 0
	}
	return len(t.violations)
}

var allResourceTypes = []ResourceType{
	ResourceConnections, ResourceBandwidthBps, ResourceRequestsPerSecond,
	ResourceMemoryBytes, ResourceCPUPercentage, ResourceServers,
	ResourceCertificates, ResourceLogRetentionDays, ResourceAuditLogSize,
}
