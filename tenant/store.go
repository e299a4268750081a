package tenant

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// tenantRecord is the gorm row shape for a persisted Config.
type tenantRecord struct {
	ID                   string `gorm:"primaryKey"`
	Name                 string
	Enabled              bool
	MaxConnections       float64
	MaxBandwidthBps      float64
	MaxRequestsPerSecond float64
	MaxMemoryBytes       float64
	MaxCPUPercentage     float64
	MaxServers           float64
	MaxCertificates      float64
	MaxLogRetentionDays  float64
	MaxAuditLogSize      float64
}

func (tenantRecord) TableName() string { return "tenants" }

func (r tenantRecord) toConfig() Config {
	return Config{
		ID:      r.ID,
		Name:    r.Name,
		Enabled: r.Enabled,
		Limits: ResourceLimits{
			MaxConnections:       r.MaxConnections,
			MaxBandwidthBps:      r.MaxBandwidthBps,
			MaxRequestsPerSecond: r.MaxRequestsPerSecond,
			MaxMemoryBytes:       r.MaxMemoryBytes,
			MaxCPUPercentage:     r.MaxCPUPercentage,
			MaxServers:           r.MaxServers,
			MaxCertificates:      r.MaxCertificates,
			MaxLogRetentionDays:  r.MaxLogRetentionDays,
			MaxAuditLogSize:      r.MaxAuditLogSize,
		},
	}
}

func recordFromConfig(cfg Config) tenantRecord {
	return tenantRecord{
		ID: cfg.ID, Name: cfg.Name, Enabled: cfg.Enabled,
		MaxConnections:       cfg.Limits.MaxConnections,
		MaxBandwidthBps:      cfg.Limits.MaxBandwidthBps,
		MaxRequestsPerSecond: cfg.Limits.MaxRequestsPerSecond,
		MaxMemoryBytes:       cfg.Limits.MaxMemoryBytes,
		MaxCPUPercentage:     cfg.Limits.MaxCPUPercentage,
		MaxServers:           cfg.Limits.MaxServers,
		MaxCertificates:      cfg.Limits.MaxCertificates,
		MaxLogRetentionDays:  cfg.Limits.MaxLogRetentionDays,
		MaxAuditLogSize:      cfg.Limits.MaxAuditLogSize,
	}
}

// violationRecord is the gorm row shape for one logged Violation.
type violationRecord struct {
	ID           uint `gorm:"primaryKey"`
	TenantID     string
	ResourceType int
	Current      float64
	Limit        float64
	Severity     int
	DetectedAt   time.Time
}

func (violationRecord) TableName() string { return "tenant_violations" }

// Store is the durable backing for tenant configuration and its violation
// log, so both survive a daemon restart instead of needing a fresh
// add_tenant replay from the fleet control plane on every boot. It follows
// gorm's documented AutoMigrate + CRUD pattern over a small embedded sqlite
// file (see DESIGN.md).
type Store struct {
	db *gorm.DB
}

// NewStore opens (creating if absent) a sqlite-backed Store at path and
// migrates its schema.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("tenant: opening store at %s: %w", path, err)
	}
	if err := db.AutoMigrate(&tenantRecord{}, &violationRecord{}); err != nil {
		return nil, fmt.Errorf("tenant: migrating store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveTenant upserts cfg's row.
func (s *Store) SaveTenant(cfg Config) error {
	rec := recordFromConfig(cfg)
	return s.db.Save(&rec).Error
}

// DeleteTenant removes id's row, if present.
func (s *Store) DeleteTenant(id string) error {
	return s.db.Delete(&tenantRecord{}, "id = ?", id).Error
}

// LoadTenants returns every persisted tenant Config, e.g. to seed a fresh
// Manager at startup before the config file's own tenant section is
// applied on top.
func (s *Store) LoadTenants() ([]Config, error) {
	var recs []tenantRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, err
	}
	cfgs := make([]Config, 0, len(recs))
	for _, r := range recs {
		cfgs = append(cfgs, r.toConfig())
	}
	return cfgs, nil
}

// RecordViolation appends one Violation to the durable log.
func (s *Store) RecordViolation(v Violation) error {
	rec := violationRecord{
		TenantID: v.TenantID, ResourceType: int(v.ResourceType),
		Current: v.Current, Limit: v.Limit, Severity: int(v.Severity), DetectedAt: v.DetectedAt,
	}
	return s.db.Create(&rec).Error
}

// ListViolations returns tenantID's persisted violation history, oldest
// first.
func (s *Store) ListViolations(tenantID string) ([]Violation, error) {
	var recs []violationRecord
	if err := s.db.Where("tenant_id = ?", tenantID).Order("detected_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Violation, 0, len(recs))
	for _, r := range recs {
		out = append(out, Violation{
			TenantID: r.TenantID, ResourceType: ResourceType(r.ResourceType),
			Current: r.Current, Limit: r.Limit, Severity: Severity(r.Severity), DetectedAt: r.DetectedAt,
		})
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
