package tenant

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSaveAndLoadTenantRoundTrips(t *testing.T) {
	s := newTestStore(t)
	cfg := Config{ID: "acme", Name: "Acme Corp", Enabled: true, Limits: ResourceLimits{MaxConnections: 100}}
	require.NoError(t, s.SaveTenant(cfg))

	loaded, err := s.LoadTenants()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, cfg, loaded[0])
}

func TestStoreSaveTenantUpserts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTenant(Config{ID: "acme", Enabled: true}))
	require.NoError(t, s.SaveTenant(Config{ID: "acme", Enabled: false}))

	loaded, err := s.LoadTenants()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.False(t, loaded[0].Enabled)
}

func TestStoreDeleteTenantRemovesRow(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTenant(Config{ID: "acme"}))
	require.NoError(t, s.DeleteTenant("acme"))

	loaded, err := s.LoadTenants()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestStoreRecordAndListViolations(t *testing.T) {
	s := newTestStore(t)
	v := Violation{TenantID: "acme", ResourceType: ResourceConnections, Current: 150, Limit: 100, Severity: SeverityMedium}
	require.NoError(t, s.RecordViolation(v))

	got, err := s.ListViolations("acme")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, v.TenantID, got[0].TenantID)
	require.Equal(t, v.ResourceType, got[0].ResourceType)
	require.Equal(t, v.Severity, got[0].Severity)
}

func TestManagerAttachStorePersistsMutations(t *testing.T) {
	s := newTestStore(t)
	m := NewManager()
	m.AttachStore(s)

	m.AddTenant(Config{ID: "acme", Enabled: true})
	require.NoError(t, m.Disable("acme"))

	loaded, err := s.LoadTenants()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.False(t, loaded[0].Enabled)

	m.RemoveTenant("acme")
	loaded, err = s.LoadTenants()
	require.NoError(t, err)
	require.Empty(t, loaded)
}
