package admin

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nabbar/edgeproxy/config"
	"github.com/nabbar/edgeproxy/tenant"
)

func newTestNode() *Node {
	mgr := config.NewManager()
	tm := tenant.NewManager()
	tm.AddTenant(tenant.Config{ID: "acme", Enabled: true})
	return &Node{Manager: mgr, Tenants: tm}
}

func TestReloadCommandRunsManagerReload(t *testing.T) {
	n := newTestNode()
	root := NewRootCommand(n)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"reload"})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "reload complete")
}

func TestOfflineCommandDisablesTenant(t *testing.T) {
	n := newTestNode()
	root := NewRootCommand(n)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"offline", "--tenant", "acme"})

	require.NoError(t, root.Execute())
	cfg, ok := n.Tenants.Get("acme")
	require.True(t, ok)
	require.False(t, cfg.Enabled)
}

func TestOfflineCommandRequiresTenantFlag(t *testing.T) {
	n := newTestNode()
	root := NewRootCommand(n)
	root.SetArgs([]string{"offline"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	err := root.Execute()
	require.Error(t, err)
}

func TestGetStatsCommandPrintsTenantLine(t *testing.T) {
	n := newTestNode()
	root := NewRootCommand(n)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"get-stats", "acme"})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "acme: enabled=true")
}

func TestPublishUserGroupRequiresFleetBroadcaster(t *testing.T) {
	n := newTestNode()
	root := NewRootCommand(n)
	root.SetArgs([]string{"publish-user-group", "--group", "eng"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no fleet broadcaster")
}
