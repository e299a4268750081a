package routeselect

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
)

type stubEscaper struct{ name nodename.Name }

func (s stubEscaper) Name() nodename.Name { return s.name }
func (s stubEscaper) TcpSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	return nil, &escaper.TcpConnectError{Kind: escaper.EscaperNotUsable, Reason: s.name.String()}
}
func (s stubEscaper) TlsSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	return nil, nil
}
func (s stubEscaper) UdpSetup(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return nil, nil
}
func (s stubEscaper) UdpRelay(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return nil, nil
}
func (s stubEscaper) NewHttpForwardContext() escaper.HttpForwardContext { return nil }
func (s stubEscaper) Publish(data []byte) *escaper.TcpConnectError      { return nil }

func mkRegistry(names ...string) *escaper.Registry {
	reg := escaper.NewRegistry()
	for _, n := range names {
		reg.Register(stubEscaper{name: nodename.New(n)})
	}
	return reg
}

func TestSelectRoutesByUser(t *testing.T) {
	reg := mkRegistry("vip-egress", "default-egress")
	r := NewSelect(nodename.New("sel"), map[string]nodename.Name{"alice": nodename.New("vip-egress")}, nodename.New("default-egress"), reg)

	notes := escaper.NewTaskNotes(nil, nil, "alice")
	_, cerr := r.TcpSetup(context.Background(), &escaper.TaskConf{}, &escaper.TCPNotes{}, notes, &escaper.TaskStats{}, nil)
	require.Equal(t, "vip-egress", cerr.Reason)

	notes2 := escaper.NewTaskNotes(nil, nil, "bob")
	_, cerr2 := r.TcpSetup(context.Background(), &escaper.TaskConf{}, &escaper.TCPNotes{}, notes2, &escaper.TaskStats{}, nil)
	require.Equal(t, "default-egress", cerr2.Reason)
}

func TestMappingRoutesByProxyHint(t *testing.T) {
	reg := mkRegistry("ftp-egress")
	r := NewMapping(nodename.New("map"), map[string]nodename.Name{"ftp": nodename.New("ftp-egress")}, nodename.Name{}, reg)

	notes := escaper.NewTaskNotes(nil, nil, "")
	_, cerr := r.TcpSetup(context.Background(), &escaper.TaskConf{ProxyHint: "ftp"}, &escaper.TCPNotes{}, notes, &escaper.TaskStats{}, nil)
	require.Equal(t, "ftp-egress", cerr.Reason)
}

type fakeQuerier struct{ result string }

func (f fakeQuerier) Query(ctx context.Context, host string) (string, error) { return f.result, nil }

func TestQueryRoutesByExternalFingerprint(t *testing.T) {
	reg := mkRegistry("policy-a")
	r := NewQuery(nodename.New("q"), fakeQuerier{result: "a"}, map[string]nodename.Name{"a": nodename.New("policy-a")}, nodename.Name{}, reg)

	notes := escaper.NewTaskNotes(nil, nil, "")
	_, cerr := r.TcpSetup(context.Background(), &escaper.TaskConf{TargetHost: "example.com"}, &escaper.TCPNotes{}, notes, &escaper.TaskStats{}, nil)
	require.Equal(t, "policy-a", cerr.Reason)
}

func TestResolvedRoutesByCIDR(t *testing.T) {
	reg := mkRegistry("internal-egress")
	cidrs := NewCIDRTable()
	cidrs.Add(netip.MustParsePrefix("10.0.0.0/8"), "internal")

	r := NewResolved(nodename.New("res"), nil, cidrs, map[string]nodename.Name{"internal": nodename.New("internal-egress")}, nodename.Name{}, reg)

	notes := escaper.NewTaskNotes(nil, nil, "")
	_, cerr := r.TcpSetup(context.Background(), &escaper.TaskConf{TargetHost: "10.1.2.3"}, &escaper.TCPNotes{}, notes, &escaper.TaskStats{}, nil)
	require.Equal(t, "internal-egress", cerr.Reason)
}

func TestUpstreamStickyHashing(t *testing.T) {
	reg := mkRegistry("c1", "c2", "c3")
	r := NewUpstream(nodename.New("up"), []nodename.Name{nodename.New("c1"), nodename.New("c2"), nodename.New("c3")}, reg)

	notes := escaper.NewTaskNotes(nil, nil, "")
	_, cerr1 := r.TcpSetup(context.Background(), &escaper.TaskConf{TargetHost: "fixed.example.com", TargetPort: 443}, &escaper.TCPNotes{}, notes, &escaper.TaskStats{}, nil)
	_, cerr2 := r.TcpSetup(context.Background(), &escaper.TaskConf{TargetHost: "fixed.example.com", TargetPort: 443}, &escaper.TCPNotes{}, notes, &escaper.TaskStats{}, nil)
	require.Equal(t, cerr1.Reason, cerr2.Reason, "same upstream must stick to same child")
}
