package routegeoip

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

type stubEscaper struct {
	name nodename.Name
}

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

func TestLongestPrefixMatchPrefersMoreSpecific(t *testing.T) {
	tbl := NewTable()
	tbl.Load([]CountryEntry{
		{Prefix: netip.MustParsePrefix("203.0.0.0/8"), Country: "XX", Continent: ContinentAsia},
		{Prefix: netip.MustParsePrefix("203.0.113.0/24"), Country: "JP", Continent: ContinentAsia},
	})

	entry, ok := tbl.Lookup(netip.MustParseAddr("203.0.113.42"))
	require.True(t, ok)
	require.Equal(t, "JP", entry.Country)

	entry, ok = tbl.Lookup(netip.MustParseAddr("203.5.5.5"))
	require.True(t, ok)
	require.Equal(t, "XX", entry.Country)
}

func TestLookupMissFallsThroughToDefault(t *testing.T) {
	tbl := NewTable()
	tbl.Load([]CountryEntry{{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Country: "US", Continent: ContinentNorthAmerica}})

	reg := escaper.NewRegistry()
	reg.Register(stubEscaper{name: nodename.New("default-egress")})

	r := New(nodename.New("geo"), Config{
		Table:   tbl,
		Default: nodename.New("default-egress"),
	}, reg)

	_, cerr := r.TcpSetup(context.Background(), &escaper.TaskConf{TargetHost: "198.51.100.7"}, &escaper.TCPNotes{}, escaper.NewTaskNotes(nil, nil, ""), &escaper.TaskStats{}, nil)
	require.NotNil(t, cerr)
	require.Equal(t, "default-egress", cerr.Reason)
}

func TestUnregisteredChildIsRejected(t *testing.T) {
	reg := escaper.NewRegistry()
	r := New(nodename.New("geo"), Config{Default: nodename.New("missing")}, reg)

	_, cerr := r.TcpSetup(context.Background(), &escaper.TaskConf{TargetHost: "203.0.113.1"}, &escaper.TCPNotes{}, escaper.NewTaskNotes(nil, nil, ""), &escaper.TaskStats{}, nil)
	require.NotNil(t, cerr)
	require.Equal(t, escaper.EscaperNotUsable, cerr.Kind)
}
