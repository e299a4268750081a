// Package directfixed implements the direct-fixed escaper:
// bind-by-family dialing with happy-eyeballs resolution, optional egress IP
// ACL, proxy-protocol header emission and TLS session reuse counters.
package directfixed

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
	"github.com/nabbar/edgeproxy/resolver"
)

// Config is the static policy of a direct-fixed escaper.
type Config struct {
	BindV4         []net.IP
	BindV6         []net.IP
	EgressACL      func(netip.Addr) bool // nil == allow all
	Strategy       resolver.Strategy
	ResolveDelay   time.Duration
	DialTimeout    time.Duration
	SendProxyProto bool
}

type DirectFixed struct {
	name     nodename.Name
	cfg      Config
	res      *resolver.Resolver
	reuse    atomic.Int64
}

func New(name nodename.Name, cfg Config, res *resolver.Resolver) *DirectFixed {
	return &DirectFixed{name: name, cfg: cfg, res: res}
}

func (d *DirectFixed) Name() nodename.Name { return d.name }

func (d *DirectFixed) resolveAndDial(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes) (net.Conn, *escaper.TcpConnectError) {
	job, err := d.res.Resolve(ctx, tc.TargetHost, d.strategy(), resolver.PickBest)
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.ResolveFailed, Reason: "resolve failed", Err: err}
	}

	addrs, err := job.GetR1OrFirst(ctx, d.resolveDelay(), 4)
	if err != nil || len(addrs) == 0 {
		addrs, err = job.GetR2OrNever(ctx, 4)
		if err != nil || len(addrs) == 0 {
			return nil, &escaper.TcpConnectError{Kind: escaper.ResolveFailed, Reason: "no address resolved", Err: err}
		}
	}

	var lastErr error
	for _, a := range addrs {
		if d.cfg.EgressACL != nil && !d.cfg.EgressACL(a) {
			lastErr = fmt.Errorf("egress ACL denies %s", a)
			continue
		}

		local := d.localFor(a)
		dialer := &net.Dialer{Timeout: d.dialTimeout(), LocalAddr: local}
		addrPort := netip.AddrPortFrom(a, tc.TargetPort)

		conn, derr := dialer.DialContext(ctx, "tcp", addrPort.String())
		if derr != nil {
			lastErr = derr
			continue
		}

		tn.LocalAddr = conn.LocalAddr()
		tn.NextAddr = conn.RemoteAddr()

		if d.cfg.SendProxyProto {
			if werr := writeProxyProtoV1(conn, tn); werr != nil {
				_ = conn.Close()
				return nil, &escaper.TcpConnectError{Kind: escaper.ProxyProtocolWriteFailed, Reason: "proxy-protocol write failed", Err: werr}
			}
		}

		return conn, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no eligible upstream address")
	}
	return nil, &escaper.TcpConnectError{Kind: escaper.ConnectFailed, Reason: "connect failed", Err: lastErr}
}

func (d *DirectFixed) strategy() resolver.Strategy {
	if d.cfg.Strategy == 0 && len(d.cfg.BindV6) == 0 {
		return resolver.Ipv4Only
	}
	if d.cfg.Strategy != 0 {
		return d.cfg.Strategy
	}
	return resolver.Ipv4First
}

func (d *DirectFixed) resolveDelay() time.Duration {
	if d.cfg.ResolveDelay <= 0 {
		return 50 * time.Millisecond
	}
	return d.cfg.ResolveDelay
}

func (d *DirectFixed) dialTimeout() time.Duration {
	if d.cfg.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return d.cfg.DialTimeout
}

func (d *DirectFixed) localFor(a netip.Addr) net.Addr {
	if a.Is4() && len(d.cfg.BindV4) > 0 {
		return &net.TCPAddr{IP: d.cfg.BindV4[0]}
	}
	if a.Is6() && len(d.cfg.BindV6) > 0 {
		return &net.TCPAddr{IP: d.cfg.BindV6[0]}
	}
	return nil
}

func (d *DirectFixed) TcpSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	conn, cerr := d.resolveAndDial(ctx, tc, tn)
	if cerr != nil {
		return nil, cerr
	}
	return conn, nil
}

func (d *DirectFixed) TlsSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	conn, cerr := d.resolveAndDial(ctx, tc, tn)
	if cerr != nil {
		return nil, cerr
	}

	serverName := tc.ServerName
	if serverName == "" {
		serverName = tc.TargetHost
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
	deadline, ok := ctx.Deadline()
	if ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		kind := escaper.UpstreamTlsHandshakeFailed
		if ctx.Err() != nil {
			kind = escaper.UpstreamTlsHandshakeTimeout
		}
		return nil, &escaper.TcpConnectError{Kind: kind, Reason: "upstream tls handshake failed", Err: err}
	}
	if tlsConn.ConnectionState().DidResume {
		d.reuse.Add(1)
	}
	return tlsConn, nil
}

func (d *DirectFixed) UdpSetup(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.SetupSocketFailed, Reason: "udp setup failed", Err: err}
	}
	un.LocalAddr = pc.LocalAddr()
	return pc, nil
}

func (d *DirectFixed) UdpRelay(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return d.UdpSetup(ctx, tc, un, notes, stats)
}

func (d *DirectFixed) NewHttpForwardContext() escaper.HttpForwardContext {
	return directHttpForwardContext{d: d}
}

func (d *DirectFixed) Publish([]byte) *escaper.TcpConnectError {
	return &escaper.TcpConnectError{Kind: escaper.MethodUnavailable, Reason: "direct-fixed has no publishable surface"}
}

// ReuseCount reports the number of TLS sessions resumed against upstreams,
// surfaced on the admin stats surface.
func (d *DirectFixed) ReuseCount() int64 { return d.reuse.Load() }

type directHttpForwardContext struct{ d *DirectFixed }

func (c directHttpForwardContext) MakeNewHttpConnection(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes, stats *escaper.TaskStats) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	tn := &escaper.TCPNotes{}
	if tc.UseTLS {
		return c.d.TlsSetup(ctx, tc, tn, notes, stats, nil)
	}
	return c.d.TcpSetup(ctx, tc, tn, notes, stats, nil)
}

// writeProxyProtoV1 emits a PROXY protocol v1 header ahead of the payload.
func writeProxyProtoV1(conn net.Conn, tn *escaper.TCPNotes) error {
	local, lok := tn.LocalAddr.(*net.TCPAddr)
	next, nok := tn.NextAddr.(*net.TCPAddr)
	if !lok || !nok {
		return fmt.Errorf("proxy-protocol: non-TCP endpoint")
	}
	fam := "TCP4"
	if local.IP.To4() == nil {
		fam = "TCP6"
	}
	header := fmt.Sprintf("PROXY %s %s %s %d %d\r\n", fam, local.IP.String(), next.IP.String(), local.Port, next.Port)
	_, err := io.WriteString(conn, header)
	return err
}
