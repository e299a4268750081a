// Package proxyhttp implements the proxy-http/proxy-https escaper: forwarding
// through an upstream HTTP(S) proxy chosen from a weighted pool by
// CONNECT-tunnelling. Every TCP, TLS and HTTP-forward setup opens a CONNECT
// tunnel; plain forwarding by rewriting the request line is not implemented.
package proxyhttp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/idna"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
)

// Config is the static policy of a proxy-http escaper.
type Config struct {
	Peers       []escaper.Peer
	Policy      escaper.PickPolicy
	UpstreamTLS bool // dial the chain proxy itself over TLS
	ProxyAuth   string // "user:pass", empty for none
	DialTimeout time.Duration
}

type ProxyHTTP struct {
	name   nodename.Name
	cfg    Config
	picker *escaper.Picker
	picks  atomic.Int64
}

func New(name nodename.Name, cfg Config) *ProxyHTTP {
	return &ProxyHTTP{name: name, cfg: cfg, picker: escaper.NewPicker(cfg.Policy, cfg.Peers)}
}

func (p *ProxyHTTP) Name() nodename.Name { return p.name }

func (p *ProxyHTTP) dialTimeout() time.Duration {
	if p.cfg.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return p.cfg.DialTimeout
}

// selectPeer picks a chain proxy for this task, keying consistent-hash
// policies on the request's target host so repeat requests to the same
// destination tend to stick to the same chain proxy.
func (p *ProxyHTTP) selectPeer(tc *escaper.TaskConf) (escaper.Peer, error) {
	peer, ok := p.picker.Pick(tc.TargetHost)
	if !ok {
		return escaper.Peer{}, fmt.Errorf("proxy-http: no chain proxy configured")
	}
	p.picks.Add(1)
	return peer, nil
}

func (p *ProxyHTTP) dialChain(ctx context.Context, peer escaper.Peer) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Addr.String())
	if err != nil {
		return nil, err
	}
	if p.cfg.UpstreamTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: peer.Addr.Host})
		if herr := tlsConn.HandshakeContext(ctx); herr != nil {
			_ = conn.Close()
			return nil, herr
		}
		return tlsConn, nil
	}
	return conn, nil
}

// connectTunnel issues CONNECT host:port to the chain proxy and waits for a
// 2xx response, returning the now-opaque tunnel.
func (p *ProxyHTTP) connectTunnel(ctx context.Context, conn net.Conn, tc *escaper.TaskConf) error {
	target := fmt.Sprintf("%s:%d", normalizeHost(tc.TargetHost), tc.TargetPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+target, nil)
	if err != nil {
		return err
	}
	req.Host = target
	if p.cfg.ProxyAuth != "" {
		req.Header.Set("Proxy-Authorization", "Basic "+basicAuth(p.cfg.ProxyAuth))
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := req.Write(conn); err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("proxy-http: CONNECT refused: %s", resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return nil
}

func (p *ProxyHTTP) TcpSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	peer, err := p.selectPeer(tc)
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.EscaperNotUsable, Reason: "no chain proxy", Err: err}
	}

	conn, err := p.dialChain(ctx, peer)
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.ConnectFailed, Reason: "chain proxy unreachable", Err: err}
	}
	tn.NextAddr = conn.RemoteAddr()

	if err := p.connectTunnel(ctx, conn, tc); err != nil {
		_ = conn.Close()
		return nil, &escaper.TcpConnectError{Kind: escaper.NegotiationFailed, Reason: "CONNECT negotiation failed", Err: err}
	}
	return conn, nil
}

func (p *ProxyHTTP) TlsSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	rw, cerr := p.TcpSetup(ctx, tc, tn, notes, stats, au)
	if cerr != nil {
		return nil, cerr
	}
	conn := rw.(net.Conn)

	serverName := tc.ServerName
	if serverName == "" {
		serverName = tc.TargetHost
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &escaper.TcpConnectError{Kind: escaper.UpstreamTlsHandshakeFailed, Reason: "upstream tls handshake failed", Err: err}
	}
	return tlsConn, nil
}

func (p *ProxyHTTP) UdpSetup(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return nil, &escaper.TcpConnectError{Kind: escaper.MethodUnavailable, Reason: "proxy-http does not carry UDP"}
}

func (p *ProxyHTTP) UdpRelay(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return nil, &escaper.TcpConnectError{Kind: escaper.MethodUnavailable, Reason: "proxy-http does not carry UDP"}
}

func (p *ProxyHTTP) NewHttpForwardContext() escaper.HttpForwardContext {
	return proxyHttpForwardContext{p: p}
}

// Publish replaces the weighted peer pool, e.g. after an admin push of a
// refreshed proxy list.
func (p *ProxyHTTP) Publish(data []byte) *escaper.TcpConnectError {
	peers, err := parsePeerList(data)
	if err != nil {
		return &escaper.TcpConnectError{Kind: escaper.ProxyProtocolEncodeError, Reason: "invalid peer list", Err: err}
	}
	p.cfg.Peers = peers
	p.picker = escaper.NewPicker(p.cfg.Policy, peers)
	return nil
}

func (p *ProxyHTTP) PickCount() int64 { return p.picks.Load() }

type proxyHttpForwardContext struct{ p *ProxyHTTP }

func (c proxyHttpForwardContext) MakeNewHttpConnection(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes, stats *escaper.TaskStats) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	tn := &escaper.TCPNotes{}
	if tc.UseTLS {
		return c.p.TlsSetup(ctx, tc, tn, notes, stats, nil)
	}
	return c.p.TcpSetup(ctx, tc, tn, notes, stats, nil)
}

func basicAuth(userpass string) string {
	return base64Std(userpass)
}

// normalizeHost converts an IDN target host to its ASCII (punycode) form so
// the CONNECT request line and the upstream's own hostname comparison agree
// with browsers and other HTTP/1 clients. Non-IDN or already-ASCII hosts
// pass through unchanged.
func normalizeHost(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}
