package tls

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// InspectAction is the per-ALPN-protocol policy decision.
type InspectAction int

const (
	ActionIntercept InspectAction = iota
	ActionDetour
	ActionBypass
	ActionBlock
)

// Policy maps an ALPN protocol name to its inspect action; protocols absent
// from the map default to Intercept.
type Policy map[string]InspectAction

// FilterALPN removes any protocol whose action is Block from the offer
// list, preserving order of the rest.
func (p Policy) FilterALPN(offered []string) []string {
	if len(offered) == 0 {
		return offered
	}
	out := make([]string, 0, len(offered))
	for _, proto := range offered {
		if p[proto] == ActionBlock {
			continue
		}
		out = append(out, proto)
	}
	return out
}

func (p Policy) ActionFor(proto string) InspectAction {
	return p[proto]
}

// CertAgent mints a server-facing certificate for an observed SNI on
// demand, optionally honoring an ALPN hint for cert selection (e.g. an
// HTTP/2-capable cert chain vs. a plain HTTP/1.1 one).
type CertAgent interface {
	GetCertFor(sni string, alpnHint []string) (*tls.Certificate, error)
}

// Config is the static policy of a TLS interceptor.
type Config struct {
	ClientHelloTimeout time.Duration
	ClientHelloMaxSize int
	ALPNPolicy         Policy
	CertAgent          CertAgent
	SupportTLCP        bool
}

// Splicer owns the two TLS sessions (client-facing MITM, upstream-facing
// client) once a ClientHello has been parsed and a server certificate
// minted. Session-resumption counters are tracked per side for the admin
// stats surface.
type Splicer struct {
	cfg           Config
	clientReuse   atomic.Int64
	upstreamReuse atomic.Int64
}

func NewSplicer(cfg Config) *Splicer {
	if cfg.ClientHelloTimeout <= 0 {
		cfg.ClientHelloTimeout = 5 * time.Second
	}
	if cfg.ClientHelloMaxSize <= 0 {
		cfg.ClientHelloMaxSize = 64 * 1024
	}
	return &Splicer{cfg: cfg}
}

// Intercept reads the client's ClientHello from clt, mints a certificate
// for the observed SNI, completes the server-side handshake with the
// client and a client-side handshake with upstream, and returns both
// spliced TLS connections ready for the copy loop. A TLCP hello when
// SupportTLCP is off, a missing cert agent, or any read, mint or handshake
// failure returns nil connections and a plain error; Intercept does not
// fall back to a transparent relay, and the ClientHello bytes it has
// already read from clt are not handed back to the caller.
func (s *Splicer) Intercept(ctx context.Context, clt io.ReadWriteCloser, upstreamDial func(ctx context.Context, serverName string) (io.ReadWriteCloser, error)) (clientSide, upstreamSide *tls.Conn, hello ParsedClientHello, err error) {
	br := bufio.NewReader(clt)
	hello, err = ReadClientHello(ctx, br, s.cfg.ClientHelloTimeout, s.cfg.ClientHelloMaxSize)
	if err != nil {
		return nil, nil, ParsedClientHello{}, err
	}

	if hello.Version == VersionTLCP && !s.cfg.SupportTLCP {
		return nil, nil, hello, fmt.Errorf("tls intercept: TLCP hello received but TLCP support not compiled in")
	}

	filteredALPN := hello.ALPN
	if s.cfg.ALPNPolicy != nil {
		filteredALPN = s.cfg.ALPNPolicy.FilterALPN(hello.ALPN)
	}

	if s.cfg.CertAgent == nil {
		return nil, nil, hello, fmt.Errorf("tls intercept: no cert agent configured")
	}
	cert, cerr := s.cfg.CertAgent.GetCertFor(hello.SNI, filteredALPN)
	if cerr != nil {
		return nil, nil, hello, fmt.Errorf("tls intercept: cert mint failed: %w", cerr)
	}

	serverName := hello.SNI
	upsConn, derr := upstreamDial(ctx, serverName)
	if derr != nil {
		return nil, nil, hello, fmt.Errorf("tls intercept: upstream dial failed: %w", derr)
	}

	upstreamTLS := tls.Client(netConnAdapter{upsConn}, &tls.Config{ServerName: serverName, NextProtos: filteredALPN})
	if herr := upstreamTLS.HandshakeContext(ctx); herr != nil {
		_ = upsConn.Close()
		return nil, nil, hello, fmt.Errorf("tls intercept: upstream handshake failed: %w", herr)
	}
	if upstreamTLS.ConnectionState().DidResume {
		s.upstreamReuse.Add(1)
	}

	mitmConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   filteredALPN,
	}
	clientTLS := tls.Server(bufferedClientConn{Reader: br, ReadWriteCloser: clt}, mitmConfig)
	if herr := clientTLS.HandshakeContext(ctx); herr != nil {
		_ = upstreamTLS.Close()
		return nil, nil, hello, fmt.Errorf("tls intercept: client handshake failed: %w", herr)
	}
	if clientTLS.ConnectionState().DidResume {
		s.clientReuse.Add(1)
	}

	return clientTLS, upstreamTLS, hello, nil
}

func (s *Splicer) ClientReuseCount() int64   { return s.clientReuse.Load() }
func (s *Splicer) UpstreamReuseCount() int64 { return s.upstreamReuse.Load() }

// bufferedClientConn lets tls.Server resume reading from a bufio.Reader
// that already consumed the ClientHello's record bytes off the raw
// connection, while Write/Close still go to the underlying connection. It
// implements net.Conn (required by tls.Server) even when the underlying
// stream is a bare io.ReadWriteCloser, e.g. from an already-accepted
// listener connection wrapped for buffering.
type bufferedClientConn struct {
	*bufio.Reader
	io.ReadWriteCloser
}

func (b bufferedClientConn) Read(p []byte) (int, error)         { return b.Reader.Read(p) }
func (b bufferedClientConn) LocalAddr() net.Addr                { return connAddr(b.ReadWriteCloser) }
func (b bufferedClientConn) RemoteAddr() net.Addr               { return connAddr(b.ReadWriteCloser) }
func (b bufferedClientConn) SetDeadline(t time.Time) error      { return deadlineOf(b.ReadWriteCloser, t, true, true) }
func (b bufferedClientConn) SetReadDeadline(t time.Time) error  { return deadlineOf(b.ReadWriteCloser, t, true, false) }
func (b bufferedClientConn) SetWriteDeadline(t time.Time) error { return deadlineOf(b.ReadWriteCloser, t, false, true) }

// netConnAdapter satisfies net.Conn's local/remote-addr surface minimally
// so io.ReadWriteCloser upstreams (as returned by an Escaper) can be wrapped
// by tls.Client, which only requires net.Conn.
type netConnAdapter struct {
	io.ReadWriteCloser
}

func (a netConnAdapter) LocalAddr() net.Addr                { return connAddr(a.ReadWriteCloser) }
func (a netConnAdapter) RemoteAddr() net.Addr               { return connAddr(a.ReadWriteCloser) }
func (a netConnAdapter) SetDeadline(t time.Time) error      { return deadlineOf(a.ReadWriteCloser, t, true, true) }
func (a netConnAdapter) SetReadDeadline(t time.Time) error  { return deadlineOf(a.ReadWriteCloser, t, true, false) }
func (a netConnAdapter) SetWriteDeadline(t time.Time) error { return deadlineOf(a.ReadWriteCloser, t, false, true) }

var noAddr net.Addr = fakeAddr("")

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// connAddr returns the real address when the underlying stream is already
// a net.Conn (the common case — escapers hand back *net.TCPConn/*tls.Conn),
// and a placeholder otherwise.
func connAddr(rw io.ReadWriteCloser) net.Addr {
	if c, ok := rw.(net.Conn); ok {
		return c.LocalAddr()
	}
	return noAddr
}

func deadlineOf(rw io.ReadWriteCloser, t time.Time, read, write bool) error {
	c, ok := rw.(net.Conn)
	if !ok {
		return nil
	}
	switch {
	case read && write:
		return c.SetDeadline(t)
	case read:
		return c.SetReadDeadline(t)
	default:
		return c.SetWriteDeadline(t)
	}
}
