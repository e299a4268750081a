// Package proxysocks implements the proxy-socks4a / proxy-socks5 /
// proxy-socks5s escaper: forwarding through a chain SOCKS
// proxy chosen from a weighted pool (the same escaper.Picker policies as
// proxy-http), negotiating the client side of RFC 1928 (SOCKS5, optionally
// TLS-wrapped for "5s") or the SOCKS4a CONNECT handshake, then relaying.
//
// UDP ASSOCIATE follows the same negotiation; transmuteRelayAddr rewrites a
// chain proxy's unroutable BND.ADDR (0.0.0.0 or ::) to the address the
// control connection was actually dialed on.
package proxysocks

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
	"github.com/nabbar/edgeproxy/user"
)

// Version selects which SOCKS dialect to speak to the chain proxy.
type Version int

const (
	Socks4a Version = iota
	Socks5
	Socks5s // SOCKS5 over a TLS-wrapped control connection
)

// Config is the static policy of a proxy-socks escaper.
type Config struct {
	Peers       []escaper.Peer
	Policy      escaper.PickPolicy
	Version     Version
	Username    string // "" for unauthenticated
	Password    string
	DialTimeout time.Duration
}

type ProxySocks struct {
	name   nodename.Name
	cfg    Config
	picker *escaper.Picker
}

func New(name nodename.Name, cfg Config) *ProxySocks {
	return &ProxySocks{name: name, cfg: cfg, picker: escaper.NewPicker(cfg.Policy, cfg.Peers)}
}

func (p *ProxySocks) Name() nodename.Name { return p.name }

func (p *ProxySocks) dialTimeout() time.Duration {
	if p.cfg.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return p.cfg.DialTimeout
}

func (p *ProxySocks) selectPeer(tc *escaper.TaskConf) (escaper.Peer, error) {
	peer, ok := p.picker.Pick(tc.TargetHost)
	if !ok {
		return escaper.Peer{}, fmt.Errorf("proxy-socks: no chain proxy configured")
	}
	return peer, nil
}

func (p *ProxySocks) dialChain(ctx context.Context, peer escaper.Peer) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Addr.String())
	if err != nil {
		return nil, err
	}
	if p.cfg.Version == Socks5s {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: peer.Addr.Host})
		if herr := tlsConn.HandshakeContext(ctx); herr != nil {
			_ = conn.Close()
			return nil, herr
		}
		return tlsConn, nil
	}
	return conn, nil
}

// forwardUsername strips the routing-param suffix from a client-supplied
// username (the "tenantA.site1" convention) before it is sent upstream —
// the chain proxy only needs the base identity.
func forwardUsername(raw string) string {
	base, _ := user.ParseUsernameParams(raw)
	if base == "" {
		return raw
	}
	return base
}

func (p *ProxySocks) negotiate(ctx context.Context, conn net.Conn, tc *escaper.TaskConf) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	defer conn.SetDeadline(time.Time{})

	switch p.cfg.Version {
	case Socks4a:
		return p.negotiateV4a(conn, tc)
	default:
		return p.negotiateV5(conn, tc)
	}
}

func (p *ProxySocks) negotiateV4a(conn net.Conn, tc *escaper.TaskConf) error {
	uname := forwardUsername(p.cfg.Username)
	req := make([]byte, 0, 16+len(uname)+len(tc.TargetHost))
	req = append(req, 0x04, 0x01) // VN, CD=CONNECT
	req = appendUint16(req, tc.TargetPort)
	req = append(req, 0, 0, 0, 1) // invalid IPv4 marker triggers "4a" domain mode
	req = append(req, []byte(uname)...)
	req = append(req, 0x00)
	req = append(req, []byte(tc.TargetHost)...)
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks4a request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("socks4a reply: %w", err)
	}
	if resp[0] != 0x00 || resp[1] != 0x5a {
		return fmt.Errorf("socks4a rejected: code 0x%02x", resp[1])
	}
	return nil
}

func (p *ProxySocks) negotiateV5(conn net.Conn, tc *escaper.TaskConf) error {
	methods := []byte{0x00} // no auth
	if p.cfg.Username != "" {
		methods = []byte{0x02, 0x00} // user/pass preferred, no-auth fallback
	}
	greeting := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("socks5 greeting: %w", err)
	}

	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil {
		return fmt.Errorf("socks5 method select: %w", err)
	}
	if sel[0] != 0x05 {
		return fmt.Errorf("socks5: unexpected version 0x%02x", sel[0])
	}

	switch sel[1] {
	case 0x00:
		// no auth required
	case 0x02:
		if err := p.authUserPass(conn); err != nil {
			return err
		}
	case 0xff:
		return fmt.Errorf("socks5: chain proxy rejected all auth methods")
	default:
		return fmt.Errorf("socks5: unsupported auth method 0x%02x", sel[1])
	}

	return p.sendConnect(conn, tc)
}

func (p *ProxySocks) authUserPass(conn net.Conn) error {
	u := forwardUsername(p.cfg.Username)
	pass := p.cfg.Password
	if len(u) > 255 || len(pass) > 255 {
		return fmt.Errorf("socks5: username/password too long")
	}
	req := make([]byte, 0, 3+len(u)+len(pass))
	req = append(req, 0x01, byte(len(u)))
	req = append(req, []byte(u)...)
	req = append(req, byte(len(pass)))
	req = append(req, []byte(pass)...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5 auth: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("socks5 auth reply: %w", err)
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("socks5: auth rejected")
	}
	return nil
}

// sendConnect issues CMD=CONNECT with a domain-name ATYP whenever the
// target is not a literal IP, letting the chain proxy do its own DNS.
func (p *ProxySocks) sendConnect(conn net.Conn, tc *escaper.TaskConf) error {
	req := []byte{0x05, 0x01, 0x00}
	if ip, err := netip.ParseAddr(tc.TargetHost); err == nil {
		if ip.Is4() {
			a := ip.As4()
			req = append(req, 0x01)
			req = append(req, a[:]...)
		} else {
			a := ip.As16()
			req = append(req, 0x04)
			req = append(req, a[:]...)
		}
	} else {
		if len(tc.TargetHost) > 255 {
			return fmt.Errorf("socks5: target host too long for domain ATYP")
		}
		req = append(req, 0x03, byte(len(tc.TargetHost)))
		req = append(req, []byte(tc.TargetHost)...)
	}
	req = appendUint16(req, tc.TargetPort)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5 connect request: %w", err)
	}
	return readSocks5Reply(conn)
}

func readSocks5Reply(conn net.Conn) error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("socks5 connect reply: %w", err)
	}
	if hdr[1] != 0x00 {
		return fmt.Errorf("socks5 connect refused: reply code 0x%02x", hdr[1])
	}
	// Drain BND.ADDR + BND.PORT so the stream is positioned for relay.
	var addrLen int
	switch hdr[3] {
	case 0x01:
		addrLen = 4
	case 0x04:
		addrLen = 16
	case 0x03:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return err
		}
		addrLen = int(lenByte[0])
	default:
		return fmt.Errorf("socks5: unknown BND.ADDR type 0x%02x", hdr[3])
	}
	if _, err := io.ReadFull(conn, make([]byte, addrLen+2)); err != nil {
		return fmt.Errorf("socks5 connect reply body: %w", err)
	}
	return nil
}

func appendUint16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func (p *ProxySocks) TcpSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	peer, err := p.selectPeer(tc)
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.EscaperNotUsable, Reason: "no chain proxy", Err: err}
	}
	conn, err := p.dialChain(ctx, peer)
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.ConnectFailed, Reason: "chain proxy unreachable", Err: err}
	}
	tn.NextAddr = conn.RemoteAddr()

	if err := p.negotiate(ctx, conn, tc); err != nil {
		_ = conn.Close()
		return nil, &escaper.TcpConnectError{Kind: escaper.NegotiationFailed, Reason: "socks negotiation failed", Err: err}
	}
	return conn, nil
}

func (p *ProxySocks) TlsSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
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

// UdpSetup performs UDP ASSOCIATE against the chain proxy, returning a
// PacketConn that rewrites the control connection's advertised relay
// address via transmuteRelayAddr.
func (p *ProxySocks) UdpSetup(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	if p.cfg.Version == Socks4a {
		return nil, &escaper.TcpConnectError{Kind: escaper.MethodUnavailable, Reason: "socks4a has no UDP associate"}
	}

	peer, err := p.selectPeer(tc)
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.EscaperNotUsable, Reason: "no chain proxy", Err: err}
	}
	ctrl, err := p.dialChain(ctx, peer)
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.ConnectFailed, Reason: "chain proxy unreachable", Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ctrl.SetDeadline(deadline)
	}
	methods := []byte{0x00}
	if p.cfg.Username != "" {
		methods = []byte{0x02, 0x00}
	}
	if _, err := ctrl.Write(append([]byte{0x05, byte(len(methods))}, methods...)); err != nil {
		_ = ctrl.Close()
		return nil, &escaper.TcpConnectError{Kind: escaper.NegotiationFailed, Reason: "udp associate greeting failed", Err: err}
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(ctrl, sel); err != nil {
		_ = ctrl.Close()
		return nil, &escaper.TcpConnectError{Kind: escaper.NegotiationFailed, Reason: "udp associate method select failed", Err: err}
	}
	if sel[1] == 0x02 {
		if err := p.authUserPass(ctrl); err != nil {
			_ = ctrl.Close()
			return nil, &escaper.TcpConnectError{Kind: escaper.NegotiationFailed, Reason: "udp associate auth failed", Err: err}
		}
	}

	// UDP ASSOCIATE request: DST.ADDR/DST.PORT of 0.0.0.0:0 lets the proxy
	// pick the relay endpoint.
	req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if _, err := ctrl.Write(req); err != nil {
		_ = ctrl.Close()
		return nil, &escaper.TcpConnectError{Kind: escaper.NegotiationFailed, Reason: "udp associate request failed", Err: err}
	}

	relayAddr, err := readSocks5AssociateReply(ctrl)
	if err != nil {
		_ = ctrl.Close()
		return nil, &escaper.TcpConnectError{Kind: escaper.NegotiationFailed, Reason: "udp associate reply failed", Err: err}
	}
	relayAddr = transmuteRelayAddr(relayAddr, ctrl.RemoteAddr())

	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		_ = ctrl.Close()
		return nil, &escaper.TcpConnectError{Kind: escaper.SetupSocketFailed, Reason: "udp relay socket failed", Err: err}
	}
	un.LocalAddr = pc.LocalAddr()
	un.NextAddr = relayAddr

	return &udpAssociateConn{PacketConn: pc, ctrl: ctrl, relay: relayAddr}, nil
}

func (p *ProxySocks) UdpRelay(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return p.UdpSetup(ctx, tc, un, notes, stats)
}

func readSocks5AssociateReply(conn net.Conn) (net.Addr, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	if hdr[1] != 0x00 {
		return nil, fmt.Errorf("udp associate refused: reply code 0x%02x", hdr[1])
	}
	switch hdr[3] {
	case 0x01:
		raw := make([]byte, 4+2)
		if _, err := io.ReadFull(conn, raw); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: net.IP(raw[0:4]), Port: int(binary.BigEndian.Uint16(raw[4:6]))}, nil
	case 0x04:
		raw := make([]byte, 16+2)
		if _, err := io.ReadFull(conn, raw); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: net.IP(raw[0:16]), Port: int(binary.BigEndian.Uint16(raw[16:18]))}, nil
	case 0x03:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return nil, err
		}
		raw := make([]byte, int(lenByte[0])+2)
		if _, err := io.ReadFull(conn, raw); err != nil {
			return nil, err
		}
		host := string(raw[:len(raw)-2])
		port := binary.BigEndian.Uint16(raw[len(raw)-2:])
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return nil, err
		}
		return addr, nil
	default:
		return nil, fmt.Errorf("udp associate: unknown BND.ADDR type 0x%02x", hdr[3])
	}
}

// transmuteRelayAddr rewrites a chain proxy's advertised relay address when
// it is unroutable (0.0.0.0 / :: / unspecified), substituting the address
// the control connection actually reached it on.
func transmuteRelayAddr(relay net.Addr, ctrlRemote net.Addr) net.Addr {
	ur, ok := relay.(*net.UDPAddr)
	if !ok || !ur.IP.IsUnspecified() {
		return relay
	}
	cr, ok := ctrlRemote.(*net.TCPAddr)
	if !ok {
		return relay
	}
	return &net.UDPAddr{IP: cr.IP, Port: ur.Port}
}

type udpAssociateConn struct {
	net.PacketConn
	ctrl  net.Conn
	relay net.Addr
}

func (c *udpAssociateConn) Close() error {
	_ = c.ctrl.Close()
	return c.PacketConn.Close()
}

func (p *ProxySocks) NewHttpForwardContext() escaper.HttpForwardContext {
	return proxySocksForwardContext{p: p}
}

func (p *ProxySocks) Publish(data []byte) *escaper.TcpConnectError {
	peers, err := parsePeerList(data)
	if err != nil {
		return &escaper.TcpConnectError{Kind: escaper.ProxyProtocolEncodeError, Reason: "invalid peer list", Err: err}
	}
	p.cfg.Peers = peers
	p.picker = escaper.NewPicker(p.cfg.Policy, peers)
	return nil
}

type proxySocksForwardContext struct{ p *ProxySocks }

func (c proxySocksForwardContext) MakeNewHttpConnection(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes, stats *escaper.TaskStats) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	tn := &escaper.TCPNotes{}
	if tc.UseTLS {
		return c.p.TlsSetup(ctx, tc, tn, notes, stats, nil)
	}
	return c.p.TcpSetup(ctx, tc, tn, notes, stats, nil)
}
