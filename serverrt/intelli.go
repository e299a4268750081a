package serverrt

import (
	"bufio"
	"bytes"
	"context"
	"net"
)

// Protocol is the sniffed wire protocol of a ProtocolRouter connection.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolTLS
	ProtocolHTTP
	ProtocolSocks4
	ProtocolSocks5
)

// ProtocolRouter dispatches a sniffed connection to the handler
// registered for its protocol.
type ProtocolRouter struct {
	handlers map[Protocol]AcceptTcpServer
	fallback AcceptTcpServer
}

func NewProtocolRouter(fallback AcceptTcpServer) *ProtocolRouter {
	return &ProtocolRouter{handlers: make(map[Protocol]AcceptTcpServer), fallback: fallback}
}

func (r *ProtocolRouter) Register(p Protocol, h AcceptTcpServer) {
	r.handlers[p] = h
}

// RunTcpTask sniffs the first bytes of conn to classify its protocol,
// then re-wraps the already-consumed prefix back onto the stream so the
// chosen handler sees the connection's bytes unmodified.
func (r *ProtocolRouter) RunTcpTask(ctx context.Context, conn net.Conn, client ClientInfo) {
	br := bufio.NewReader(conn)
	peek, _ := br.Peek(8)
	if len(peek) == 0 {
		_ = conn.Close()
		return
	}

	proto := sniffProtocol(peek)
	handler, ok := r.handlers[proto]
	if !ok {
		handler = r.fallback
	}
	if handler == nil {
		_ = conn.Close()
		return
	}

	handler.RunTcpTask(ctx, &prefixConn{Conn: conn, r: br}, client)
}

// sniffProtocol classifies a connection by its leading bytes: a TLS
// record starts with content-type 0x16 (handshake); SOCKS4/4a start with
// version byte 0x04; SOCKS5 starts with 0x05; anything else beginning
// with one of the methods in httpMethods (or a prefix of one, when fewer
// bytes have arrived) is treated as HTTP.
func sniffProtocol(peek []byte) Protocol {
	if len(peek) == 0 {
		return ProtocolUnknown
	}
	switch peek[0] {
	case 0x16:
		return ProtocolTLS
	case 0x04:
		return ProtocolSocks4
	case 0x05:
		return ProtocolSocks5
	}
	if isHTTPMethodPrefix(peek) {
		return ProtocolHTTP
	}
	return ProtocolUnknown
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("HEAD "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("CONNECT "), []byte("PATCH "),
}

func isHTTPMethodPrefix(peek []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(peek, m) {
			return true
		}
		if len(peek) < len(m) && bytes.HasPrefix(m, peek) {
			return true
		}
	}
	return false
}

// prefixConn lets the chosen handler read through the bufio.Reader that
// already buffered the sniffed prefix, while writes and control methods
// still go straight to the underlying net.Conn.
type prefixConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
