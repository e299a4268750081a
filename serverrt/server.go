// Package serverrt implements the base server runtime and accept plane:
// a named, versioned BaseServer that runs a TCP or QUIC accept loop,
// swaps in a new version in place on reload without dropping the listen
// socket, and on Shutdown cancels the accept loop and closes the listener
// without waiting for connections already handed to handlers. Grounded on
// the lifecycle shape of nabbar-golib's httpserver package (atomic running
// flag, context-scoped accept loop), generalized
// from HTTP-only to the raw TCP/QUIC forwarding planes this proxy needs.
package serverrt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultShutdownTimeout = 10 * time.Second
)

// Kind distinguishes the wire protocol a server listens for.
type Kind int

const (
	KindTCP Kind = iota
	KindQUIC
	KindIntelli // protocol auto-detected from the first bytes, see ProtocolRouter
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindIntelli:
		return "intelli"
	default:
		return "unknown"
	}
}

// ClientInfo carries the accepted peer's addressing, independent of
// whether the transport was TCP or QUIC.
type ClientInfo struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// AcceptTcpServer is implemented by anything that can drive one accepted
// TCP connection to completion (forwarding task, protocol sniff, etc).
type AcceptTcpServer interface {
	RunTcpTask(ctx context.Context, conn net.Conn, client ClientInfo)
}

// AcceptQuicServer is the QUIC analogue: it drives one accepted QUIC
// connection, typically by looping AcceptStream.
type AcceptQuicServer interface {
	RunQuicTask(ctx context.Context, conn QuicConnection, client ClientInfo)
}

// QuicConnection is the subset of quic-go's Connection this package
// depends on, kept narrow so tests can fake it without a real QUIC stack.
type QuicConnection interface {
	AcceptStream(ctx context.Context) (QuicStream, error)
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	CloseWithError(code uint64, reason string) error
}

// QuicStream is a bidirectional QUIC stream, satisfying io.ReadWriteCloser.
type QuicStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// BaseServer is the versioned, named identity every server kind embeds.
type BaseServer struct {
	NameVal    string
	TypeVal    Kind
	VersionVal uint64
}

func (b BaseServer) Name() string    { return b.NameVal }
func (b BaseServer) Type() Kind      { return b.TypeVal }
func (b BaseServer) Version() uint64 { return b.VersionVal }

// Server is one running listener: a bound socket, an accept loop, and the
// swappable handler version it currently dispatches to.
type Server struct {
	base BaseServer

	mu      sync.RWMutex
	tcpH    AcceptTcpServer
	quicH   AcceptQuicServer

	running atomic.Bool
	cancel  context.CancelFunc

	shutdownTimeout time.Duration
	metrics         *Metrics
}

// SetMetrics attaches a Metrics collector so the accept loop records
// per-connection counters. Pass nil to detach (the default: no recording).
func (s *Server) SetMetrics(m *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// NewTcpServer builds a Server that will run an AcceptTcpServer handler
// once Listen is called on a net.Listener.
func NewTcpServer(name string, version uint64, handler AcceptTcpServer) *Server {
	return &Server{
		base:            BaseServer{NameVal: name, TypeVal: KindTCP, VersionVal: version},
		tcpH:            handler,
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// NewQuicServer is the QUIC analogue of NewTcpServer.
func NewQuicServer(name string, version uint64, handler AcceptQuicServer) *Server {
	return &Server{
		base:            BaseServer{NameVal: name, TypeVal: KindQUIC, VersionVal: version},
		quicH:           handler,
		shutdownTimeout: defaultShutdownTimeout,
	}
}

func (s *Server) Base() BaseServer { return s.base }

func (s *Server) IsRunning() bool { return s.running.Load() }

// SwapHandler replaces the in-flight handler and bumps the version,
// without touching the accept loop or the bound socket: ReloadVersion's
// accept loop continues on the same socket across a handler swap.
func (s *Server) SwapHandler(version uint64, tcpH AcceptTcpServer, quicH AcceptQuicServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base.VersionVal = version
	if tcpH != nil {
		s.tcpH = tcpH
	}
	if quicH != nil {
		s.quicH = quicH
	}
}

func (s *Server) currentTcpHandler() AcceptTcpServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tcpH
}

func (s *Server) currentQuicHandler() AcceptQuicServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quicH
}

// ListenTCP runs the accept loop over ln until ctx is cancelled or
// Shutdown is called. Every accepted connection is dispatched to a new
// goroutine running the current handler version.
func (s *Server) ListenTCP(ctx context.Context, ln net.Listener) error {
	if s.base.TypeVal != KindTCP {
		return fmt.Errorf("serverrt: server %q is not a TCP server", s.base.NameVal)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)
	defer s.running.Store(false)

	go func() {
		<-runCtx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			s.metrics.recordAcceptError(s.base.NameVal, s.base.TypeVal)
			return fmt.Errorf("serverrt: accept failed on %q: %w", s.base.NameVal, err)
		}

		s.metrics.recordAccept(s.base.NameVal, s.base.TypeVal)
		client := ClientInfo{LocalAddr: conn.LocalAddr(), RemoteAddr: conn.RemoteAddr()}
		handler := s.currentTcpHandler()
		go handler.RunTcpTask(runCtx, conn, client)
	}
}

// AcceptQuicListener is the subset of quic-go's Listener this package
// depends on.
type AcceptQuicListener interface {
	Accept(ctx context.Context) (QuicConnection, error)
	Close() error
}

// ListenQUIC is the QUIC analogue of ListenTCP: every accepted connection
// gets its own goroutine running the current QUIC handler version.
func (s *Server) ListenQUIC(ctx context.Context, ln AcceptQuicListener) error {
	if s.base.TypeVal != KindQUIC {
		return fmt.Errorf("serverrt: server %q is not a QUIC server", s.base.NameVal)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)
	defer s.running.Store(false)

	go func() {
		<-runCtx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			s.metrics.recordAcceptError(s.base.NameVal, s.base.TypeVal)
			return fmt.Errorf("serverrt: quic accept failed on %q: %w", s.base.NameVal, err)
		}

		s.metrics.recordAccept(s.base.NameVal, s.base.TypeVal)
		client := ClientInfo{LocalAddr: conn.LocalAddr(), RemoteAddr: conn.RemoteAddr()}
		handler := s.currentQuicHandler()
		go handler.RunQuicTask(runCtx, conn, client)
	}
}

// Shutdown cancels the accept loop; callers that need draining
// semantics should keep their own grace-period timer around this call,
// mirroring the "rebind to an offline port" drain described for
// QuitRuntime — that rebind is the caller's responsibility since it is
// specific to the listen-config, not to the accept loop itself.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}
