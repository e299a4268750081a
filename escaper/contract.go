// Package escaper defines the polymorphic forwarding-policy contract: a
// named, typed Escaper producing TCP/TLS/UDP connections to upstreams, plus
// the arena-indexed Registry that lets route escapers hold handles to
// children resolved lazily by NodeName.
package escaper

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nabbar/edgeproxy/nodename"
)

// TcpConnectErrorKind enumerates the error taxonomy
type TcpConnectErrorKind int

const (
	EscaperNotUsable TcpConnectErrorKind = iota
	MethodUnavailable
	ResolveFailed
	SetupSocketFailed
	ConnectFailed
	ForbiddenAddressType
	ForbiddenRemoteAddr
	ProxyProtocolEncodeError
	ProxyProtocolWriteFailed
	NegotiationFailed
	InternalTlsClientError
	UpstreamTlsHandshakeFailed
	UpstreamTlsHandshakeTimeout
)

type TcpConnectError struct {
	Kind   TcpConnectErrorKind
	Reason string
	Err    error
}

func (e *TcpConnectError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *TcpConnectError) Unwrap() error { return e.Err }

// TaskConf carries the per-request forwarding parameters an escaper needs:
// target host/port, protocol hints, and the egress policy that applies.
type TaskConf struct {
	TargetHost string
	TargetPort uint16
	UseTLS     bool
	ServerName string // SNI override, defaults to TargetHost
	ProxyHint  string // "http", "https", "socks4a", "socks5", "ftp", ...
}

// TCPNotes records the local/next addresses of a connect attempt, for
// logging and proxy-protocol header emission.
type TCPNotes struct {
	LocalAddr net.Addr
	NextAddr  net.Addr
	Retries   int
	Expire    time.Time
}

// UDPNotes is the UDP analogue of TCPNotes.
type UDPNotes struct {
	LocalAddr net.Addr
	NextAddr  net.Addr
}

// Stage enumerates the strictly monotone TaskNotes transitions
type Stage int

const (
	StageNegotiating Stage = iota
	StageConnecting
	StageConnected
	StageReplying
	StageRelaying
)

// TaskNotes is the per-request scratchpad passed into every escaper call.
// AdvanceStage enforces the monotone-transition invariant.
type TaskNotes struct {
	mu         sync.Mutex
	ClientAddr net.Addr
	ServerAddr net.Addr
	UserName   string
	AcceptedAt time.Time
	stage      Stage
}

func NewTaskNotes(client, server net.Addr, user string) *TaskNotes {
	return &TaskNotes{ClientAddr: client, ServerAddr: server, UserName: user, AcceptedAt: time.Now()}
}

func (n *TaskNotes) Stage() Stage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stage
}

// AdvanceStage moves to next if next > current stage; returns false and
// leaves the stage untouched otherwise.
func (n *TaskNotes) AdvanceStage(next Stage) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if next <= n.stage {
		return false
	}
	n.stage = next
	return true
}

// TaskStats accumulates byte/packet counters for one forwarded connection.
type TaskStats struct {
	BytesToUpstream   int64
	BytesFromUpstream int64
}

// Audit is the narrow handle an escaper needs into the audit/interception
// collaborator (full contract lives in package audit; this local interface
// keeps escaper free of an import cycle).
type Audit interface {
	TapEnabled() bool
}

// Escaper is the capability set Not every escaper implements
// every capability; unsupported ones return MethodUnavailable.
type Escaper interface {
	Name() nodename.Name

	TcpSetup(ctx context.Context, tc *TaskConf, tn *TCPNotes, notes *TaskNotes, stats *TaskStats, au Audit) (io.ReadWriteCloser, *TcpConnectError)
	TlsSetup(ctx context.Context, tc *TaskConf, tn *TCPNotes, notes *TaskNotes, stats *TaskStats, au Audit) (io.ReadWriteCloser, *TcpConnectError)
	UdpSetup(ctx context.Context, tc *TaskConf, un *UDPNotes, notes *TaskNotes, stats *TaskStats) (net.PacketConn, *TcpConnectError)
	UdpRelay(ctx context.Context, tc *TaskConf, un *UDPNotes, notes *TaskNotes, stats *TaskStats) (net.PacketConn, *TcpConnectError)

	NewHttpForwardContext() HttpForwardContext

	// Publish pushes admin-pushed data to the escaper (e.g. a refreshed
	// proxy pool). Escapers without a publishable surface return
	// MethodUnavailable.
	Publish(data []byte) *TcpConnectError
}

// HttpForwardContext is returned by NewHttpForwardContext for keep-alive /
// failover wiring.
type HttpForwardContext interface {
	MakeNewHttpConnection(ctx context.Context, tc *TaskConf, notes *TaskNotes, stats *TaskStats) (io.ReadWriteCloser, *TcpConnectError)
}

// Registry is the arena-indexed lookup keyed by NodeName that lets a route
// escaper hold lazily-resolved handles to its children instead of owning
// references.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]Escaper
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Escaper)}
}

func (r *Registry) Register(e Escaper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[e.Name().String()] = e
}

func (r *Registry) Lookup(name nodename.Name) (Escaper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name.String()]
	return e, ok
}

func (r *Registry) Unregister(name nodename.Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name.String())
}
