// Package routeselect consolidates the five route-* escaper variants, which
// all share one shape — compute a fingerprint from the task, look it up
// against a table, dispatch to the matching child escaper — and differ
// only in what the fingerprint is and where the table comes from:
//
//   - route-select:   fingerprint is the authenticated user name
//   - route-mapping:  fingerprint is the task's ProxyHint (e.g. "https", "ftp")
//   - route-query:    fingerprint is resolved on demand from an external Querier
//   - route-resolved: fingerprint is the resolved upstream IP, matched against CIDR entries
//   - route-upstream: fingerprint is the upstream host:port, consistent-hashed across children
//
// Each variant is a constructor returning the same *Router with a different
// Fingerprinter plumbed in, grounded on the same arena-indexed
// escaper.Registry used by route-geoip.
package routeselect

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
	"github.com/nabbar/edgeproxy/resolver"
)

// Fingerprinter computes the routing key for a task. Implementations may
// block (e.g. route-query consulting an external source) but should honor
// ctx cancellation.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (string, error)
}

type FingerprinterFunc func(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (string, error)

func (f FingerprinterFunc) Fingerprint(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (string, error) {
	return f(ctx, tc, notes)
}

// Router is the shared implementation behind every route-* variant.
type Router struct {
	name   nodename.Name
	fp     Fingerprinter
	table  map[string]nodename.Name
	def    nodename.Name
	reg    *escaper.Registry
}

func newRouter(name nodename.Name, fp Fingerprinter, table map[string]nodename.Name, def nodename.Name, reg *escaper.Registry) *Router {
	return &Router{name: name, fp: fp, table: table, def: def, reg: reg}
}

// NewSelect implements route-select: dispatch by the authenticated user name.
func NewSelect(name nodename.Name, table map[string]nodename.Name, def nodename.Name, reg *escaper.Registry) *Router {
	fp := FingerprinterFunc(func(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (string, error) {
		return notes.UserName, nil
	})
	return newRouter(name, fp, table, def, reg)
}

// NewMapping implements route-mapping: dispatch by the ProxyHint field used
// as a coarse request-path/protocol fingerprint (e.g. "https", "ftp").
func NewMapping(name nodename.Name, table map[string]nodename.Name, def nodename.Name, reg *escaper.Registry) *Router {
	fp := FingerprinterFunc(func(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (string, error) {
		return tc.ProxyHint, nil
	})
	return newRouter(name, fp, table, def, reg)
}

// Querier resolves an external fingerprint for a task, e.g. consulting a
// policy service keyed on destination host.
type Querier interface {
	Query(ctx context.Context, host string) (string, error)
}

// NewQuery implements route-query: the fingerprint comes from an external
// Querier rather than from the task itself.
func NewQuery(name nodename.Name, q Querier, table map[string]nodename.Name, def nodename.Name, reg *escaper.Registry) *Router {
	fp := FingerprinterFunc(func(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (string, error) {
		return q.Query(ctx, tc.TargetHost)
	})
	return newRouter(name, fp, table, def, reg)
}

// CIDRTable maps resolved IPs to a fingerprint by longest-prefix match; used
// by route-resolved, which unlike route-geoip carries no geography, only a
// flat set of operator-specified networks (e.g. "internal", "cdn-edge").
type CIDRTable struct {
	entries []cidrEntry
}

type cidrEntry struct {
	prefix      netip.Prefix
	fingerprint string
}

func NewCIDRTable() *CIDRTable { return &CIDRTable{} }

func (t *CIDRTable) Add(prefix netip.Prefix, fingerprint string) {
	t.entries = append(t.entries, cidrEntry{prefix: prefix, fingerprint: fingerprint})
}

// lookup returns the most specific (longest-prefix) match.
func (t *CIDRTable) lookup(addr netip.Addr) (string, bool) {
	best := -1
	var bestFp string
	for _, e := range t.entries {
		if e.prefix.Contains(addr) && e.prefix.Bits() > best {
			best = e.prefix.Bits()
			bestFp = e.fingerprint
		}
	}
	if best < 0 {
		return "", false
	}
	return bestFp, true
}

// NewResolved implements route-resolved: dispatch by resolving the upstream
// host then matching the IP against a flat CIDR table.
func NewResolved(name nodename.Name, res *resolver.Resolver, cidrs *CIDRTable, table map[string]nodename.Name, def nodename.Name, reg *escaper.Registry) *Router {
	fp := FingerprinterFunc(func(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (string, error) {
		var addr netip.Addr
		if ip, err := netip.ParseAddr(tc.TargetHost); err == nil {
			addr = ip
		} else {
			job, err := res.Resolve(ctx, tc.TargetHost, resolver.Ipv4First, resolver.PickBest)
			if err != nil {
				return "", err
			}
			addrs, err := job.GetR1OrFirst(ctx, 0, 1)
			if err != nil || len(addrs) == 0 {
				return "", fmt.Errorf("route-resolved: no address for %q", tc.TargetHost)
			}
			addr = addrs[0]
		}
		fp, ok := cidrs.lookup(addr)
		if !ok {
			return "", nil
		}
		return fp, nil
	})
	return newRouter(name, fp, table, def, reg)
}

// NewUpstream implements route-upstream: dispatch by consistent-hashing the
// upstream host:port across the table's children, so repeat requests to the
// same upstream stick to the same child escaper.
func NewUpstream(name nodename.Name, children []nodename.Name, reg *escaper.Registry) *Router {
	table := make(map[string]nodename.Name, len(children))
	peers := make([]escaper.Peer, 0, len(children))
	for _, c := range children {
		table[c.String()] = c
		peers = append(peers, escaper.Peer{Addr: nodename.Addr{Host: c.String()}, Weight: 1})
	}
	picker := escaper.NewPicker(escaper.PickRendezvous, peers)

	fp := FingerprinterFunc(func(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (string, error) {
		key := fmt.Sprintf("%s:%d", tc.TargetHost, tc.TargetPort)
		peer, ok := picker.Pick(key)
		if !ok {
			return "", fmt.Errorf("route-upstream: no children configured")
		}
		return peer.Addr.Host, nil
	})
	return newRouter(name, fp, table, nodename.Name{}, reg)
}

func (r *Router) Name() nodename.Name { return r.name }

func (r *Router) resolveChild(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes) (escaper.Escaper, *escaper.TcpConnectError) {
	fp, err := r.fp.Fingerprint(ctx, tc, notes)
	if err != nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.ResolveFailed, Reason: "route fingerprint failed", Err: err}
	}

	name := r.def
	if n, ok := r.table[fp]; ok {
		name = n
	}
	if name.IsEmpty() {
		return nil, &escaper.TcpConnectError{Kind: escaper.EscaperNotUsable, Reason: "no route match and no default"}
	}

	child, ok := r.reg.Lookup(name)
	if !ok {
		return nil, &escaper.TcpConnectError{Kind: escaper.EscaperNotUsable, Reason: fmt.Sprintf("route: child %q not registered", name.String())}
	}
	return child, nil
}

func (r *Router) TcpSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	child, cerr := r.resolveChild(ctx, tc, notes)
	if cerr != nil {
		return nil, cerr
	}
	return child.TcpSetup(ctx, tc, tn, notes, stats, au)
}

func (r *Router) TlsSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	child, cerr := r.resolveChild(ctx, tc, notes)
	if cerr != nil {
		return nil, cerr
	}
	return child.TlsSetup(ctx, tc, tn, notes, stats, au)
}

func (r *Router) UdpSetup(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	child, cerr := r.resolveChild(ctx, tc, notes)
	if cerr != nil {
		return nil, cerr
	}
	return child.UdpSetup(ctx, tc, un, notes, stats)
}

func (r *Router) UdpRelay(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	child, cerr := r.resolveChild(ctx, tc, notes)
	if cerr != nil {
		return nil, cerr
	}
	return child.UdpRelay(ctx, tc, un, notes, stats)
}

func (r *Router) NewHttpForwardContext() escaper.HttpForwardContext {
	return routeForwardContext{r: r}
}

func (r *Router) Publish(data []byte) *escaper.TcpConnectError {
	return &escaper.TcpConnectError{Kind: escaper.MethodUnavailable, Reason: "route escapers have no publishable surface"}
}

type routeForwardContext struct{ r *Router }

func (c routeForwardContext) MakeNewHttpConnection(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes, stats *escaper.TaskStats) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	child, cerr := c.r.resolveChild(ctx, tc, notes)
	if cerr != nil {
		return nil, cerr
	}
	return child.NewHttpForwardContext().MakeNewHttpConnection(ctx, tc, notes, stats)
}
