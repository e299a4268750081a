// Package routegeoip implements the route-geoip escaper: a
// route escaper that dispatches each task to a child escaper chosen by the
// target's resolved IP geography (country/continent), falling back to a
// default child when nothing matches. There is no ASN match.
//
// The longest-prefix-match network table is grounded on armon/go-radix
// (reversed-bit-string keys give the binary trie LPM semantics a plain
// string radix tree does not); country/continent membership is a
// bits-and-blooms/bitset indexed by a small enumerated code, avoiding a
// map[string]bool per lookup.
package routegeoip

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	"github.com/bits-and-blooms/bitset"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
	"github.com/nabbar/edgeproxy/resolver"
)

// Continent is a small dense enumeration so membership can live in a bitset
// instead of a map[string]bool.
type Continent uint

const (
	ContinentUnknown Continent = iota
	ContinentAfrica
	ContinentAntarctica
	ContinentAsia
	ContinentEurope
	ContinentNorthAmerica
	ContinentOceania
	ContinentSouthAmerica
	continentCount
)

// CountryEntry is one row of the static geo database: a network prefix
// mapped to an ISO country code and continent.
type CountryEntry struct {
	Prefix    netip.Prefix
	Country   string
	Continent Continent
}

// Table is the resolved LPM table plus continent bitsets, built once and
// read concurrently by many tasks.
type Table struct {
	mu        sync.RWMutex
	byNetwork *radix.Tree // reversed-bit-string key -> CountryEntry
	byCountry map[string][]netip.Prefix
	continentSet *bitset.BitSet // indexed by Continent, set if any entry of that continent exists
}

func NewTable() *Table {
	return &Table{byNetwork: radix.New(), byCountry: make(map[string][]netip.Prefix), continentSet: bitset.New(uint(continentCount))}
}

// reversedKey turns a CIDR prefix into a bit-string key such that a
// shorter prefix is always a textual prefix of a longer, more specific one
// sharing the same leading bits — giving go-radix's longest-match-by-key
// lookup true CIDR longest-prefix-match semantics.
func reversedKey(p netip.Prefix) string {
	addr := p.Addr()
	bits := p.Bits()
	var raw []byte
	if addr.Is4() {
		a := addr.As4()
		raw = a[:]
	} else {
		a := addr.As16()
		raw = a[:]
	}
	var sb strings.Builder
	sb.Grow(bits)
	for i := 0; i < bits; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if raw[byteIdx]&(1<<bitIdx) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func (t *Table) Load(entries []CountryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byNetwork = radix.New()
	t.byCountry = make(map[string][]netip.Prefix)
	t.continentSet = bitset.New(uint(continentCount))
	for _, e := range entries {
		t.byNetwork.Insert(reversedKey(e.Prefix), e)
		t.byCountry[e.Country] = append(t.byCountry[e.Country], e.Prefix)
		t.continentSet.Set(uint(e.Continent))
	}
}

// Lookup returns the longest-matching CountryEntry for addr, if any.
func (t *Table) Lookup(addr netip.Addr) (CountryEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	key := reversedKey(netip.PrefixFrom(addr, addr.BitLen()))
	// go-radix exposes exact/prefix lookups; longest-prefix-match is the
	// longest stored key that is itself a prefix of key. Walk candidates
	// via LongestPrefix, which is exactly this operation over the trie.
	_, v, ok := t.byNetwork.LongestPrefix(key)
	if !ok {
		return CountryEntry{}, false
	}
	return v.(CountryEntry), true
}

func (t *Table) HasContinent(c Continent) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.continentSet.Test(uint(c))
}

// Config is the static policy of a route-geoip escaper.
type Config struct {
	Table           *Table
	ByCountry       map[string]nodename.Name
	ByContinent     map[Continent]nodename.Name
	Default         nodename.Name
	Resolver        *resolver.Resolver
}

type RouteGeoIP struct {
	name nodename.Name
	cfg  Config
	reg  *escaper.Registry
}

func New(name nodename.Name, cfg Config, reg *escaper.Registry) *RouteGeoIP {
	return &RouteGeoIP{name: name, cfg: cfg, reg: reg}
}

func (r *RouteGeoIP) Name() nodename.Name { return r.name }

// resolveChild determines which child escaper should handle tc, by
// resolving the target host and matching it against the geo table.
func (r *RouteGeoIP) resolveChild(ctx context.Context, tc *escaper.TaskConf) (escaper.Escaper, *escaper.TcpConnectError) {
	var target netip.Addr
	if ip, err := netip.ParseAddr(tc.TargetHost); err == nil {
		target = ip
	} else if r.cfg.Resolver != nil {
		job, err := r.cfg.Resolver.Resolve(ctx, tc.TargetHost, resolver.Ipv4First, resolver.PickBest)
		if err != nil {
			return nil, &escaper.TcpConnectError{Kind: escaper.ResolveFailed, Reason: "geoip resolve failed", Err: err}
		}
		addrs, err := job.GetR1OrFirst(ctx, 0, 1)
		if err != nil || len(addrs) == 0 {
			return nil, &escaper.TcpConnectError{Kind: escaper.ResolveFailed, Reason: "geoip resolve empty", Err: err}
		}
		target = addrs[0]
	} else {
		return nil, &escaper.TcpConnectError{Kind: escaper.ResolveFailed, Reason: "no resolver configured for hostname target"}
	}

	name := r.cfg.Default
	if r.cfg.Table != nil {
		if entry, ok := r.cfg.Table.Lookup(target); ok {
			if n, ok := r.cfg.ByCountry[entry.Country]; ok {
				name = n
			} else if n, ok := r.cfg.ByContinent[entry.Continent]; ok {
				name = n
			}
		}
	}
	if name.IsEmpty() {
		return nil, &escaper.TcpConnectError{Kind: escaper.EscaperNotUsable, Reason: "no default escaper for unmatched geography"}
	}

	child, ok := r.reg.Lookup(name)
	if !ok {
		return nil, &escaper.TcpConnectError{Kind: escaper.EscaperNotUsable, Reason: fmt.Sprintf("route-geoip: child %q not registered", name.String())}
	}
	return child, nil
}

func (r *RouteGeoIP) TcpSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	child, cerr := r.resolveChild(ctx, tc)
	if cerr != nil {
		return nil, cerr
	}
	return child.TcpSetup(ctx, tc, tn, notes, stats, au)
}

func (r *RouteGeoIP) TlsSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	child, cerr := r.resolveChild(ctx, tc)
	if cerr != nil {
		return nil, cerr
	}
	return child.TlsSetup(ctx, tc, tn, notes, stats, au)
}

func (r *RouteGeoIP) UdpSetup(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	child, cerr := r.resolveChild(ctx, tc)
	if cerr != nil {
		return nil, cerr
	}
	return child.UdpSetup(ctx, tc, un, notes, stats)
}

func (r *RouteGeoIP) UdpRelay(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	child, cerr := r.resolveChild(ctx, tc)
	if cerr != nil {
		return nil, cerr
	}
	return child.UdpRelay(ctx, tc, un, notes, stats)
}

func (r *RouteGeoIP) NewHttpForwardContext() escaper.HttpForwardContext {
	return routeGeoipForwardContext{r: r}
}

func (r *RouteGeoIP) Publish(data []byte) *escaper.TcpConnectError {
	return &escaper.TcpConnectError{Kind: escaper.MethodUnavailable, Reason: "route-geoip has no publishable surface; update the Table directly"}
}

type routeGeoipForwardContext struct{ r *RouteGeoIP }

func (c routeGeoipForwardContext) MakeNewHttpConnection(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes, stats *escaper.TaskStats) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	child, cerr := c.r.resolveChild(ctx, tc)
	if cerr != nil {
		return nil, cerr
	}
	return child.NewHttpForwardContext().MakeNewHttpConnection(ctx, tc, notes, stats)
}
