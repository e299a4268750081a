// Package resolver implements asynchronous name->IP resolution with
// happy-eyeballs racing, redirection and per-user override.
//
// The wire protocol is github.com/miekg/dns. Resolve returns a Job
// immediately and races the preferred/other family queries in their own
// goroutines, each reporting into a buffered channel the Job reads from
// later — an errgroup.Wait() would block Resolve itself, which this lazy,
// return-before-DNS-completes API can't afford, so the race is plain
// goroutines and channels instead.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Strategy selects which address family is preferred.
type Strategy int

const (
	Ipv4Only Strategy = iota
	Ipv6Only
	Ipv4First
	Ipv6First
)

// Picker chooses among equally eligible addresses.
type Picker int

const (
	PickBest Picker = iota
	PickRandom
)

var (
	ErrNoResolverRunning = errors.New("resolver: not running")
	ErrEmptyDomain       = errors.New("resolver: empty domain")
)

// Queryer performs the actual DNS wire exchange. The default implementation
// uses github.com/miekg/dns against a configured set of nameservers.
type Queryer interface {
	QueryA(ctx context.Context, domain string) ([]netip.Addr, error)
	QueryAAAA(ctx context.Context, domain string) ([]netip.Addr, error)
}

// Redirector maps a domain to a fixed set of pre-resolved addresses,
// short-circuiting DNS entirely. Two independent tables are consulted in
// order: per-user, then per-escaper.
type Redirector interface {
	Lookup(domain string) ([]netip.Addr, bool)
}

type mapRedirector map[string][]netip.Addr

func (m mapRedirector) Lookup(domain string) ([]netip.Addr, bool) {
	v, ok := m[domain]
	return v, ok
}

func NewMapRedirector(m map[string][]netip.Addr) Redirector {
	return mapRedirector(m)
}

// Resolver is the top-level entry point
type Resolver struct {
	q       Queryer
	running bool
	mu      sync.RWMutex
}

func New(q Queryer) *Resolver {
	return &Resolver{q: q, running: true}
}

func (r *Resolver) Shutdown() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Resolver) isRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Job is a lazy two-phase resolution job.
type Job struct {
	strategy Strategy
	picker   Picker

	preferred   <-chan familyResult
	other       <-chan familyResult
	resultOnce  sync.Once
	r1Addrs     []netip.Addr
	r1Done      bool
}

type familyResult struct {
	addrs []netip.Addr
	err   error
}

// Resolve starts a lazy resolution job. If a redirection entry matches the
// domain, the job short-circuits to the pre-resolved set without issuing
// DNS.
func (r *Resolver) Resolve(ctx context.Context, domain string, strategy Strategy, picker Picker, redir ...Redirector) (*Job, error) {
	if domain == "" {
		return nil, ErrEmptyDomain
	}
	if !r.isRunning() {
		return nil, ErrNoResolverRunning
	}

	for _, red := range redir {
		if red == nil {
			continue
		}
		if addrs, ok := red.Lookup(domain); ok {
			done := make(chan familyResult, 1)
			done <- familyResult{addrs: addrs}
			close(done)
			empty := make(chan familyResult, 1)
			empty <- familyResult{}
			close(empty)
			return &Job{strategy: strategy, picker: picker, preferred: done, other: empty}, nil
		}
	}

	preferredFamily, otherFamily := familiesFor(strategy)

	preferred := make(chan familyResult, 1)
	other := make(chan familyResult, 1)

	go r.query(ctx, domain, preferredFamily, preferred)
	if otherFamily != familyNone {
		go r.query(ctx, domain, otherFamily, other)
	} else {
		other <- familyResult{}
		close(other)
	}

	return &Job{strategy: strategy, picker: picker, preferred: preferred, other: other}, nil
}

type family int

const (
	familyNone family = iota
	family4
	family6
)

func familiesFor(s Strategy) (preferred, other family) {
	switch s {
	case Ipv4Only:
		return family4, familyNone
	case Ipv6Only:
		return family6, familyNone
	case Ipv6First:
		return family6, family4
	default: // Ipv4First
		return family4, family6
	}
}

func (r *Resolver) query(ctx context.Context, domain string, f family, out chan<- familyResult) {
	defer close(out)
	var (
		addrs []netip.Addr
		err   error
	)
	switch f {
	case family4:
		addrs, err = r.q.QueryA(ctx, domain)
	case family6:
		addrs, err = r.q.QueryAAAA(ctx, domain)
	}
	out <- familyResult{addrs: addrs, err: err}
}

// GetR1OrFirst returns the preferred-family results. If the preferred query
// is still pending but the other family has already completed, it waits up
// to resolutionDelay for the preferred answer before falling back to the
// other family's first results. The preferred's eventual success always
// wins over an already-delivered other-family result.
func (j *Job) GetR1OrFirst(ctx context.Context, resolutionDelay time.Duration, maxCount int) ([]netip.Addr, error) {
	select {
	case res := <-j.preferred:
		j.r1Done = true
		if res.err == nil && len(res.addrs) > 0 {
			j.r1Addrs = truncate(res.addrs, maxCount)
			return j.r1Addrs, nil
		}
		// preferred family failed: fall through to race with other.
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// A consumed preferred channel is closed; a nil channel keeps the
	// select below from reading its zero value again.
	pref := j.preferred
	if j.r1Done {
		pref = nil
	}

	timer := time.NewTimer(resolutionDelay)
	defer timer.Stop()

	select {
	case res := <-pref:
		j.r1Done = true
		if res.err == nil && len(res.addrs) > 0 {
			j.r1Addrs = truncate(res.addrs, maxCount)
			return j.r1Addrs, nil
		}
		return nil, firstErr(res.err, ErrEmptyDomain)
	case res := <-j.other:
		// Other family answered within the delay window; use it, but
		// remember it so GetR2OrNever never repeats it.
		j.r1Addrs = truncate(res.addrs, maxCount)
		return j.r1Addrs, res.err
	case <-timer.C:
		select {
		case res := <-j.other:
			j.r1Addrs = truncate(res.addrs, maxCount)
			return j.r1Addrs, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetR2OrNever returns the other family's results, which may be empty, and
// then blocks forever (the channel is never refilled). It never returns an
// address already delivered by GetR1OrFirst.
func (j *Job) GetR2OrNever(ctx context.Context, maxCount int) ([]netip.Addr, error) {
	select {
	case res := <-j.other:
		addrs := truncate(res.addrs, maxCount)
		addrs = subtract(addrs, j.r1Addrs)
		return addrs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func truncate(addrs []netip.Addr, max int) []netip.Addr {
	if max <= 0 || len(addrs) <= max {
		return addrs
	}
	return addrs[:max]
}

func subtract(addrs, exclude []netip.Addr) []netip.Addr {
	if len(exclude) == 0 {
		return addrs
	}
	seen := make(map[netip.Addr]struct{}, len(exclude))
	for _, a := range exclude {
		seen[a] = struct{}{}
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// miekgQueryer is the default Queryer, grounded on github.com/miekg/dns.
type miekgQueryer struct {
	servers []string
	client  *dns.Client
}

func NewMiekgQueryer(servers []string) Queryer {
	return &miekgQueryer{servers: servers, client: &dns.Client{Timeout: 5 * time.Second}}
}

func (m *miekgQueryer) QueryA(ctx context.Context, domain string) ([]netip.Addr, error) {
	return m.query(ctx, domain, dns.TypeA)
}

func (m *miekgQueryer) QueryAAAA(ctx context.Context, domain string) ([]netip.Addr, error) {
	return m.query(ctx, domain, dns.TypeAAAA)
}

func (m *miekgQueryer) query(ctx context.Context, domain string, qtype uint16) ([]netip.Addr, error) {
	if len(m.servers) == 0 {
		return nil, errors.New("resolver: no nameservers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, srv := range m.servers {
		in, _, err := m.client.ExchangeContext(ctx, msg, net.JoinHostPort(srv, "53"))
		if err != nil {
			lastErr = err
			continue
		}
		var out []netip.Addr
		for _, rr := range in.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A.To4()); ok {
					out = append(out, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
					out = append(out, a)
				}
			}
		}
		return out, nil
	}
	return nil, lastErr
}
