// Package user implements the User Directory & Authentication component:
// static + dynamically fetched users, anonymous policy, password/ACL
// checks and traffic stats.
//
// Password verification uses golang.org/x/crypto/bcrypt; the dynamic user
// source can be a JSON push (publish_dynamic_users) or an LDAP bind+search
// (github.com/go-ldap/ldap/v3), selected per UserGroup.
package user

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	atomicmap "github.com/nabbar/edgeproxy/atomic"
)

// lockout policy: consecutive bad passwords past the threshold start a
// lockout delay that doubles on every further failure once a lockout has
// expired, capped at maxLockDelay. Attempts made while locked are rejected
// without being counted.
const (
	maxFailuresBeforeLock = 5
	baseLockDelay         = 30 * time.Second
	maxLockDelay          = 5 * time.Minute
)

// lockoutState is the per-username failure counter backing AuthErrorKind
// Blocked. fails and until are plain sync/atomic fields (no default/cast
// machinery needed for a counter); the registry of these states keyed by
// username is what needs atomic create-or-fetch semantics across concurrent
// logins, which is what Group.lockouts (an atomicmap.Map) provides.
type lockoutState struct {
	fails atomic.Int32
	until atomic.Int64 // unix nano deadline; zero means not locked
}

func (l *lockoutState) locked() (time.Duration, bool) {
	until := l.until.Load()
	if until == 0 {
		return 0, false
	}
	remaining := time.Until(time.Unix(0, until))
	if remaining <= 0 {
		l.until.Store(0)
		return 0, false
	}
	return remaining, true
}

// recordFailure counts one bad password and returns the lockout delay just
// applied, or zero if the threshold hasn't been reached yet.
func (l *lockoutState) recordFailure() time.Duration {
	fails := l.fails.Add(1)
	if fails < maxFailuresBeforeLock {
		return 0
	}
	shift := fails - maxFailuresBeforeLock
	if shift > 4 {
		shift = 4
	}
	delay := baseLockDelay << uint(shift)
	if delay > maxLockDelay {
		delay = maxLockDelay
	}
	l.until.Store(time.Now().Add(delay).UnixNano())
	return delay
}

func (l *lockoutState) reset() {
	l.fails.Store(0)
	l.until.Store(0)
}

// Source identifies where a User resolution came from.
type Source int

const (
	SourceStatic Source = iota
	SourceDynamic
	SourceAnonymous
)

// AuthErrorKind enumerates check_user_with_password failure kinds.
type AuthErrorKind int

const (
	NoSuchUser AuthErrorKind = iota
	BadPassword
	Blocked
	NoUserSupplied
)

type AuthError struct {
	Kind  AuthErrorKind
	Delay time.Duration // set when Kind == Blocked and a delay was configured
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case NoSuchUser:
		return "user: no such user"
	case BadPassword:
		return "user: bad password"
	case Blocked:
		return "user: blocked"
	default:
		return "user: no user supplied"
	}
}

// ACL gates admission for a user: client-addr, destination, request-type,
// rate limits and concurrency permits.
type ACL struct {
	AllowedClientNets []*net.IPNet
	DeniedDestinations []string
	AllowedRequestTypes []string
	RateLimitPerSecond float64
	MaxConcurrency     int
}

func (a *ACL) AllowClient(addr net.IP) bool {
	if a == nil || len(a.AllowedClientNets) == 0 {
		return true
	}
	for _, n := range a.AllowedClientNets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *ACL) AllowDestination(host string) bool {
	if a == nil {
		return true
	}
	for _, d := range a.DeniedDestinations {
		if d == host {
			return false
		}
	}
	return true
}

func (a *ACL) AllowRequestType(kind string) bool {
	if a == nil || len(a.AllowedRequestTypes) == 0 {
		return true
	}
	for _, k := range a.AllowedRequestTypes {
		if k == kind {
			return true
		}
	}
	return false
}

// Stats holds per-user traffic/alive counters. Every field is mutated
// atomically so Stats can be shared between the pre-reload and post-reload
// User instance without locking.
type Stats struct {
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	requestsTot  atomic.Int64
	aliveTasks   atomic.Int64
}

func (s *Stats) AddIn(n int64)        { s.bytesIn.Add(n) }
func (s *Stats) AddOut(n int64)       { s.bytesOut.Add(n) }
func (s *Stats) IncRequests()         { s.requestsTot.Add(1) }
func (s *Stats) IncAlive() int64      { return s.aliveTasks.Add(1) }
func (s *Stats) DecAlive() int64      { return s.aliveTasks.Add(-1) }
func (s *Stats) BytesIn() int64       { return s.bytesIn.Load() }
func (s *Stats) BytesOut() int64      { return s.bytesOut.Load() }
func (s *Stats) Requests() int64      { return s.requestsTot.Load() }
func (s *Stats) Alive() int64         { return s.aliveTasks.Load() }

// User's identity is immutable once created; reload derives a new value
// from the old one, preserving the Stats pointer.
type User struct {
	Name         string
	HashedPass   []byte // bcrypt hash, empty for passwordless/anonymous
	ACL          *ACL
	Source       Source
	Stats        *Stats
	PathSelect   map[string]string // per-user param -> escaper name (username_params)
	DNSRedirects map[string][]string
}

// CheckPassword verifies password against the bcrypt hash.
func (u *User) CheckPassword(password string) bool {
	if len(u.HashedPass) == 0 {
		return password == ""
	}
	return bcrypt.CompareHashAndPassword(u.HashedPass, []byte(password)) == nil
}

// Reload returns a new User with updated fields but the same Stats pointer,
// honoring the "derived from old, preserving counters" invariant.
func (u *User) Reload(hashedPass []byte, acl *ACL) *User {
	return &User{
		Name:         u.Name,
		HashedPass:   hashedPass,
		ACL:          acl,
		Source:       u.Source,
		Stats:        u.Stats,
		PathSelect:   u.PathSelect,
		DNSRedirects: u.DNSRedirects,
	}
}

func HashPassword(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// Context binds a resolved User to the identity of the server that accepted
// the connection, for per-server stats.
type Context struct {
	User       *User
	ServerName string
	ServerTags []string
}

var ErrNoSuchUser = errors.New("user: no such user")

// Group owns the read-mostly static map and the swappable dynamic map.
// dynamicKey gates late saves after reload.
type Group struct {
	mu       sync.RWMutex
	static   map[string]*User
	dynamic  atomic.Pointer[map[string]*User]
	anon     *User
	dynKey   atomic.Pointer[uuid.UUID]

	fetchCancel chan struct{}
	checkCancel chan struct{}

	lockouts atomicmap.Map[string] // username -> *lockoutState

	Source DynamicSource // optional, nil disables the fetch job
}

// DynamicSource refreshes the dynamic user set from an external origin
// (JSON push body, LDAP directory, ...).
type DynamicSource interface {
	Fetch() (map[string]*User, error)
}

func NewGroup(static map[string]*User, anon *User) *Group {
	g := &Group{static: static, anon: anon, lockouts: atomicmap.NewMapAny[string]()}
	empty := map[string]*User{}
	g.dynamic.Store(&empty)
	id := uuid.New()
	g.dynKey.Store(&id)
	return g
}

// lockoutFor returns the shared lockoutState for name, creating one on
// first use.
func (g *Group) lockoutFor(name string) *lockoutState {
	if v, ok := g.lockouts.Load(name); ok {
		return v.(*lockoutState)
	}
	actual, _ := g.lockouts.LoadOrStore(name, &lockoutState{})
	return actual.(*lockoutState)
}

// GetUser is an O(1) lookup across static, dynamic, then anonymous.
func (g *Group) GetUser(name string) (*User, Source, bool) {
	g.mu.RLock()
	u, ok := g.static[name]
	g.mu.RUnlock()
	if ok {
		return u, SourceStatic, true
	}

	dyn := *g.dynamic.Load()
	if u, ok := dyn[name]; ok {
		return u, SourceDynamic, true
	}

	if name == "" && g.anon != nil {
		return g.anon, SourceAnonymous, true
	}

	return nil, 0, false
}

// CheckUserWithPassword is the primary authentication entry point. A
// username that has accumulated maxFailuresBeforeLock consecutive bad
// passwords is rejected with Kind Blocked and a Delay until it may try
// again, without even reaching the bcrypt comparison.
func (g *Group) CheckUserWithPassword(name, password, serverName string, serverTags []string) (*Context, *AuthError) {
	if name == "" {
		return nil, &AuthError{Kind: NoUserSupplied}
	}
	u, _, ok := g.GetUser(name)
	if !ok {
		return nil, &AuthError{Kind: NoSuchUser}
	}

	ls := g.lockoutFor(name)
	if delay, locked := ls.locked(); locked {
		return nil, &AuthError{Kind: Blocked, Delay: delay}
	}

	if !u.CheckPassword(password) {
		if delay := ls.recordFailure(); delay > 0 {
			return nil, &AuthError{Kind: Blocked, Delay: delay}
		}
		return nil, &AuthError{Kind: BadPassword}
	}

	ls.reset()
	return &Context{User: u, ServerName: serverName, ServerTags: serverTags}, nil
}

// AllowAnonymous consults the anonymous user's client-addr ACL.
func (g *Group) AllowAnonymous(client net.IP) bool {
	if g.anon == nil {
		return false
	}
	return g.anon.ACL.AllowClient(client)
}

// SaveDynamicUsers replaces the dynamic user set with an already-decoded
// map (JSON decoding is left to the caller, keeping this package decoupled
// from any JSON schema), preserving the Stats of users already present. A
// mismatched dynamicKey after reload makes the save a no-op.
func (g *Group) SaveDynamicUsers(expectedKey uuid.UUID, users map[string]*User) bool {
	cur := g.dynKey.Load()
	if cur == nil || *cur != expectedKey {
		return false
	}

	old := *g.dynamic.Load()
	merged := make(map[string]*User, len(users))
	for name, nu := range users {
		if prev, ok := old[name]; ok {
			merged[name] = prev.Reload(nu.HashedPass, nu.ACL)
		} else {
			nu.Stats = &Stats{}
			merged[name] = nu
		}
	}
	g.dynamic.Store(&merged)
	return true
}

// DynamicKey returns the current generation key, to be echoed back by a
// caller performing a (possibly slow) fetch before calling SaveDynamicUsers.
func (g *Group) DynamicKey() uuid.UUID {
	return *g.dynKey.Load()
}

// Regenerate rotates the generational key; called on reload so that any
// fetch in flight under the old generation becomes a no-op save.
func (g *Group) Regenerate() {
	id := uuid.New()
	g.dynKey.Store(&id)
}

// StartFetchJob runs the periodic dynamic-user refresh.
// Cancelable via Stop.
func (g *Group) StartFetchJob(interval time.Duration) {
	if g.Source == nil {
		return
	}
	g.fetchCancel = make(chan struct{})
	go func(cancel chan struct{}) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-t.C:
				key := g.DynamicKey()
				users, err := g.Source.Fetch()
				if err == nil {
					g.SaveDynamicUsers(key, users)
				}
			}
		}
	}(g.fetchCancel)
}

// StartCheckJob walks the dynamic users every refreshInterval and evicts
// those isStale reports; static users are not touched.
func (g *Group) StartCheckJob(refreshInterval time.Duration, isStale func(*User) bool) {
	g.checkCancel = make(chan struct{})
	go func(cancel chan struct{}) {
		t := time.NewTicker(refreshInterval)
		defer t.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-t.C:
				if isStale == nil {
					continue
				}
				dyn := *g.dynamic.Load()
				next := make(map[string]*User, len(dyn))
				for name, u := range dyn {
					if !isStale(u) {
						next[name] = u
					}
				}
				g.dynamic.Store(&next)
			}
		}
	}(g.checkCancel)
}

// Stop cancels both background jobs.
func (g *Group) Stop() {
	if g.fetchCancel != nil {
		close(g.fetchCancel)
		g.fetchCancel = nil
	}
	if g.checkCancel != nil {
		close(g.checkCancel)
		g.checkCancel = nil
	}
}

// ParseUsernameParams implements the ".siteN" suffix convention
// scenario 3: a username like "tenantA.site1" carries routing parameters
// after the first dot.
func ParseUsernameParams(raw string) (base string, params []string) {
	i := 0
	for ; i < len(raw); i++ {
		if raw[i] == '.' {
			break
		}
	}
	if i == len(raw) {
		return raw, nil
	}
	base = raw[:i]
	rest := raw[i+1:]
	start := 0
	for j := 0; j <= len(rest); j++ {
		if j == len(rest) || rest[j] == '.' {
			if j > start {
				params = append(params, rest[start:j])
			}
			start = j + 1
		}
	}
	return base, params
}
