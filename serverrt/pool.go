package serverrt

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// Pool tracks every running Server this daemon owns, with an
// Add/Get/Del/MapRun/WaitNotify shape generalized from HTTP listeners to
// the TCP/QUIC accept planes.
type Pool struct {
	mu   sync.RWMutex
	byID map[string]*Server
}

func NewPool() *Pool {
	return &Pool{byID: make(map[string]*Server)}
}

func (p *Pool) Add(srv *Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[srv.Base().Name()] = srv
}

func (p *Pool) Get(name string) (*Server, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.byID[name]
	return s, ok
}

func (p *Pool) Del(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.byID[name]; ok {
		s.Shutdown()
		delete(p.byID, name)
	}
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

// MapRun calls f for every server currently in the pool.
func (p *Pool) MapRun(f func(*Server)) {
	p.mu.RLock()
	servers := make([]*Server, 0, len(p.byID))
	for _, s := range p.byID {
		servers = append(servers, s)
	}
	p.mu.RUnlock()

	for _, s := range servers {
		f(s)
	}
}

// Filter returns the names of servers whose name contains pattern
// (case-insensitive substring match).
func (p *Pool) Filter(pattern string) []string {
	pattern = strings.ToLower(pattern)
	var out []string
	p.MapRun(func(s *Server) {
		if pattern == "" || strings.Contains(strings.ToLower(s.Base().Name()), pattern) {
			out = append(out, s.Base().Name())
		}
	})
	return out
}

// Shutdown cancels every server's accept loop.
func (p *Pool) Shutdown() {
	p.MapRun(func(s *Server) { s.Shutdown() })
}

// WaitNotify blocks until SIGINT/SIGTERM/SIGQUIT or ctx is done, then
// shuts the whole pool down.
func (p *Pool) WaitNotify(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	}
	p.Shutdown()
}
