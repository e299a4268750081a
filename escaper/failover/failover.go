// Package failover implements the failover escaper: a primary
// child is always tried first; if it does not answer within a grace window
// a standby child races it, and whichever connects first is used. A pool
// invalidation hook lets callers drop cached connections keyed to the
// escaper when the effective child changes.
package failover

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
	"github.com/nabbar/edgeproxy/pool"
)

// Config is the static policy of a failover escaper.
type Config struct {
	Primary     escaper.Escaper
	Standby     escaper.Escaper
	Grace       time.Duration // how long Primary gets before Standby is raced in
	Pool        *pool.Pool    // invalidated on final-escaper change, may be nil
}

type Failover struct {
	name       nodename.Name
	cfg        Config
	lastActive atomic.Value // nodename.Name
}

func New(name nodename.Name, cfg Config) *Failover {
	return &Failover{name: name, cfg: cfg}
}

func (f *Failover) Name() nodename.Name { return f.name }

func (f *Failover) grace() time.Duration {
	if f.cfg.Grace <= 0 {
		return 200 * time.Millisecond
	}
	return f.cfg.Grace
}

// markActive records the escaper that actually served the connection and
// invalidates the pool's cached slot when it changed since the last call,
// so a stale keep-alive against the now-inactive escaper is never reused.
func (f *Failover) markActive(child nodename.Name, key pool.Key) {
	prev, _ := f.lastActive.Swap(child).(nodename.Name)
	if !prev.IsEmpty() && !prev.Equal(child) && f.cfg.Pool != nil {
		key.Escaper = prev.String()
		f.cfg.Pool.Invalidate(key)
	}
}

type raceResult struct {
	conn  io.ReadWriteCloser
	child nodename.Name
}

// race runs primary immediately and standby after grace, returning the
// first to succeed; if both fail, returns the primary's error.
func (f *Failover) race(parent context.Context, run func(context.Context, escaper.Escaper) (io.ReadWriteCloser, *escaper.TcpConnectError)) (raceResult, *escaper.TcpConnectError) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	resultCh := make(chan raceResult, 2)
	var g errgroup.Group
	var primaryErr, standbyErr *escaper.TcpConnectError

	g.Go(func() error {
		conn, cerr := run(ctx, f.cfg.Primary)
		if cerr != nil {
			primaryErr = cerr
			return nil
		}
		select {
		case resultCh <- raceResult{conn: conn, child: f.cfg.Primary.Name()}:
		case <-ctx.Done():
			_ = conn.Close()
		}
		return nil
	})

	if f.cfg.Standby != nil {
		g.Go(func() error {
			select {
			case <-time.After(f.grace()):
			case <-ctx.Done():
				return nil
			}
			conn, cerr := run(ctx, f.cfg.Standby)
			if cerr != nil {
				standbyErr = cerr
				return nil
			}
			select {
			case resultCh <- raceResult{conn: conn, child: f.cfg.Standby.Name()}:
			case <-ctx.Done():
				_ = conn.Close()
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() { _ = g.Wait(); close(done) }()

	select {
	case res := <-resultCh:
		cancel()
		<-done
		return res, nil
	case <-done:
		if primaryErr != nil {
			return raceResult{}, primaryErr
		}
		return raceResult{}, standbyErr
	}
}

func (f *Failover) TcpSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	res, cerr := f.race(ctx, func(c context.Context, child escaper.Escaper) (io.ReadWriteCloser, *escaper.TcpConnectError) {
		return child.TcpSetup(c, tc, tn, notes, stats, au)
	})
	if cerr != nil {
		return nil, cerr
	}
	f.markActive(res.child, poolKey(tc, res.child, false, notes))
	return res.conn, nil
}

func (f *Failover) TlsSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	res, cerr := f.race(ctx, func(c context.Context, child escaper.Escaper) (io.ReadWriteCloser, *escaper.TcpConnectError) {
		return child.TlsSetup(c, tc, tn, notes, stats, au)
	})
	if cerr != nil {
		return nil, cerr
	}
	f.markActive(res.child, poolKey(tc, res.child, true, notes))
	return res.conn, nil
}

func (f *Failover) UdpSetup(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	if pc, cerr := f.cfg.Primary.UdpSetup(ctx, tc, un, notes, stats); cerr == nil {
		return pc, nil
	}
	if f.cfg.Standby == nil {
		return nil, &escaper.TcpConnectError{Kind: escaper.MethodUnavailable, Reason: "primary udp setup failed, no standby"}
	}
	return f.cfg.Standby.UdpSetup(ctx, tc, un, notes, stats)
}

func (f *Failover) UdpRelay(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return f.UdpSetup(ctx, tc, un, notes, stats)
}

func (f *Failover) NewHttpForwardContext() escaper.HttpForwardContext {
	return failoverForwardContext{f: f}
}

func (f *Failover) Publish(data []byte) *escaper.TcpConnectError {
	if cerr := f.cfg.Primary.Publish(data); cerr == nil {
		return nil
	}
	if f.cfg.Standby != nil {
		return f.cfg.Standby.Publish(data)
	}
	return &escaper.TcpConnectError{Kind: escaper.MethodUnavailable, Reason: "neither primary nor standby accepts publish"}
}

// ActiveChild reports which child last served a connection, for the admin
// stats surface.
func (f *Failover) ActiveChild() nodename.Name {
	v, _ := f.lastActive.Load().(nodename.Name)
	return v
}

type failoverForwardContext struct{ f *Failover }

func (c failoverForwardContext) MakeNewHttpConnection(ctx context.Context, tc *escaper.TaskConf, notes *escaper.TaskNotes, stats *escaper.TaskStats) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	res, cerr := c.f.race(ctx, func(cc context.Context, child escaper.Escaper) (io.ReadWriteCloser, *escaper.TcpConnectError) {
		return child.NewHttpForwardContext().MakeNewHttpConnection(cc, tc, notes, stats)
	})
	if cerr != nil {
		return nil, cerr
	}
	c.f.markActive(res.child, poolKey(tc, res.child, tc.UseTLS, notes))
	return res.conn, nil
}

func poolKey(tc *escaper.TaskConf, child nodename.Name, tls bool, notes *escaper.TaskNotes) pool.Key {
	return pool.Key{Escaper: child.String(), Upstream: tc.TargetHost, TLS: tls, User: notes.UserName}
}
