// Package task implements the forwarding task pipeline: pre_start (counter
// bump) -> ACL gate -> Connecting -> Connected -> Relaying -> post_stop,
// plus the idle-timeout watchdog that aborts a stalled relay. Built on the
// escaper contract's TaskNotes/Stage machinery; each stage change is
// reported through the optional Config.OnStageLog callback.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nabbar/edgeproxy/audit"
	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/pool"
	"github.com/nabbar/edgeproxy/user"
)

// DenyReason is ForbiddenByRule's cause.
type DenyReason int

const (
	DenyRateLimited DenyReason = iota
	DenyConcurrencyExceeded
	DenyClientNotAllowed
	DenyDestinationNotAllowed
	DenyRequestTypeNotAllowed
)

func (d DenyReason) String() string {
	switch d {
	case DenyRateLimited:
		return "rate-limited"
	case DenyConcurrencyExceeded:
		return "concurrency-exceeded"
	case DenyClientNotAllowed:
		return "client-not-allowed"
	case DenyDestinationNotAllowed:
		return "destination-not-allowed"
	case DenyRequestTypeNotAllowed:
		return "request-type-not-allowed"
	default:
		return "unknown"
	}
}

// ForbiddenByRule is returned by the ACL gate.
type ForbiddenByRule struct {
	Reason DenyReason
}

func (e *ForbiddenByRule) Error() string {
	return fmt.Sprintf("task: forbidden by rule: %s", e.Reason)
}

// IdleAbort is returned when idle_check_interval*max_idle_count elapses
// with no progress on either side of the relay.
type IdleAbort struct {
	Duration time.Duration
	Count    int
}

func (e *IdleAbort) Error() string {
	return fmt.Sprintf("task: idle for %s after %d checks with no progress", e.Duration, e.Count)
}

// Limiters is the per-user admission state the ACL gate consults: a
// token-bucket rate limiter and a concurrency-permit semaphore, created
// lazily from the user's ACL the first time that user is seen.
type Limiters struct {
	mu   sync.Mutex
	byID map[string]*userLimiter
}

type userLimiter struct {
	rate *rate.Limiter
	sem  *semaphore.Weighted
}

func NewLimiters() *Limiters {
	return &Limiters{byID: make(map[string]*userLimiter)}
}

func (l *Limiters) get(u *user.User) *userLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ul, ok := l.byID[u.Name]; ok {
		return ul
	}

	ul := &userLimiter{}
	if u.ACL != nil {
		if u.ACL.RateLimitPerSecond > 0 {
			ul.rate = rate.NewLimiter(rate.Limit(u.ACL.RateLimitPerSecond), int(u.ACL.RateLimitPerSecond)+1)
		}
		if u.ACL.MaxConcurrency > 0 {
			ul.sem = semaphore.NewWeighted(int64(u.ACL.MaxConcurrency))
		}
	}
	l.byID[u.Name] = ul
	return ul
}

// Acquire checks rate limit then concurrency permit; release() must be
// called exactly once when err is nil, regardless of how the task ends.
func (l *Limiters) Acquire(ctx context.Context, u *user.User) (release func(), err error) {
	ul := l.get(u)

	if ul.rate != nil && !ul.rate.Allow() {
		return nil, &ForbiddenByRule{Reason: DenyRateLimited}
	}

	if ul.sem != nil {
		if !ul.sem.TryAcquire(1) {
			return nil, &ForbiddenByRule{Reason: DenyConcurrencyExceeded}
		}
		return func() { ul.sem.Release(1) }, nil
	}

	return func() {}, nil
}

// Config bundles the pipeline's collaborators.
type Config struct {
	Esc      escaper.Escaper
	Pool     *pool.Pool
	Limiters *Limiters
	// Audit, when non-nil, makes the Relaying stage hand off to its
	// stream-inspector tap instead of running a transparent copy.
	Audit             *audit.Tap
	IdleCheckInterval time.Duration
	MaxIdleCount      int
	OnStageLog        func(stage escaper.Stage, userName string)
}

// AsEscaperAudit adapts Config to escaper.Audit so the escaper's
// TcpSetup/TlsSetup can see whether a tap is wired, without depending on
// the audit package itself.
func (c Config) AsEscaperAudit() escaper.Audit {
	return configAudit{enabled: c.Audit != nil}
}

type configAudit struct{ enabled bool }

func (a configAudit) TapEnabled() bool { return a.enabled }

// Task drives one accepted connection through the forwarding pipeline.
type Task struct {
	cfg   Config
	tc    *escaper.TaskConf
	tn    *escaper.TCPNotes
	notes *escaper.TaskNotes
	stats *escaper.TaskStats
	user  *user.User
}

func New(cfg Config, tc *escaper.TaskConf, client, server net.Addr, u *user.User) *Task {
	return &Task{
		cfg:   cfg,
		tc:    tc,
		tn:    &escaper.TCPNotes{},
		notes: escaper.NewTaskNotes(client, server, u.Name),
		stats: &escaper.TaskStats{},
		user:  u,
	}
}

// Run executes pre_start -> ACL gate -> Connecting -> Connected -> Relaying
// -> post_stop against an already-accepted client connection, relaying
// bytes bidirectionally until EOF, idle timeout, or ctx cancellation.
func (t *Task) Run(ctx context.Context, client io.ReadWriter) error {
	t.preStart()
	defer t.postStop()

	release, err := t.cfg.Limiters.Acquire(ctx, t.user)
	if err != nil {
		return err
	}
	defer release()

	if !t.user.ACL.AllowClient(addrIP(t.notes.ClientAddr)) {
		return &ForbiddenByRule{Reason: DenyClientNotAllowed}
	}
	if !t.user.ACL.AllowDestination(t.tc.TargetHost) {
		return &ForbiddenByRule{Reason: DenyDestinationNotAllowed}
	}
	if !t.user.ACL.AllowRequestType(t.tc.ProxyHint) {
		return &ForbiddenByRule{Reason: DenyRequestTypeNotAllowed}
	}

	t.notes.AdvanceStage(escaper.StageConnecting)
	t.logStage(escaper.StageConnecting)

	au := t.cfg.AsEscaperAudit()
	var upstream io.ReadWriteCloser
	var cerr *escaper.TcpConnectError
	if t.tc.UseTLS {
		upstream, cerr = t.cfg.Esc.TlsSetup(ctx, t.tc, t.tn, t.notes, t.stats, au)
	} else {
		upstream, cerr = t.cfg.Esc.TcpSetup(ctx, t.tc, t.tn, t.notes, t.stats, au)
	}
	if cerr != nil {
		return cerr
	}
	defer upstream.Close()

	t.notes.AdvanceStage(escaper.StageConnected)
	t.logStage(escaper.StageConnected)

	t.notes.AdvanceStage(escaper.StageRelaying)
	t.logStage(escaper.StageRelaying)

	if t.cfg.Audit != nil {
		return t.cfg.Audit.Relay(ctx, client, upstream)
	}
	return t.relay(ctx, client, upstream)
}

func (t *Task) preStart() {
	t.user.Stats.IncAlive()
	t.user.Stats.IncRequests()
}

func (t *Task) postStop() {
	t.user.Stats.DecAlive()
}

func (t *Task) logStage(stage escaper.Stage) {
	if t.cfg.OnStageLog != nil {
		t.cfg.OnStageLog(stage, t.user.Name)
	}
}

// relay copies bytes in both directions, watched by an idle timer that
// aborts when idle_check_interval*max_idle_count elapses without progress
// on either side.
func (t *Task) relay(ctx context.Context, client io.ReadWriter, upstream io.ReadWriter) error {
	var progress [2]int64 // [0]=client->upstream, [1]=upstream->client, snapshotted

	errc := make(chan error, 2)
	go func() {
		n, err := copyCounting(upstream, client, &progress[0])
		t.stats.BytesToUpstream += n
		errc <- err
	}()
	go func() {
		n, err := copyCounting(client, upstream, &progress[1])
		t.stats.BytesFromUpstream += n
		errc <- err
	}()

	interval := t.cfg.IdleCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxIdle := t.cfg.MaxIdleCount
	if maxIdle <= 0 {
		maxIdle = 4
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastTotal int64
	idleCount := 0

	for {
		select {
		case err := <-errc:
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			total := progress[0] + progress[1]
			if total == lastTotal {
				idleCount++
				if idleCount >= maxIdle {
					return &IdleAbort{Duration: interval * time.Duration(maxIdle), Count: idleCount}
				}
			} else {
				idleCount = 0
				lastTotal = total
			}
		}
	}
}

func copyCounting(dst io.Writer, src io.Reader, counter *int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			*counter = total
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func addrIP(a net.Addr) net.IP {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
