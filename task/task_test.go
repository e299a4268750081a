package task

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
	"github.com/nabbar/edgeproxy/pool"
	"github.com/nabbar/edgeproxy/user"
)

type fakeEscaper struct {
	upstream io.ReadWriteCloser
	err      *escaper.TcpConnectError
}

func (f *fakeEscaper) Name() nodename.Name { return nodename.New("fake") }
func (f *fakeEscaper) TcpSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	return f.upstream, f.err
}
func (f *fakeEscaper) TlsSetup(ctx context.Context, tc *escaper.TaskConf, tn *escaper.TCPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats, au escaper.Audit) (io.ReadWriteCloser, *escaper.TcpConnectError) {
	return f.upstream, f.err
}
func (f *fakeEscaper) UdpSetup(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return nil, &escaper.TcpConnectError{Kind: escaper.MethodUnavailable}
}
func (f *fakeEscaper) UdpRelay(ctx context.Context, tc *escaper.TaskConf, un *escaper.UDPNotes, notes *escaper.TaskNotes, stats *escaper.TaskStats) (net.PacketConn, *escaper.TcpConnectError) {
	return nil, &escaper.TcpConnectError{Kind: escaper.MethodUnavailable}
}
func (f *fakeEscaper) NewHttpForwardContext() escaper.HttpForwardContext { return nil }
func (f *fakeEscaper) Publish(data []byte) *escaper.TcpConnectError      { return nil }

func newUser(name string, acl *user.ACL) *user.User {
	return &user.User{Name: name, ACL: acl, Stats: &user.Stats{}}
}

func TestRunRelaysBytesOnSuccessfulConnect(t *testing.T) {
	upA, upB := net.Pipe()
	esc := &fakeEscaper{upstream: upA}

	cfg := Config{Esc: esc, Pool: pool.New(0), Limiters: NewLimiters()}
	tc := &escaper.TaskConf{TargetHost: "example.com", TargetPort: 443}
	u := newUser("alice", &user.ACL{})
	tsk := New(cfg, tc, &net.TCPAddr{}, &net.TCPAddr{}, u)

	clientSide, clientRemote := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- tsk.Run(context.Background(), clientSide) }()

	go func() {
		_, _ = clientRemote.Write([]byte("ping"))
	}()

	buf := make([]byte, 4)
	n, err := upB.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	_, _ = upB.Write([]byte("pong"))
	buf2 := make([]byte, 4)
	n2, err := clientRemote.Read(buf2)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf2[:n2]))

	_ = clientRemote.Close()
	_ = upB.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	require.Equal(t, int64(0), u.Stats.Alive())
}

func TestRunDeniesDisallowedDestination(t *testing.T) {
	esc := &fakeEscaper{}
	cfg := Config{Esc: esc, Pool: pool.New(0), Limiters: NewLimiters()}
	tc := &escaper.TaskConf{TargetHost: "blocked.example.com"}
	u := newUser("bob", &user.ACL{DeniedDestinations: []string{"blocked.example.com"}})
	tsk := New(cfg, tc, &net.TCPAddr{}, &net.TCPAddr{}, u)

	clientSide, clientRemote := net.Pipe()
	defer clientRemote.Close()

	err := tsk.Run(context.Background(), clientSide)
	var denied *ForbiddenByRule
	require.ErrorAs(t, err, &denied)
	require.Equal(t, DenyDestinationNotAllowed, denied.Reason)
}

func TestRunDeniesWhenConcurrencyExhausted(t *testing.T) {
	upA, _ := net.Pipe()
	esc := &fakeEscaper{upstream: upA}
	limiters := NewLimiters()
	cfg := Config{Esc: esc, Pool: pool.New(0), Limiters: limiters}
	acl := &user.ACL{MaxConcurrency: 1}
	u := newUser("carol", acl)

	// Exhaust the one permit directly.
	ul := limiters.get(u)
	require.True(t, ul.sem.TryAcquire(1))

	tc := &escaper.TaskConf{TargetHost: "example.com"}
	tsk := New(cfg, tc, &net.TCPAddr{}, &net.TCPAddr{}, u)

	clientSide, clientRemote := net.Pipe()
	defer clientRemote.Close()

	err := tsk.Run(context.Background(), clientSide)
	var denied *ForbiddenByRule
	require.ErrorAs(t, err, &denied)
	require.Equal(t, DenyConcurrencyExceeded, denied.Reason)
}

func TestRunReturnsConnectErrorFromEscaper(t *testing.T) {
	esc := &fakeEscaper{err: &escaper.TcpConnectError{Kind: escaper.ConnectFailed, Reason: "refused"}}
	cfg := Config{Esc: esc, Pool: pool.New(0), Limiters: NewLimiters()}
	tc := &escaper.TaskConf{TargetHost: "example.com"}
	u := newUser("dave", &user.ACL{})
	tsk := New(cfg, tc, &net.TCPAddr{}, &net.TCPAddr{}, u)

	clientSide, clientRemote := net.Pipe()
	defer clientRemote.Close()

	err := tsk.Run(context.Background(), clientSide)
	var cerr *escaper.TcpConnectError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, escaper.ConnectFailed, cerr.Kind)
}
