package serverrt

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	calls atomic.Int64
}

func (h *echoHandler) RunTcpTask(ctx context.Context, conn net.Conn, client ClientInfo) {
	h.calls.Add(1)
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err == nil {
		_, _ = conn.Write(buf[:n])
	}
	_ = conn.Close()
}

func TestListenTCPDispatchesToCurrentHandler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &echoHandler{}
	srv := NewTcpServer("test", 1, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.ListenTCP(ctx, ln) }()

	time.Sleep(20 * time.Millisecond)
	require.True(t, srv.IsRunning())

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf))
	_ = conn.Close()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int64(1), h.calls.Load())
}

func TestSwapHandlerReplacesVersionWithoutNewSocket(t *testing.T) {
	h1 := &echoHandler{}
	srv := NewTcpServer("test", 1, h1)
	require.Equal(t, uint64(1), srv.Base().Version())

	h2 := &echoHandler{}
	srv.SwapHandler(2, h2, nil)
	require.Equal(t, uint64(2), srv.Base().Version())
	require.Same(t, h2, srv.currentTcpHandler())
}

func TestShutdownStopsAcceptLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewTcpServer("test", 1, &echoHandler{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- srv.ListenTCP(ctx, ln) }()

	time.Sleep(20 * time.Millisecond)
	srv.Shutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ListenTCP did not return after Shutdown")
	}
	require.False(t, srv.IsRunning())
}
