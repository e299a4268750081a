package serverrt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerPoolDispatchesAndRunsHandler(t *testing.T) {
	wp := NewWorkerPool(2)
	defer wp.Close()

	h := &echoHandler{}
	c1, c2 := net.Pipe()
	defer c2.Close()

	wp.Dispatch(context.Background(), c1, ClientInfo{}, h)

	_, err := c2.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = c2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) RunTcpTask(ctx context.Context, conn net.Conn, client ClientInfo) {
	<-h.release
	_ = conn.Close()
}

// TestWorkerPoolClosesConnWhenContextDone fills the single worker and its
// entire queue so the buffered send in Dispatch cannot proceed, forcing
// the ctx.Done() branch to be the only ready case deterministically.
func TestWorkerPoolClosesConnWhenContextDone(t *testing.T) {
	wp := NewWorkerPool(1)
	defer wp.Close()

	release := make(chan struct{})
	defer close(release)
	busy := &blockingHandler{release: release}

	occupant1, occupant2 := net.Pipe()
	defer occupant1.Close()
	defer occupant2.Close()
	wp.Dispatch(context.Background(), occupant1, ClientInfo{}, busy) // occupies the one worker

	time.Sleep(20 * time.Millisecond)

	fillers := make([]net.Conn, 0, 4)
	for i := 0; i < 4; i++ {
		c1, c2 := net.Pipe()
		fillers = append(fillers, c1, c2)
		wp.Dispatch(context.Background(), c1, ClientInfo{}, busy) // fills the queue, worker stays busy
	}
	defer func() {
		for _, c := range fillers {
			_ = c.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c1, c2 := net.Pipe()
	defer c2.Close()
	wp.Dispatch(ctx, c1, ClientInfo{}, &echoHandler{})

	buf := make([]byte, 1)
	c2.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err := c2.Read(buf)
	require.Error(t, err)
}
