package serverrt

import (
	"context"
	"fmt"
	"net"
)

// WorkerPool dispatches accepted connections to a fixed set of worker
// goroutines, for the "listen_in_worker not set" path where a listener
// runs on the main runtime and tasks fan out to workers via a
// select-handle routine rather than each listener pinning its own worker.
type WorkerPool struct {
	tasks chan workerTask
	done  chan struct{}
}

type workerTask struct {
	ctx    context.Context
	conn   net.Conn
	client ClientInfo
	run    AcceptTcpServer
}

// NewWorkerPool starts n worker goroutines draining a shared task queue.
func NewWorkerPool(n int) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	wp := &WorkerPool{
		tasks: make(chan workerTask, n*4),
		done:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go wp.loop()
	}
	return wp
}

func (wp *WorkerPool) loop() {
	for {
		select {
		case t, ok := <-wp.tasks:
			if !ok {
				return
			}
			t.run.RunTcpTask(t.ctx, t.conn, t.client)
		case <-wp.done:
			return
		}
	}
}

// Dispatch enqueues one accepted connection for a worker to run. It
// blocks only while the queue is full, applying backpressure to the
// accept loop rather than spawning unbounded goroutines.
func (wp *WorkerPool) Dispatch(ctx context.Context, conn net.Conn, client ClientInfo, handler AcceptTcpServer) {
	select {
	case <-wp.done:
		_ = conn.Close()
		return
	default:
	}
	select {
	case <-wp.done:
		_ = conn.Close()
	case wp.tasks <- workerTask{ctx: ctx, conn: conn, client: client, run: handler}:
	case <-ctx.Done():
		_ = conn.Close()
	}
}

// Close stops accepting new dispatches; queued tasks already taken by a
// worker still run to completion.
func (wp *WorkerPool) Close() {
	close(wp.done)
}

// ListenTCPPinned is the worker-pinned accept-loop variant: every
// connection accepted on ln runs on one of wp's worker goroutines,
// rather than each connection getting its own ungoverned goroutine.
func (s *Server) ListenTCPPinned(ctx context.Context, ln net.Listener, wp *WorkerPool) error {
	if s.base.TypeVal != KindTCP {
		return fmt.Errorf("serverrt: server %q is not a TCP server", s.base.NameVal)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)
	defer s.running.Store(false)

	go func() {
		<-runCtx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return err
		}
		client := ClientInfo{LocalAddr: conn.LocalAddr(), RemoteAddr: conn.RemoteAddr()}
		wp.Dispatch(runCtx, conn, client, s.currentTcpHandler())
	}
}
