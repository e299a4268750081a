package proxyhttp

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
)

func serveOneConnect(t *testing.T, ln net.Listener, status string) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		_ = req
		_, _ = conn.Write([]byte("HTTP/1.1 " + status + "\r\n\r\n"))
	}()
}

func TestTcpSetupSucceedsOnConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveOneConnect(t, ln, "200 Connection Established")

	addr := ln.Addr().(*net.TCPAddr)
	peer := escaper.Peer{Addr: nodename.Addr{Host: "127.0.0.1", Port: uint16(addr.Port)}, Weight: 1}

	p := New(nodename.New("chain1"), Config{Peers: []escaper.Peer{peer}, DialTimeout: time.Second})
	tn := &escaper.TCPNotes{}
	notes := escaper.NewTaskNotes(nil, nil, "")
	stats := &escaper.TaskStats{}

	rw, cerr := p.TcpSetup(context.Background(), &escaper.TaskConf{TargetHost: "example.com", TargetPort: 443}, tn, notes, stats, nil)
	require.Nil(t, cerr)
	require.NotNil(t, rw)
}

func TestTcpSetupFailsOnRefusedConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveOneConnect(t, ln, "403 Forbidden")

	addr := ln.Addr().(*net.TCPAddr)
	peer := escaper.Peer{Addr: nodename.Addr{Host: "127.0.0.1", Port: uint16(addr.Port)}, Weight: 1}

	p := New(nodename.New("chain1"), Config{Peers: []escaper.Peer{peer}, DialTimeout: time.Second})
	tn := &escaper.TCPNotes{}
	notes := escaper.NewTaskNotes(nil, nil, "")
	stats := &escaper.TaskStats{}

	_, cerr := p.TcpSetup(context.Background(), &escaper.TaskConf{TargetHost: "example.com", TargetPort: 443}, tn, notes, stats, nil)
	require.NotNil(t, cerr)
	require.Equal(t, escaper.NegotiationFailed, cerr.Kind)
}

func TestPublishReplacesPeerPool(t *testing.T) {
	p := New(nodename.New("chain1"), Config{})
	cerr := p.Publish([]byte("10.0.0.1:3128#5\n10.0.0.2:3128#1\n"))
	require.Nil(t, cerr)
	require.Len(t, p.cfg.Peers, 2)
}
