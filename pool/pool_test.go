package pool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutRemovesEntry(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	p := New(time.Minute)
	key := Key{Escaper: "direct", Upstream: "example.com:443", TLS: true, User: "alice"}
	p.SaveAliveConnection(key, c1)

	got, ok := p.GetAliveConnection(key)
	require.True(t, ok)
	assert.Equal(t, c1, got)

	_, ok = p.GetAliveConnection(key)
	assert.False(t, ok, "a pool entry must be served at most once")
}

func TestEOFPollerEvicts(t *testing.T) {
	c1, c2 := net.Pipe()

	p := New(time.Minute)
	key := Key{Escaper: "direct", Upstream: "example.com:443"}
	p.SaveAliveConnection(key, c1)

	c2.Close() // peer closes -> poller should observe EOF and evict

	require.Eventually(t, func() bool {
		return p.Len() == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := p.GetAliveConnection(key)
	assert.False(t, ok)
}

func TestIdleExpire(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	p := New(20 * time.Millisecond)
	key := Key{Escaper: "direct", Upstream: "example.com:443"}
	p.SaveAliveConnection(key, c1)

	require.Eventually(t, func() bool {
		return p.Len() == 0
	}, time.Second, 5*time.Millisecond)
}
