package resolver

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueryer struct {
	aDelay    time.Duration
	aAddrs    []netip.Addr
	aErr      error
	aaaaDelay time.Duration
	aaaaAddrs []netip.Addr
	aaaaErr   error
}

func (f *fakeQueryer) QueryA(ctx context.Context, domain string) ([]netip.Addr, error) {
	select {
	case <-time.After(f.aDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.aAddrs, f.aErr
}

func (f *fakeQueryer) QueryAAAA(ctx context.Context, domain string) ([]netip.Addr, error) {
	select {
	case <-time.After(f.aaaaDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.aaaaAddrs, f.aaaaErr
}

func TestHappyEyeballsFallback(t *testing.T) {
	// Scenario 5: A-record resolution times out past the
	// resolution_delay window; AAAA returns first.
	v6 := netip.MustParseAddr("2001:db8::1")
	q := &fakeQueryer{
		aDelay:    time.Second,
		aaaaDelay: 5 * time.Millisecond,
		aaaaAddrs: []netip.Addr{v6},
	}
	r := New(q)
	job, err := r.Resolve(context.Background(), "example.com", Ipv4First, PickBest)
	require.NoError(t, err)

	addrs, err := job.GetR1OrFirst(context.Background(), 50*time.Millisecond, 8)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, v6, addrs[0])
}

func TestR2NeverRepeatsR1(t *testing.T) {
	v4 := netip.MustParseAddr("198.51.100.1")
	v6 := netip.MustParseAddr("2001:db8::1")
	q := &fakeQueryer{
		aDelay:    5 * time.Millisecond,
		aAddrs:    []netip.Addr{v4},
		aaaaDelay: 5 * time.Millisecond,
		aaaaAddrs: []netip.Addr{v4, v6},
	}
	r := New(q)
	job, err := r.Resolve(context.Background(), "example.com", Ipv4First, PickBest)
	require.NoError(t, err)

	r1, err := job.GetR1OrFirst(context.Background(), 20*time.Millisecond, 8)
	require.NoError(t, err)
	require.Contains(t, r1, v4)

	r2, err := job.GetR2OrNever(context.Background(), 8)
	require.NoError(t, err)
	for _, a := range r2 {
		assert.NotContains(t, r1, a)
	}
}

func TestEmptyDomain(t *testing.T) {
	r := New(&fakeQueryer{})
	_, err := r.Resolve(context.Background(), "", Ipv4First, PickBest)
	assert.ErrorIs(t, err, ErrEmptyDomain)
}

func TestResolverNotRunning(t *testing.T) {
	r := New(&fakeQueryer{})
	r.Shutdown()
	_, err := r.Resolve(context.Background(), "example.com", Ipv4First, PickBest)
	assert.ErrorIs(t, err, ErrNoResolverRunning)
}

func TestRedirection(t *testing.T) {
	want := netip.MustParseAddr("203.0.113.9")
	red := NewMapRedirector(map[string][]netip.Addr{"example.com": {want}})
	r := New(&fakeQueryer{aDelay: time.Hour, aaaaDelay: time.Hour})
	job, err := r.Resolve(context.Background(), "example.com", Ipv4First, PickBest, red)
	require.NoError(t, err)

	addrs, err := job.GetR1OrFirst(context.Background(), 10*time.Millisecond, 8)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{want}, addrs)
}
