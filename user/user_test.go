package user

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUserWithPassword(t *testing.T) {
	hash, err := HashPassword("p")
	require.NoError(t, err)

	g := NewGroup(map[string]*User{
		"tenantA": {Name: "tenantA", HashedPass: hash, Stats: &Stats{}},
	}, nil)

	ctx, aerr := g.CheckUserWithPassword("tenantA", "p", "srv1", nil)
	require.Nil(t, aerr)
	assert.Equal(t, "tenantA", ctx.User.Name)

	_, aerr = g.CheckUserWithPassword("tenantA", "wrong", "srv1", nil)
	require.NotNil(t, aerr)
	assert.Equal(t, BadPassword, aerr.Kind)

	_, aerr = g.CheckUserWithPassword("nobody", "p", "srv1", nil)
	require.NotNil(t, aerr)
	assert.Equal(t, NoSuchUser, aerr.Kind)

	_, aerr = g.CheckUserWithPassword("", "p", "srv1", nil)
	require.NotNil(t, aerr)
	assert.Equal(t, NoUserSupplied, aerr.Kind)
}

func TestCheckUserWithPasswordLocksAfterRepeatedFailures(t *testing.T) {
	hash, err := HashPassword("p")
	require.NoError(t, err)

	g := NewGroup(map[string]*User{
		"tenantA": {Name: "tenantA", HashedPass: hash, Stats: &Stats{}},
	}, nil)

	var aerr *AuthError
	for i := 0; i < maxFailuresBeforeLock-1; i++ {
		_, aerr = g.CheckUserWithPassword("tenantA", "wrong", "srv1", nil)
		require.NotNil(t, aerr)
		assert.Equal(t, BadPassword, aerr.Kind)
	}

	_, aerr = g.CheckUserWithPassword("tenantA", "wrong", "srv1", nil)
	require.NotNil(t, aerr)
	assert.Equal(t, Blocked, aerr.Kind)
	assert.Greater(t, aerr.Delay, time.Duration(0))

	_, aerr = g.CheckUserWithPassword("tenantA", "p", "srv1", nil)
	require.NotNil(t, aerr)
	assert.Equal(t, Blocked, aerr.Kind, "correct password is still rejected while locked out")
}

func TestDynamicSaveRejectsStaleGeneration(t *testing.T) {
	g := NewGroup(nil, nil)
	key := g.DynamicKey()
	g.Regenerate()

	ok := g.SaveDynamicUsers(key, map[string]*User{"x": {Name: "x"}})
	assert.False(t, ok, "save under a stale dynamic_key must be a no-op")

	ok = g.SaveDynamicUsers(g.DynamicKey(), map[string]*User{"x": {Name: "x"}})
	assert.True(t, ok)
}

func TestDynamicReloadPreservesCounters(t *testing.T) {
	g := NewGroup(nil, nil)
	key := g.DynamicKey()
	require.True(t, g.SaveDynamicUsers(key, map[string]*User{"x": {Name: "x"}}))

	u, _, ok := g.GetUser("x")
	require.True(t, ok)
	u.Stats.IncRequests()

	hash, _ := HashPassword("np")
	require.True(t, g.SaveDynamicUsers(key, map[string]*User{"x": {Name: "x", HashedPass: hash}}))

	u2, _, ok := g.GetUser("x")
	require.True(t, ok)
	assert.Equal(t, int64(1), u2.Stats.Requests(), "counters must survive reload")
	assert.True(t, u2.CheckPassword("np"))
}

func TestParseUsernameParams(t *testing.T) {
	base, params := ParseUsernameParams("tenantA.site1")
	assert.Equal(t, "tenantA", base)
	assert.Equal(t, []string{"site1"}, params)

	base, params = ParseUsernameParams("plain")
	assert.Equal(t, "plain", base)
	assert.Nil(t, params)
}
