package token

import (
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": expiresAt.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestFreshTokenReportsNotExpiredThenExpired(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := NewCache(0)
	cache.SetClock(clock.Now)

	tok := signedToken(t, clock.Now().Add(5*time.Second))

	// Decode path populates the cache.
	expired, err := cache.IsExpired(tok, TypeAccess, false)
	require.NoError(t, err)
	assert.False(t, expired)

	// Cached path agrees while the token is fresh.
	expired, err = cache.IsExpired(tok, TypeAccess, true)
	require.NoError(t, err)
	assert.False(t, expired)

	clock.Advance(6 * time.Second)

	expired, err = cache.IsExpired(tok, TypeAccess, true)
	require.NoError(t, err)
	assert.True(t, expired, "cached path must report expiry after the deadline")

	expired, err = cache.IsExpired(tok, TypeAccess, false)
	require.NoError(t, err)
	assert.True(t, expired, "decode path must report expiry after the deadline")
}

func TestSafetyMarginShortensValidity(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := NewCache(30 * time.Second)
	cache.SetClock(clock.Now)

	tok := signedToken(t, clock.Now().Add(10*time.Second))
	expired, err := cache.IsExpired(tok, TypeAccess, false)
	require.NoError(t, err)
	assert.True(t, expired, "token inside the safety margin counts as expired")
}

func TestCachedPathRequiresExactTokenMatch(t *testing.T) {
	cache := NewCache(0)

	first := signedToken(t, time.Now().Add(time.Hour))
	second := signedToken(t, time.Now().Add(2*time.Hour))

	_, err := cache.IsExpired(first, TypeAccess, false)
	require.NoError(t, err)

	// A different token value must not be served from the stale entry.
	v, err := cache.Validate(second, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, MethodDecode, v.Method)
	assert.True(t, v.Valid)
}

func TestValidateReportsMethodAndElapsed(t *testing.T) {
	cache := NewCache(0)
	tok := signedToken(t, time.Now().Add(time.Hour))

	v, err := cache.Validate(tok, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, MethodDecode, v.Method)
	assert.True(t, v.Valid)
	assert.False(t, v.ExpiresAt.IsZero())

	v, err = cache.Validate(tok, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, MethodCache, v.Method)
	assert.True(t, v.Valid)
}

func TestMalformedTokenIsExpired(t *testing.T) {
	cache := NewCache(0)

	expired, err := cache.IsExpired("not-a-jwt", TypeAccess, false)
	assert.Error(t, err)
	assert.True(t, expired, "undecodable tokens are treated as expired")
}

func TestInvalidateAndClear(t *testing.T) {
	cache := NewCache(0)
	tok := signedToken(t, time.Now().Add(time.Hour))

	_, err := cache.IsExpired(tok, TypeAccess, false)
	require.NoError(t, err)
	_, err = cache.IsExpired(tok, TypeRefresh, false)
	require.NoError(t, err)

	cache.Invalidate(TypeAccess)
	v, err := cache.Validate(tok, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, MethodDecode, v.Method, "invalidated entry must be re-decoded")

	cache.Clear()
	v, err = cache.Validate(tok, TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, MethodDecode, v.Method)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
