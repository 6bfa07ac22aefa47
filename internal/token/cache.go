// Package token holds the offline token validation cache, the encrypted
// device-bound token store and the single-flight refresher.
//
// Expiry checks decode JWT claims WITHOUT verifying the signature. That is a
// latency optimization for offline checks, not a trust boundary: the server's
// signature verification remains the only authoritative authorization check.
package token

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

const (
	MethodCache  = "cache"
	MethodDecode = "decode"
)

// Validation reports the outcome of an expiry check along with which path
// produced it, so monitors can compare cached vs decoded latency.
type Validation struct {
	Valid     bool          `json:"valid"`
	ExpiresAt time.Time     `json:"expires_at"`
	Method    string        `json:"method"`
	Elapsed   time.Duration `json:"elapsed"`
}

type cacheEntry struct {
	token     string
	expiresAt time.Time
	cachedAt  time.Time
}

// Cache keeps the last decoded expiry per token type, in memory only.
// Decoded claims are never persisted.
type Cache struct {
	mu           sync.RWMutex
	entries      map[Type]cacheEntry
	safetyMargin time.Duration
	now          func() time.Time
}

func NewCache(safetyMargin time.Duration) *Cache {
	return &Cache{
		entries:      make(map[Type]cacheEntry),
		safetyMargin: safetyMargin,
		now:          time.Now,
	}
}

// SetClock replaces the cache's time source for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// IsExpired reports whether token is past its decoded expiry minus the
// safety margin. With useCache, a fresh entry for this exact token value is
// compared against the wall clock without decoding; otherwise the token is
// decoded and the cache repopulated.
func (c *Cache) IsExpired(token string, typ Type, useCache bool) (bool, error) {
	if useCache {
		c.mu.RLock()
		entry, ok := c.entries[typ]
		c.mu.RUnlock()
		if ok && entry.token == token {
			return c.expired(entry.expiresAt), nil
		}
	}

	expiresAt, err := decodeExpiry(token)
	if err != nil {
		return true, err
	}

	c.mu.Lock()
	c.entries[typ] = cacheEntry{token: token, expiresAt: expiresAt, cachedAt: c.now()}
	c.mu.Unlock()

	return c.expired(expiresAt), nil
}

// Validate runs an expiry check and reports which path served it and how
// long it took.
func (c *Cache) Validate(token string, typ Type) (Validation, error) {
	start := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[typ]
	c.mu.RUnlock()

	if ok && entry.token == token {
		return Validation{
			Valid:     !c.expired(entry.expiresAt),
			ExpiresAt: entry.expiresAt,
			Method:    MethodCache,
			Elapsed:   time.Since(start),
		}, nil
	}

	expired, err := c.IsExpired(token, typ, false)
	if err != nil {
		return Validation{Method: MethodDecode, Elapsed: time.Since(start)}, err
	}

	c.mu.RLock()
	expiresAt := c.entries[typ].expiresAt
	c.mu.RUnlock()

	return Validation{
		Valid:     !expired,
		ExpiresAt: expiresAt,
		Method:    MethodDecode,
		Elapsed:   time.Since(start),
	}, nil
}

// Invalidate drops the cached expiry for one token type.
func (c *Cache) Invalidate(typ Type) {
	c.mu.Lock()
	delete(c.entries, typ)
	c.mu.Unlock()
}

// Clear drops all cached expiries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[Type]cacheEntry)
	c.mu.Unlock()
}

func (c *Cache) expired(expiresAt time.Time) bool {
	c.mu.RLock()
	now := c.now()
	c.mu.RUnlock()
	return !now.Before(expiresAt.Add(-c.safetyMargin))
}

// decodeExpiry extracts the exp claim without signature verification.
func decodeExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no usable exp claim: %w", err)
	}
	return exp.Time, nil
}
