package apikey

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yahya-m2000/hoy-core/internal/config"
	"github.com/yahya-m2000/hoy-core/internal/events"
)

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

func newTestManager(t *testing.T, rate config.RateLimitConfig, probe ProbeFunc) (*Manager, *fakeClock) {
	t.Helper()
	if probe == nil {
		probe = func(context.Context, string, string) error { return nil }
	}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewManager(rate, probe, events.NewBus(64), slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.SetClock(clock.Now)
	return m, clock
}

func TestActiveKeyPrefersPrimary(t *testing.T) {
	m, _ := newTestManager(t, config.RateLimitConfig{}, nil)
	m.SetKey("maps", KeyFallback, "fallback-key-0001", false)
	m.SetKey("maps", KeyPrimary, "primary-key-0001", true)

	key, err := m.ActiveKey("maps")
	require.NoError(t, err)
	assert.Equal(t, "primary-key-0001", key)
}

func TestRotateSwapsPrimaryAndMarksOldInactive(t *testing.T) {
	m, _ := newTestManager(t, config.RateLimitConfig{}, nil)
	m.SetKey("maps", KeyPrimary, "primary-key-0001", true)

	require.NoError(t, m.Rotate("maps", "primary-key-0002"))

	key, err := m.ActiveKey("maps")
	require.NoError(t, err)
	assert.Equal(t, "primary-key-0002", key)

	records := m.UsageStats()
	var active, inactive int
	for _, r := range records {
		if r.Active {
			active++
		} else {
			inactive++
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, inactive)
}

func TestRotateRequiresSupport(t *testing.T) {
	m, _ := newTestManager(t, config.RateLimitConfig{}, nil)
	m.SetKey("payments", KeyPrimary, "fixed-key-000001", false)

	err := m.Rotate("payments", "new-key-00000001")
	assert.ErrorIs(t, err, ErrRotationUnsupported)

	// The refused rotation must not strand the provider without a key.
	key, err := m.ActiveKey("payments")
	require.NoError(t, err)
	assert.Equal(t, "fixed-key-000001", key)

	assert.ErrorIs(t, m.Rotate("ghost", "k"), ErrUnknownProvider)
}

func TestValidateProbesProvider(t *testing.T) {
	probeErr := errors.New("401 from provider")
	var probedKey string
	m, _ := newTestManager(t, config.RateLimitConfig{}, func(_ context.Context, _ string, key string) error {
		probedKey = key
		return probeErr
	})
	m.SetKey("maps", KeyPrimary, "primary-key-0001", true)

	result := m.Validate(context.Background(), "maps")
	assert.False(t, result.Valid)
	assert.Equal(t, probeErr.Error(), result.Error)
	assert.Equal(t, "primary-key-0001", probedKey)
}

func TestUsageAccounting(t *testing.T) {
	m, _ := newTestManager(t, config.RateLimitConfig{}, nil)
	m.SetKey("maps", KeyPrimary, "primary-key-0001", true)

	m.RecordUsage("maps", true, 100*time.Millisecond)
	m.RecordUsage("maps", true, 300*time.Millisecond)
	m.RecordUsage("maps", false, 200*time.Millisecond)

	records := m.UsageStats()
	require.NotEmpty(t, records)
	u := records[0].Usage
	assert.Equal(t, 3, u.TotalRequests)
	assert.Equal(t, 2, u.SuccessfulRequests)
	assert.InDelta(t, 0.6667, u.SuccessRate, 0.001)
	assert.InDelta(t, 200, u.AverageResponseTimeMs, 0.001)
	assert.False(t, u.LastUsedAt.IsZero())
}

func TestThrottleIsAdvisoryAndWindowed(t *testing.T) {
	m, clock := newTestManager(t, config.RateLimitConfig{PerMinute: 2, PerHour: 100}, nil)
	m.SetKey("maps", KeyPrimary, "primary-key-0001", true)

	assert.False(t, m.CheckThrottle("maps").Throttled)

	m.RecordUsage("maps", true, time.Millisecond)
	m.RecordUsage("maps", true, time.Millisecond)

	status := m.CheckThrottle("maps")
	assert.True(t, status.Throttled)
	assert.Equal(t, "minute", status.Scope)
	assert.Greater(t, status.RetryAfter, time.Duration(0))

	// Usage is still recordable while throttled: the manager never blocks.
	m.RecordUsage("maps", true, time.Millisecond)

	clock.Advance(61 * time.Second)
	assert.False(t, m.CheckThrottle("maps").Throttled, "a new window clears the advisory")
}

func TestUsageStatsMasksKeys(t *testing.T) {
	m, _ := newTestManager(t, config.RateLimitConfig{}, nil)
	m.SetKey("maps", KeyPrimary, "sk_live_supersecret9x2f", true)

	records := m.UsageStats()
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].KeyRef, "supersecret")
	assert.Equal(t, "sk_l…9x2f", records[0].KeyRef)
}
