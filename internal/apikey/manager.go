// Package apikey stores per-provider credentials with rotation, usage
// accounting and advisory rate limiting.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yahya-m2000/hoy-core/internal/config"
	"github.com/yahya-m2000/hoy-core/internal/events"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrNoActiveKey         = errors.New("no active key for provider")
	ErrRotationUnsupported = errors.New("provider does not support rotation")
)

type KeyType string

const (
	KeyPrimary  KeyType = "primary"
	KeyFallback KeyType = "fallback"
)

// Usage is the running accounting for one provider.
type Usage struct {
	TotalRequests         int       `json:"total_requests"`
	SuccessfulRequests    int       `json:"successful_requests"`
	SuccessRate           float64   `json:"success_rate"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	LastUsedAt            time.Time `json:"last_used_at"`
}

// Record is the read-only view of one stored key. KeyRef is masked; raw key
// material never leaves the manager except through ActiveKey.
type Record struct {
	Provider          string  `json:"provider"`
	KeyType           KeyType `json:"key_type"`
	KeyRef            string  `json:"key_ref"`
	Active            bool    `json:"active"`
	RotationSupported bool    `json:"rotation_supported"`
	Usage             Usage   `json:"usage"`
}

// ValidationResult reports a liveness probe against the provider.
type ValidationResult struct {
	Provider       string `json:"provider"`
	Valid          bool   `json:"valid"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// ThrottleStatus is the advisory rate-limit verdict. The manager never
// blocks; the caller decides whether to delay, drop or surface it.
type ThrottleStatus struct {
	Throttled  bool          `json:"throttled"`
	Scope      string        `json:"scope,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// ProbeFunc performs the provider liveness check for Validate.
type ProbeFunc func(ctx context.Context, provider, key string) error

type keyState struct {
	key               string
	keyType           KeyType
	active            bool
	rotationSupported bool
}

type window struct {
	start time.Time
	count int
}

type providerState struct {
	keys   []*keyState
	usage  Usage
	minute window
	hour   window
}

// Manager keys the provider registry. All mutation goes through its methods,
// mirroring the breaker registry's arena-and-key pattern.
type Manager struct {
	mu        sync.Mutex
	providers map[string]*providerState

	rate   config.RateLimitConfig
	probe  ProbeFunc
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(rate config.RateLimitConfig, probe ProbeFunc, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		providers: make(map[string]*providerState),
		rate:      rate,
		probe:     probe,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the manager's time source for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetKey registers or replaces a provider key.
func (m *Manager) SetKey(provider string, typ KeyType, key string, rotationSupported bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.providerLocked(provider)
	for _, k := range state.keys {
		if k.keyType == typ && k.active {
			k.active = false
		}
	}
	state.keys = append(state.keys, &keyState{
		key:               key,
		keyType:           typ,
		active:            true,
		rotationSupported: rotationSupported,
	})
}

// ActiveKey returns the credential to inject: the active primary, or the
// active fallback when no primary is usable.
func (m *Manager) ActiveKey(provider string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	for _, typ := range []KeyType{KeyPrimary, KeyFallback} {
		for _, k := range state.keys {
			if k.keyType == typ && k.active {
				return k.key, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoActiveKey, provider)
}

// Rotate swaps in a new primary key and marks the old one inactive.
func (m *Manager) Rotate(provider, newKey string) error {
	m.mu.Lock()
	state, ok := m.providers[provider]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	var current *keyState
	for _, k := range state.keys {
		if k.keyType == KeyPrimary && k.active {
			current = k
		}
	}
	// A refused rotation must leave the current key usable.
	if current == nil || !current.rotationSupported {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRotationUnsupported, provider)
	}
	current.active = false
	state.keys = append(state.keys, &keyState{
		key:               newKey,
		keyType:           KeyPrimary,
		active:            true,
		rotationSupported: true,
	})
	m.mu.Unlock()

	m.bus.Publish(events.KeyRotated, events.KeyRotation{Provider: provider})
	m.logger.Info("api key rotated", "provider", provider)
	return nil
}

// Validate probes the provider with its active key and reports validity and
// response time.
func (m *Manager) Validate(ctx context.Context, provider string) ValidationResult {
	key, err := m.ActiveKey(provider)
	if err != nil {
		return ValidationResult{Provider: provider, Error: err.Error()}
	}

	start := time.Now()
	probeErr := m.probe(ctx, provider, key)
	result := ValidationResult{
		Provider:       provider,
		Valid:          probeErr == nil,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if probeErr != nil {
		result.Error = probeErr.Error()
	}
	return result
}

// RecordUsage accounts one call's outcome and latency, and advances the
// rate-limit windows.
func (m *Manager) RecordUsage(provider string, success bool, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.providerLocked(provider)
	u := &state.usage
	u.TotalRequests++
	if success {
		u.SuccessfulRequests++
	}
	u.SuccessRate = float64(u.SuccessfulRequests) / float64(u.TotalRequests)
	u.AverageResponseTimeMs += (float64(elapsed.Milliseconds()) - u.AverageResponseTimeMs) / float64(u.TotalRequests)
	u.LastUsedAt = m.now()

	m.bump(&state.minute, time.Minute)
	m.bump(&state.hour, time.Hour)
}

// CheckThrottle reports whether the next request would exceed a configured
// window. Advisory only; nothing is queued or delayed here.
func (m *Manager) CheckThrottle(provider string) ThrottleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.providers[provider]
	if !ok {
		return ThrottleStatus{}
	}
	now := m.now()
	if m.rate.PerMinute > 0 && inWindow(&state.minute, now, time.Minute) && state.minute.count+1 > m.rate.PerMinute {
		return ThrottleStatus{
			Throttled:  true,
			Scope:      "minute",
			RetryAfter: state.minute.start.Add(time.Minute).Sub(now),
		}
	}
	if m.rate.PerHour > 0 && inWindow(&state.hour, now, time.Hour) && state.hour.count+1 > m.rate.PerHour {
		return ThrottleStatus{
			Throttled:  true,
			Scope:      "hour",
			RetryAfter: state.hour.start.Add(time.Hour).Sub(now),
		}
	}
	return ThrottleStatus{}
}

// UsageStats returns the per-provider records, sorted by provider.
func (m *Manager) UsageStats() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.providers))
	for provider, state := range m.providers {
		for _, k := range state.keys {
			out = append(out, Record{
				Provider:          provider,
				KeyType:           k.keyType,
				KeyRef:            mask(k.key),
				Active:            k.active,
				RotationSupported: k.rotationSupported,
				Usage:             state.usage,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].KeyType < out[j].KeyType
	})
	return out
}

func (m *Manager) providerLocked(provider string) *providerState {
	state, ok := m.providers[provider]
	if !ok {
		state = &providerState{}
		m.providers[provider] = state
	}
	return state
}

func (m *Manager) bump(w *window, span time.Duration) {
	now := m.now()
	if !inWindow(w, now, span) {
		w.start = now
		w.count = 0
	}
	w.count++
}

func inWindow(w *window, now time.Time, span time.Duration) bool {
	return !w.start.IsZero() && now.Sub(w.start) < span
}

// mask renders a key as a non-leaky reference, e.g. "sk_l…9x2f".
func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
