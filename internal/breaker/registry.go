package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yahya-m2000/hoy-core/internal/config"
	"github.com/yahya-m2000/hoy-core/internal/events"
)

// HealthSummary aggregates breaker states for the monitoring surface.
// Healthy breakers are CLOSED with no recent failures, degraded ones are
// recovering or accumulating failures, failed ones are OPEN.
type HealthSummary struct {
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Failed      int `json:"failed"`
	Total       int `json:"total"`
	HealthScore int `json:"health_score"`
}

// Registry owns one Breaker per endpoint key. Breakers are created lazily on
// first use and live for the registry's lifetime; ResetAll is the operator
// escape hatch, there is no automatic eviction.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	cfg    config.BreakerConfig
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(cfg config.BreakerConfig, bus *events.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the registry's time source. Existing breakers keep the
// clock they were created with, so tests set this before first use.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) get(endpoint string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[endpoint]; ok {
		return b
	}
	b = &Breaker{
		endpoint:            endpoint,
		state:               StateClosed,
		failureThreshold:    r.cfg.FailureThreshold,
		baseRecoveryTimeout: r.cfg.RecoveryTimeout(),
		recoveryTimeout:     r.cfg.RecoveryTimeout(),
		backoffFactor:       r.cfg.RecoveryBackoffFactor,
		now:                 r.now,
		bus:                 r.bus,
	}
	r.breakers[endpoint] = b
	r.logger.Debug("breaker created", "endpoint", endpoint)
	return b
}

// CanProceed reports whether a request to endpoint may be dispatched.
func (r *Registry) CanProceed(endpoint string) bool {
	return r.get(endpoint).CanProceed()
}

// RecordSuccess records a successful dispatch for endpoint.
func (r *Registry) RecordSuccess(endpoint string) {
	r.get(endpoint).RecordSuccess()
}

// RecordFailure records a failed dispatch for endpoint.
func (r *Registry) RecordFailure(endpoint string) {
	r.get(endpoint).RecordFailure()
}

// ReleaseTrial abandons a claimed HALF_OPEN trial for endpoint without
// recording an outcome.
func (r *Registry) ReleaseTrial(endpoint string) {
	r.get(endpoint).ReleaseTrial()
}

// Metrics returns the snapshot for a single endpoint.
func (r *Registry) Metrics(endpoint string) Metrics {
	return r.get(endpoint).Metrics()
}

// AllMetrics returns snapshots for every tracked endpoint, sorted by key.
func (r *Registry) AllMetrics() []Metrics {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make([]Metrics, 0, len(all))
	for _, b := range all {
		out = append(out, b.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Health aggregates all breakers into a single score for dashboards.
func (r *Registry) Health() HealthSummary {
	var s HealthSummary
	for _, m := range r.AllMetrics() {
		s.Total++
		switch {
		case m.State == StateOpen.String():
			s.Failed++
		case m.State == StateHalfOpen.String() || m.ConsecutiveFailures > 0:
			s.Degraded++
		default:
			s.Healthy++
		}
	}
	if s.Total == 0 {
		s.HealthScore = 100
		return s
	}
	s.HealthScore = (s.Healthy*100 + s.Degraded*50) / s.Total
	return s
}

// Reset returns one endpoint's breaker to a fresh CLOSED state.
func (r *Registry) Reset(endpoint string) {
	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		b.Reset()
		r.logger.Info("breaker reset", "endpoint", endpoint)
	}
}

// ResetAll resets every tracked breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	for _, b := range all {
		b.Reset()
	}
	r.logger.Info("all breakers reset", "count", len(all))
}
