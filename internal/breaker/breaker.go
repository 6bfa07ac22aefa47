// Package breaker implements the per-endpoint circuit breaker state machine
// that gates every outbound request.
package breaker

import (
	"sync"
	"time"

	"github.com/yahya-m2000/hoy-core/internal/events"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Metrics is a read-only snapshot of a single breaker.
type Metrics struct {
	Endpoint            string    `json:"endpoint"`
	State               string    `json:"state"`
	FailureCount        int       `json:"failure_count"`
	SuccessCount        int       `json:"success_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int       `json:"total_requests"`
	BlockedRequests     int       `json:"blocked_requests"`
	RecoveryAttempts    int       `json:"recovery_attempts"`
	LastFailureTime     time.Time `json:"last_failure_time"`
}

// Breaker tracks one endpoint. All fields are guarded by mu; the mutex covers
// the CanProceed check together with any resulting transition, which is what
// makes the single-trial rule hold under concurrent callers.
type Breaker struct {
	mu sync.Mutex

	endpoint            string
	state               State
	failureCount        int
	successCount        int
	consecutiveFailures int
	totalRequests       int
	blockedRequests     int
	recoveryAttempts    int
	lastFailureTime     time.Time

	trialInFlight   bool
	recoveryTimeout time.Duration

	failureThreshold    int
	baseRecoveryTimeout time.Duration
	backoffFactor       float64

	now func() time.Time
	bus *events.Bus
}

// CanProceed reports whether a request to this endpoint may be dispatched.
// While OPEN it admits exactly one trial once the recovery timeout has
// elapsed, transitioning to HALF_OPEN; concurrent callers are rejected until
// the trial resolves.
func (b *Breaker) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.trialInFlight && b.now().Sub(b.lastFailureTime) >= b.recoveryTimeout {
			b.transition(StateHalfOpen)
			b.trialInFlight = true
			b.recoveryAttempts++
			return true
		}
		b.blockedRequests++
		return false
	case StateHalfOpen:
		// Only one trial at a time; its outcome is authoritative.
		if !b.trialInFlight {
			b.trialInFlight = true
			b.recoveryAttempts++
			return true
		}
		return false
	default:
		return false
	}
}

// ReleaseTrial gives up a claimed HALF_OPEN trial without recording an
// outcome. Used when the trial aborted on a trust failure, which counts
// toward neither success nor availability failure.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// RecordSuccess notes a successful dispatch. A successful HALF_OPEN trial
// closes the circuit and resets all failure accounting.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.failureCount = 0
		b.trialInFlight = false
		b.recoveryTimeout = b.baseRecoveryTimeout
		b.transition(StateClosed)
	}
}

// RecordFailure notes a failed dispatch. Crossing the consecutive-failure
// threshold opens the circuit; a failed HALF_OPEN trial re-opens it and
// restarts the recovery timeout, grown by the configured backoff factor.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.consecutiveFailures++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if b.backoffFactor > 1 {
			b.recoveryTimeout = time.Duration(float64(b.recoveryTimeout) * b.backoffFactor)
		}
		b.transition(StateOpen)
	}
}

// Reset is an explicit operator action returning the breaker to a fresh
// CLOSED state. It is never triggered automatically.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failureCount = 0
	b.successCount = 0
	b.consecutiveFailures = 0
	b.totalRequests = 0
	b.blockedRequests = 0
	b.recoveryAttempts = 0
	b.trialInFlight = false
	b.lastFailureTime = time.Time{}
	b.recoveryTimeout = b.baseRecoveryTimeout
}

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metricsLocked()
}

func (b *Breaker) metricsLocked() Metrics {
	return Metrics{
		Endpoint:            b.endpoint,
		State:               b.state.String(),
		FailureCount:        b.failureCount,
		SuccessCount:        b.successCount,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalRequests:       b.totalRequests,
		BlockedRequests:     b.blockedRequests,
		RecoveryAttempts:    b.recoveryAttempts,
		LastFailureTime:     b.lastFailureTime,
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.bus != nil {
		b.bus.Publish(events.BreakerStateChanged, events.BreakerStateChange{
			Endpoint:      b.endpoint,
			PreviousState: from.String(),
			NewState:      to.String(),
			FailureCount:  b.failureCount,
		})
	}
}
