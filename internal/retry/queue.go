// Package retry implements the serialized backoff scheduler that replays
// retryable failures. Exactly one entry is in flight at any time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yahya-m2000/hoy-core/internal/breaker"
	"github.com/yahya-m2000/hoy-core/internal/config"
	apperrors "github.com/yahya-m2000/hoy-core/internal/errors"
	"github.com/yahya-m2000/hoy-core/internal/events"
)

var (
	ErrNotRetryable = errors.New("error class is not retryable")
	ErrBreakerOpen  = errors.New("endpoint breaker is open, refusing to queue")
	ErrQueueClosed  = errors.New("retry queue is closed")
	ErrCleared      = errors.New("retry queue was cleared")
)

// Thunk is the opaque replay handle for a failed request. Breaker accounting
// is the thunk's responsibility, not the queue's.
type Thunk func(ctx context.Context) error

// ExhaustedError is the terminal error surfaced once maxRetries is spent.
type ExhaustedError struct {
	Cause    error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

func (e *ExhaustedError) Is(target error) bool { return target == apperrors.ErrRetriesExhausted }

// Options override the queue's configured defaults for a single entry.
// Zero values keep the defaults.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type entry struct {
	id          string
	endpoint    string
	thunk       Thunk
	classified  *apperrors.Classified
	retryCount  int
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	exponential bool
	enqueuedAt  time.Time
	done        chan error
}

// EntrySnapshot is the read-only view of a queued entry.
type EntrySnapshot struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	ErrorKind   string    `json:"error_kind"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	BaseDelayMs int       `json:"base_delay_ms"`
	Exponential bool      `json:"exponential"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Stats is the introspection snapshot for monitoring UIs.
type Stats struct {
	QueueSize    int             `json:"queue_size"`
	IsProcessing bool            `json:"is_processing"`
	Entries      []EntrySnapshot `json:"entries"`
}

// Queue is a single logical FIFO drained by one processor goroutine. The
// processor starts on demand and exits when the queue empties.
type Queue struct {
	mu           sync.Mutex
	entries      []*entry
	isProcessing bool
	closed       bool

	cfg      config.RetryConfig
	breakers *breaker.Registry
	bus      *events.Bus
	logger   *slog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewQueue(cfg config.RetryConfig, breakers *breaker.Registry, bus *events.Bus, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue schedules a replay of thunk. Only retryable classifications are
// accepted, and enqueueing against an OPEN breaker is refused outright.
// The returned channel delivers the terminal outcome: nil on success, an
// *ExhaustedError once retries are spent, or ErrCleared.
func (q *Queue) Enqueue(thunk Thunk, classified *apperrors.Classified, endpoint string, opts Options) (string, <-chan error, error) {
	if classified == nil || !classified.Retryable {
		return "", nil, ErrNotRetryable
	}
	if q.breakers != nil && q.breakers.Metrics(endpoint).State == breaker.StateOpen.String() {
		return "", nil, ErrBreakerOpen
	}

	e := &entry{
		id:          uuid.NewString(),
		endpoint:    endpoint,
		thunk:       thunk,
		classified:  classified,
		maxRetries:  q.cfg.MaxRetries,
		baseDelay:   q.cfg.BaseDelay(),
		maxDelay:    q.cfg.MaxDelay(),
		exponential: q.cfg.ExponentialBackoff,
		enqueuedAt:  time.Now(),
		done:        make(chan error, 1),
	}
	if opts.MaxRetries > 0 {
		e.maxRetries = opts.MaxRetries
	}
	if opts.BaseDelay > 0 {
		e.baseDelay = opts.BaseDelay
	}
	if opts.MaxDelay > 0 {
		e.maxDelay = opts.MaxDelay
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", nil, ErrQueueClosed
	}
	q.entries = append(q.entries, e)
	start := !q.isProcessing
	if start {
		q.isProcessing = true
	}
	q.mu.Unlock()

	q.publishScheduled(e)
	q.logger.Debug("retry enqueued",
		"id", e.id, "endpoint", endpoint, "kind", classified.Kind.String(), "max_retries", e.maxRetries)

	if start {
		go q.process()
	}
	return e.id, e.done, nil
}

// DrainNow skips the currently pending backoff delay, e.g. when connectivity
// has just been restored.
func (q *Queue) DrainNow() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clear drops every queued entry, resolving each with ErrCleared.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range dropped {
		e.done <- ErrCleared
	}
	if len(dropped) > 0 {
		q.logger.Info("retry queue cleared", "dropped", len(dropped))
	}
}

// Close tears the queue down, cancelling any pending backoff timer.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.Clear()
}

// Stats returns a snapshot of the queue for monitoring UIs.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		QueueSize:    len(q.entries),
		IsProcessing: q.isProcessing,
		Entries:      make([]EntrySnapshot, 0, len(q.entries)),
	}
	for _, e := range q.entries {
		s.Entries = append(s.Entries, EntrySnapshot{
			ID:          e.id,
			Endpoint:    e.endpoint,
			ErrorKind:   e.classified.Kind.String(),
			RetryCount:  e.retryCount,
			MaxRetries:  e.maxRetries,
			BaseDelayMs: int(e.baseDelay / time.Millisecond),
			Exponential: e.exponential,
			EnqueuedAt:  e.enqueuedAt,
		})
	}
	return s
}

func (q *Queue) process() {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 || q.closed {
			q.isProcessing = false
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if !q.wait(q.delayFor(e)) {
			e.done <- ErrCleared
			q.mu.Lock()
			q.isProcessing = false
			q.mu.Unlock()
			return
		}

		err := q.attempt(e)
		if err == nil {
			e.done <- nil
			continue
		}

		e.retryCount++
		if e.retryCount < e.maxRetries {
			q.mu.Lock()
			q.entries = append(q.entries, e)
			q.mu.Unlock()
			q.publishScheduled(e)
			continue
		}

		terminal := &ExhaustedError{Cause: err, Attempts: e.retryCount}
		q.logger.Warn("retry exhausted", "id", e.id, "endpoint", e.endpoint, "attempts", e.retryCount)
		q.bus.Publish(events.RetryExhausted, events.RetryAttempt{
			EntryID:  e.id,
			Endpoint: e.endpoint,
			Attempt:  e.retryCount,
			Max:      e.maxRetries,
		})
		e.done <- terminal
	}
}

// wait blocks for d, returning early on DrainNow. It returns false when the
// queue is shutting down.
func (q *Queue) wait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.wake:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// attempt re-invokes the thunk. Breaker admission happens inside the thunk
// itself (it is the pipeline's replay handle), so a rejected attempt comes
// back as ErrCircuitOpen and counts as a failed retry — the retried request
// may also be the one admitted as the HALF_OPEN trial.
func (q *Queue) attempt(e *entry) error {
	return e.thunk(q.ctx)
}

func (q *Queue) delayFor(e *entry) time.Duration {
	if !e.exponential {
		return e.baseDelay
	}
	d := e.baseDelay << e.retryCount
	if d > e.maxDelay || d <= 0 {
		return e.maxDelay
	}
	return d
}

func (q *Queue) publishScheduled(e *entry) {
	q.bus.Publish(events.RetryScheduled, events.RetryAttempt{
		EntryID:  e.id,
		Endpoint: e.endpoint,
		Attempt:  e.retryCount,
		Max:      e.maxRetries,
		Delay:    q.delayFor(e),
	})
}
