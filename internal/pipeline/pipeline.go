// Package pipeline composes the client core around every outbound request:
// credential injection, certificate pinning, breaker gating, token
// attachment, dispatch, failure classification and retry scheduling.
package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yahya-m2000/hoy-core/internal/apikey"
	"github.com/yahya-m2000/hoy-core/internal/breaker"
	apperrors "github.com/yahya-m2000/hoy-core/internal/errors"
	"github.com/yahya-m2000/hoy-core/internal/events"
	"github.com/yahya-m2000/hoy-core/internal/pinning"
	"github.com/yahya-m2000/hoy-core/internal/retry"
	"github.com/yahya-m2000/hoy-core/internal/token"
)

// Request is the pipeline's view of an outbound call. The Dispatcher owns
// everything else about the wire format.
type Request struct {
	Endpoint string // breaker key, e.g. "GET /api/bookings"
	Host     string // pinning domain
	Provider string // api key provider, empty when no key is injected
	Method   string
	Path     string
	Headers  map[string]string
	Body     []byte
}

// Response is what the Dispatcher hands back.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	TLS        *tls.ConnectionState
}

// Dispatcher is the external HTTP transport. The core never implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

// Interceptor wires the six core components around a Dispatcher. It is the
// only type the HTTP client talks to directly.
type Interceptor struct {
	keys       *apikey.Manager
	pins       *pinning.Validator
	breakers   *breaker.Registry
	cache      *token.Cache
	store      *token.Store
	refresher  *token.Refresher
	queue      *retry.Queue
	classifier *apperrors.Classifier
	dispatcher Dispatcher

	bus    *events.Bus
	logger *slog.Logger
}

type Deps struct {
	Keys       *apikey.Manager
	Pins       *pinning.Validator
	Breakers   *breaker.Registry
	Cache      *token.Cache
	Store      *token.Store
	Refresher  *token.Refresher
	Queue      *retry.Queue
	Classifier *apperrors.Classifier
	Dispatcher Dispatcher
	Bus        *events.Bus
	Logger     *slog.Logger
}

func New(deps Deps) *Interceptor {
	i := &Interceptor{
		keys:       deps.Keys,
		pins:       deps.Pins,
		breakers:   deps.Breakers,
		cache:      deps.Cache,
		store:      deps.Store,
		refresher:  deps.Refresher,
		queue:      deps.Queue,
		classifier: deps.Classifier,
		dispatcher: deps.Dispatcher,
		bus:        deps.Bus,
		logger:     deps.Logger,
	}
	if i.store != nil && i.cache != nil {
		i.store.OnChange(i.cache.Invalidate)
	}
	return i
}

// Do runs one request through the full interceptor chain. Retryable
// failures are handed to the retry queue and Do blocks until the entry
// resolves, so the caller sees either the eventual response or a terminal
// retries-exhausted error.
func (i *Interceptor) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, classified := i.attempt(ctx, req, true)
	if classified == nil {
		return resp, nil
	}
	if !classified.Retryable {
		return nil, classified
	}

	var replayed *Response
	thunk := func(ctx context.Context) error {
		r, c := i.attempt(ctx, req, true)
		if c != nil {
			return c
		}
		replayed = r
		return nil
	}

	_, done, err := i.queue.Enqueue(thunk, classified, req.Endpoint, retry.Options{})
	if err != nil {
		// Queue refused (breaker opened, queue closed): surface the
		// original classified failure.
		return nil, classified
	}

	select {
	case terminal := <-done:
		if terminal == nil {
			return replayed, nil
		}
		return nil, terminal
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// attempt is one pass through the chain; it is also the retry queue's
// replay handle. allowRefresh guards the single auth-refresh-and-replay.
func (i *Interceptor) attempt(ctx context.Context, req *Request, allowRefresh bool) (*Response, *apperrors.Classified) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}

	// 1. Inject the provider credential. Throttling is advisory: it is
	// logged and surfaced via stats, never enforced here.
	if req.Provider != "" {
		if status := i.keys.CheckThrottle(req.Provider); status.Throttled {
			i.logger.WarnContext(ctx, "provider rate limit would be exceeded",
				"provider", req.Provider, "scope", status.Scope, "retry_after", status.RetryAfter)
		}
		key, err := i.keys.ActiveKey(req.Provider)
		if err != nil {
			return nil, i.classifier.LogAndSanitize(ctx, &apperrors.Classified{
				Kind:          apperrors.KindValidation,
				ClientMessage: "The request could not be prepared.",
				Err:           err,
			}, req.Endpoint)
		}
		req.Headers["X-Api-Key"] = key
	}

	// 2. Reject hosts with a cached failing pin verdict before dialing.
	if err := i.pins.Approved(req.Host); err != nil {
		return nil, i.security(ctx, req, err)
	}

	// 3. Breaker gate.
	if !i.breakers.CanProceed(req.Endpoint) {
		return nil, &apperrors.Classified{
			Kind:          apperrors.KindServer,
			Retryable:     false,
			ClientMessage: "The service is temporarily unavailable. Please try again shortly.",
			Err:           apperrors.ErrCircuitOpen,
		}
	}

	// 4. Attach a valid bearer token.
	if i.refresher != nil {
		bearer, err := i.refresher.EnsureValid(ctx, token.TypeAccess)
		if err != nil {
			i.breakers.ReleaseTrial(req.Endpoint)
			return nil, i.classifier.LogAndSanitize(ctx, &apperrors.Classified{
				Kind:          apperrors.KindAuth,
				ClientMessage: "Your session has expired. Please sign in again.",
				Err:           err,
			}, req.Endpoint)
		}
		req.Headers["Authorization"] = "Bearer " + bearer
	}

	// 5. Dispatch.
	start := time.Now()
	resp, dispatchErr := i.dispatcher.Dispatch(ctx, req)
	elapsed := time.Since(start)

	// 6. Post-handshake pin validation when the transport exposes TLS state.
	if dispatchErr == nil && resp != nil && resp.TLS != nil {
		if _, err := i.pins.Validate(req.Host, resp.TLS); err != nil {
			i.breakers.ReleaseTrial(req.Endpoint)
			i.recordUsage(req, false, elapsed)
			return nil, i.security(ctx, req, err)
		}
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	// Success path: 2xx/3xx with no transport error.
	if dispatchErr == nil && status < http.StatusBadRequest {
		i.breakers.RecordSuccess(req.Endpoint)
		i.recordUsage(req, true, elapsed)
		return resp, nil
	}

	if dispatchErr == nil {
		dispatchErr = fmt.Errorf("request failed with status %d", status)
	}
	classified := i.classifier.Classify(dispatchErr, status)
	i.recordUsage(req, false, elapsed)

	switch classified.Kind {
	case apperrors.KindSecurity:
		// Trust failures never count toward availability thresholds.
		i.breakers.ReleaseTrial(req.Endpoint)
		return nil, i.security(ctx, req, dispatchErr)
	case apperrors.KindNetwork, apperrors.KindServer:
		i.breakers.RecordFailure(req.Endpoint)
		return nil, i.classifier.LogAndSanitize(ctx, classified, req.Endpoint)
	case apperrors.KindAuth:
		// The endpoint answered; that is an availability success.
		i.breakers.RecordSuccess(req.Endpoint)
		if allowRefresh && i.refresher != nil {
			if _, err := i.refresher.Refresh(ctx, token.TypeAccess); err == nil {
				return i.attempt(ctx, req, false)
			}
		}
		return nil, i.classifier.LogAndSanitize(ctx, &apperrors.Classified{
			Kind:          apperrors.KindAuth,
			StatusCode:    status,
			ClientMessage: "Your session has expired. Please sign in again.",
			Err:           fmt.Errorf("%w: %v", apperrors.ErrSessionExpired, dispatchErr),
		}, req.Endpoint)
	default:
		i.breakers.RecordSuccess(req.Endpoint)
		return nil, i.classifier.LogAndSanitize(ctx, classified, req.Endpoint)
	}
}

// Logout clears session state: token cache, stored records and the retry
// queue. Breaker state is orthogonal to the session and is left untouched.
func (i *Interceptor) Logout(ctx context.Context) error {
	i.cache.Clear()
	i.queue.Clear()
	if err := i.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear token store: %w", err)
	}
	i.logger.InfoContext(ctx, "logout: session state cleared")
	return nil
}

// Close tears down every scheduled timer owned by the core.
func (i *Interceptor) Close() {
	i.queue.Close()
	i.store.Close()
}

// --- read-only introspection snapshots ---

func (i *Interceptor) BreakerMetrics() []breaker.Metrics     { return i.breakers.AllMetrics() }
func (i *Interceptor) BreakerHealth() breaker.HealthSummary  { return i.breakers.Health() }
func (i *Interceptor) RetryStats() retry.Stats               { return i.queue.Stats() }
func (i *Interceptor) TokenStorageStats() token.StorageStats { return i.store.Stats() }
func (i *Interceptor) PinningStats() pinning.Stats           { return i.pins.Stats() }
func (i *Interceptor) KeyUsageStats() []apikey.Record        { return i.keys.UsageStats() }

func (i *Interceptor) recordUsage(req *Request, success bool, elapsed time.Duration) {
	if req.Provider != "" {
		i.keys.RecordUsage(req.Provider, success, elapsed)
	}
}

func (i *Interceptor) security(ctx context.Context, req *Request, err error) *apperrors.Classified {
	return i.classifier.LogAndSanitize(ctx, &apperrors.Classified{
		Kind:          apperrors.KindSecurity,
		ClientMessage: "A security check failed. The request was blocked.",
		Err:           err,
	}, req.Endpoint)
}
