package token

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/yahya-m2000/hoy-core/internal/errors"
	"github.com/yahya-m2000/hoy-core/internal/events"
)

// RefreshFunc performs the network token refresh and returns the new token.
// Exactly one invocation is in flight per token type, however many callers
// are waiting — many backends invalidate a refresh token after first use, so
// duplicate refreshes would kill the session.
type RefreshFunc func(ctx context.Context, typ Type) (string, error)

// Refresher coalesces concurrent refresh demands into a single network call
// and writes the result through the store and the offline cache.
type Refresher struct {
	group   singleflight.Group
	refresh RefreshFunc
	store   *Store
	cache   *Cache
	bus     *events.Bus
	logger  *slog.Logger
}

func NewRefresher(refresh RefreshFunc, store *Store, cache *Cache, bus *events.Bus, logger *slog.Logger) *Refresher {
	return &Refresher{
		refresh: refresh,
		store:   store,
		cache:   cache,
		bus:     bus,
		logger:  logger,
	}
}

// EnsureValid returns a non-expired token of the given type, refreshing it
// if the stored one is missing or expired. Concurrent callers share one
// in-flight refresh. A failed refresh surfaces as a session-expired error.
func (r *Refresher) EnsureValid(ctx context.Context, typ Type) (string, error) {
	current, err := r.store.Load(ctx, typ)
	if err == nil {
		expired, decodeErr := r.cache.IsExpired(current, typ, true)
		if decodeErr == nil && !expired {
			return current, nil
		}
	}
	return r.Refresh(ctx, typ)
}

// Refresh forces a single-flight refresh of the given token type.
func (r *Refresher) Refresh(ctx context.Context, typ Type) (string, error) {
	result, err, shared := r.group.Do(string(typ), func() (any, error) {
		token, err := r.refresh(ctx, typ)
		if err != nil {
			return "", fmt.Errorf("%w: %v", apperrors.ErrSessionExpired, err)
		}
		if err := r.store.Save(ctx, typ, token); err != nil {
			r.logger.WarnContext(ctx, "failed to persist refreshed token", "token_type", typ, "error", err)
		}
		r.cache.Invalidate(typ)
		if _, err := r.cache.IsExpired(token, typ, false); err != nil {
			r.logger.WarnContext(ctx, "refreshed token has no decodable expiry", "token_type", typ, "error", err)
		}
		r.bus.Publish(events.TokenRefreshed, events.TokenEvent{TokenType: string(typ)})
		return token, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		r.logger.DebugContext(ctx, "refresh shared with in-flight call", "token_type", typ)
	}
	return result.(string), nil
}
