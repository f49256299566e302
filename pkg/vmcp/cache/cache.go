// Package cache provides the two caching primitives the gateway needs: a
// generic single-flighted TTL cache (used by the discovery package to hold
// the aggregated tool catalog) and a token cache for outgoing token-exchange
// credentials, so a slow backend token endpoint is never hammered by
// concurrent callers.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// CachedToken is a credential obtained from a token-exchange outgoing auth
// strategy, held until it is close to expiry.
type CachedToken struct {
	Token        string
	TokenType    string
	ExpiresAt    time.Time
	RefreshToken string
	Scopes       []string
	Metadata     map[string]string
}

// IsExpired reports whether the token's expiry has already passed. A zero
// ExpiresAt is treated as already expired, since it means "unknown", not
// "never expires".
func (t *CachedToken) IsExpired() bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().After(t.ExpiresAt)
}

// ShouldRefresh reports whether the token is expired or within offset of
// expiring, so a caller can refresh proactively instead of racing the
// deadline.
func (t *CachedToken) ShouldRefresh(offset time.Duration) bool {
	if t.IsExpired() {
		return true
	}
	return time.Now().Add(offset).After(t.ExpiresAt)
}

// OAuth2 adapts this token to the standard library's oauth2.Token shape,
// for any caller (an http.Client transport, another SDK) that expects a
// golang.org/x/oauth2.TokenSource rather than this package's own type.
func (t *CachedToken) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.Token,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// TTLCache is a generic, single-flighted cache for one named value with a
// fixed time-to-live. Concurrent Get calls during a miss coalesce onto a
// single Loader invocation (spec 4.D: the tool catalog build is
// single-flighted so N simultaneous tools/list calls trigger one rebuild,
// not N).
type TTLCache[V any] struct {
	ttl    time.Duration
	loader func(ctx context.Context) (V, error)
	group  singleflight.Group

	mu      sync.RWMutex
	value   V
	loadAt  time.Time
	hasData bool
}

// NewTTLCache builds a cache that calls loader on a miss and holds the
// result for ttl. A ttl of zero means "never expires once loaded" (the
// caller must use Invalidate to force a refresh).
func NewTTLCache[V any](ttl time.Duration, loader func(ctx context.Context) (V, error)) *TTLCache[V] {
	return &TTLCache[V]{ttl: ttl, loader: loader}
}

// Get returns the cached value, loading it if absent or expired. Concurrent
// misses share one Loader call.
func (c *TTLCache[V]) Get(ctx context.Context) (V, error) {
	if v, ok := c.fresh(); ok {
		return v, nil
	}

	result, err, _ := c.group.Do("load", func() (any, error) {
		if v, ok := c.fresh(); ok {
			return v, nil
		}
		v, err := c.loader(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value = v
		c.loadAt = time.Now()
		c.hasData = true
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

func (c *TTLCache[V]) fresh() (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasData {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && time.Since(c.loadAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return c.value, true
}

// Invalidate forces the next Get to call Loader again, used when a backend
// registration/deregistration or health transition changes the catalog
// (spec 4.D: "invalidated on backend add/remove and on health transition").
func (c *TTLCache[V]) Invalidate() {
	c.mu.Lock()
	c.hasData = false
	c.mu.Unlock()
}
