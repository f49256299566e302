package strategies

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mcpgateway/vmcp/pkg/vmcp/cache"

	authtypes "github.com/mcpgateway/vmcp/pkg/vmcp/auth/types"
)

// refreshOffset is how long before expiry a cached token is proactively
// renewed rather than used right up to the deadline.
const refreshOffset = 2 * time.Minute

// TokenSource exchanges the gateway's own identity for a backend-scoped
// token, per a TokenExchangeConfig's audience/scopes. Concrete
// implementations talk to whatever token-exchange endpoint the deployment
// uses (RFC 8693, an OAuth token endpoint, a vault, etc.); this package only
// owns caching and header application.
type TokenSource interface {
	Exchange(ctx context.Context, cfg authtypes.TokenExchangeConfig) (*cache.CachedToken, error)
}

// TokenExchangeStrategy fetches a backend-scoped bearer token via source and
// attaches it as an Authorization header, refreshing shortly before expiry
// rather than on every request.
type TokenExchangeStrategy struct {
	source TokenSource
	cfg    authtypes.TokenExchangeConfig

	mu    sync.Mutex
	token *cache.CachedToken
}

// NewTokenExchangeStrategy builds a strategy bound to one backend's exchange config.
func NewTokenExchangeStrategy(source TokenSource, cfg authtypes.TokenExchangeConfig) *TokenExchangeStrategy {
	return &TokenExchangeStrategy{source: source, cfg: cfg}
}

// Apply attaches a fresh bearer token, exchanging for a new one if the
// cached token is missing or within its refresh window.
func (s *TokenExchangeStrategy) Apply(req *http.Request) error {
	token, err := s.currentToken(req.Context())
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	req.Header.Set("Authorization", token.TokenType+" "+token.Token)
	return nil
}

func (s *TokenExchangeStrategy) currentToken(ctx context.Context) (*cache.CachedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil && !s.token.ShouldRefresh(refreshOffset) {
		return s.token, nil
	}

	token, err := s.source.Exchange(ctx, s.cfg)
	if err != nil {
		if s.token != nil && !s.token.IsExpired() {
			// Exchange endpoint is unavailable but the cached token still
			// works; prefer a stale-but-valid token over a hard failure.
			return s.token, nil
		}
		return nil, err
	}
	s.token = token
	return s.token, nil
}
