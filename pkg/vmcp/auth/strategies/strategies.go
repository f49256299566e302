// Package strategies implements the concrete outgoing (gateway-to-backend)
// authentication strategies named by authtypes.BackendAuthStrategy.Type.
package strategies

import (
	"net/http"

	authtypes "github.com/mcpgateway/vmcp/pkg/vmcp/auth/types"
)

// Strategy applies one outgoing auth scheme to an outbound backend request.
type Strategy interface {
	Apply(req *http.Request) error
}

// UnauthenticatedStrategy sends the request as-is.
type UnauthenticatedStrategy struct{}

// NewUnauthenticatedStrategy builds a no-op outgoing strategy.
func NewUnauthenticatedStrategy() *UnauthenticatedStrategy { return &UnauthenticatedStrategy{} }

// Apply does nothing.
func (*UnauthenticatedStrategy) Apply(*http.Request) error { return nil }

// HeaderInjectionStrategy sets one static header on every outbound request,
// e.g. a backend-specific API key.
type HeaderInjectionStrategy struct {
	cfg authtypes.HeaderInjectionConfig
}

// NewHeaderInjectionStrategy builds a strategy that injects cfg's header.
func NewHeaderInjectionStrategy(cfg authtypes.HeaderInjectionConfig) *HeaderInjectionStrategy {
	return &HeaderInjectionStrategy{cfg: cfg}
}

// Apply sets the configured header on req.
func (s *HeaderInjectionStrategy) Apply(req *http.Request) error {
	if s.cfg.HeaderName == "" {
		return nil
	}
	req.Header.Set(s.cfg.HeaderName, s.cfg.HeaderValue)
	return nil
}
