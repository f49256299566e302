package auth

import (
	"fmt"
	"net/http"
	"sync"

	authtypes "github.com/mcpgateway/vmcp/pkg/vmcp/auth/types"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth/strategies"
)

// OutgoingAuthenticator applies a backend's configured auth strategy to a
// request the gateway is about to send it (spec 4.C/4.G: the gateway
// authenticates itself to each backend independently of how the caller
// authenticated to the gateway).
type OutgoingAuthenticator interface {
	Apply(req *http.Request, cfg *authtypes.BackendAuthStrategy) error
}

// OutgoingAuthRegistry resolves a BackendAuthStrategy.Type to a concrete
// strategies.Strategy, request-coalescing-free but named "registry" to match
// the teacher's own naming for this concern.
type OutgoingAuthRegistry interface {
	OutgoingAuthenticator
	RegisterStrategy(strategyType string, s strategies.Strategy) error
}

// DefaultOutgoingAuthRegistry is the stock OutgoingAuthRegistry. It starts
// empty; callers register the strategy types they support via
// RegisterStrategy before serving traffic.
type DefaultOutgoingAuthRegistry struct {
	mu         sync.RWMutex
	strategies map[string]strategies.Strategy
}

// NewDefaultOutgoingAuthRegistry builds an empty registry. Callers
// typically follow with RegisterStrategy for each supported type.
func NewDefaultOutgoingAuthRegistry() *DefaultOutgoingAuthRegistry {
	return &DefaultOutgoingAuthRegistry{strategies: make(map[string]strategies.Strategy)}
}

// RegisterStrategy adds s under strategyType, rejecting a duplicate registration.
func (r *DefaultOutgoingAuthRegistry) RegisterStrategy(strategyType string, s strategies.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[strategyType]; exists {
		return fmt.Errorf("auth: strategy %q already registered", strategyType)
	}
	r.strategies[strategyType] = s
	return nil
}

// Apply resolves cfg.Type to a registered strategy and applies it. A nil cfg
// is treated as unauthenticated.
func (r *DefaultOutgoingAuthRegistry) Apply(req *http.Request, cfg *authtypes.BackendAuthStrategy) error {
	strategyType := authtypes.StrategyTypeUnauthenticated
	if cfg != nil && cfg.Type != "" {
		strategyType = cfg.Type
	}

	r.mu.RLock()
	s, ok := r.strategies[strategyType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("auth: unknown outgoing strategy %q", strategyType)
	}
	return s.Apply(req)
}
