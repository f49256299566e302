package router

import (
	"net/http"
	"sync"

	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
	"github.com/mcpgateway/vmcp/pkg/vmcp/session"
)

// SessionPool hands out one long-lived session.Session per backend,
// constructing it lazily on first use and reusing it for every subsequent
// call (spec 4.C: "one [session] per backend"). Sessions survive across
// client requests; only Evict (e.g. on backend deregistration) or CloseAll
// (on shutdown) retires one.
type SessionPool struct {
	httpClient *http.Client
	outgoing   auth.OutgoingAuthenticator

	mu       sync.Mutex
	sessions map[string]session.Session
}

// NewSessionPool builds an empty pool. httpClient may be nil (defaults
// applied by session.NewSession).
func NewSessionPool(httpClient *http.Client, outgoing auth.OutgoingAuthenticator) *SessionPool {
	return &SessionPool{httpClient: httpClient, outgoing: outgoing, sessions: make(map[string]session.Session)}
}

// Get returns the session for target.WorkloadID, constructing one if this is
// the first call for that backend.
func (p *SessionPool) Get(target *vmcp.BackendTarget) (session.Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[target.WorkloadID]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := session.NewSession(target, p.httpClient, p.outgoing)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.sessions[target.WorkloadID]; ok {
		p.mu.Unlock()
		_ = s.Close()
		return existing, nil
	}
	p.sessions[target.WorkloadID] = s
	p.mu.Unlock()
	return s, nil
}

// Evict closes and removes backendID's session, if any, so the next Get
// rebuilds it from scratch. Called on backend deregistration and on a
// backend_unhealthy transition that triggers a reconnect (spec 4.F).
func (p *SessionPool) Evict(backendID string) {
	p.mu.Lock()
	s, ok := p.sessions[backendID]
	if ok {
		delete(p.sessions, backendID)
	}
	p.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// CloseAll closes every pooled session, used on gateway shutdown.
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]session.Session)
	p.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}
