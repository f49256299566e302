package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
)

// HealthReporter is the passive-signal hook a Client drives on every
// transport outcome, so a backend's health supervisor (pkg/vmcp/health.Monitor
// satisfies this) doesn't have to wait for its next scheduled probe to learn
// a backend just failed or recovered (spec 4.F, 3).
type HealthReporter interface {
	ReportFailure(backendID string, err error)
	ReportSuccess(backendID string)
}

// Client is the stock vmcp.BackendClient: one long-lived Session per
// backend, constructed lazily and reused across ListCapabilities/CallTool
// calls. Discovery (catalog building) and the health supervisor's
// ClientProber both drive backends through this client.
type Client struct {
	httpClient *http.Client
	outgoing   auth.OutgoingAuthenticator
	health     HealthReporter

	mu       sync.Mutex
	sessions map[string]Session
}

// NewClient builds a Client. outgoing may be nil for deployments with no
// backend requiring outgoing credentials.
func NewClient(httpClient *http.Client, outgoing auth.OutgoingAuthenticator) *Client {
	return &Client{
		httpClient: httpClient,
		outgoing:   outgoing,
		sessions:   make(map[string]Session),
	}
}

// SetHealthReporter wires h to receive a ReportFailure/ReportSuccess call
// after every ListCapabilities/CallTool outcome. Typically called once at
// startup with the gateway's health.Monitor, after both it and the Client
// have been constructed (each needs the other).
func (c *Client) SetHealthReporter(h HealthReporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = h
}

// reportOutcome forwards a transport-kind error (or success) to the
// configured HealthReporter. Non-transport errors (not_found, forbidden,
// and the like) say nothing about backend liveness, so they are not reported.
func (c *Client) reportOutcome(backendID string, err error) {
	c.mu.Lock()
	h := c.health
	c.mu.Unlock()
	if h == nil {
		return
	}

	switch {
	case err == nil:
		h.ReportSuccess(backendID)
	case errors.Is(err, &vmcp.Error{Kind: vmcp.KindTransportError}):
		// errors.Is walks the whole chain, so a transport error wrapped by
		// EnsureInitialized as backend_unhealthy is still reported.
		h.ReportFailure(backendID, err)
	}
}

func (c *Client) sessionFor(b vmcp.Backend) (Session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[b.ID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	target := &vmcp.BackendTarget{
		WorkloadID:    b.ID,
		WorkloadName:  b.Name,
		BaseURL:       b.BaseURL,
		TransportType: b.TransportType,
		AuthConfig:    b.AuthConfig,
	}
	s, err := NewSession(target, c.httpClient, c.outgoing)
	if err != nil {
		return nil, fmt.Errorf("session: build client for backend %q: %w", b.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sessions[b.ID]; ok {
		_ = s.Close()
		return existing, nil
	}
	c.sessions[b.ID] = s
	return s, nil
}

// ListCapabilities implements vmcp.BackendClient.
func (c *Client) ListCapabilities(ctx context.Context, target vmcp.Backend) (*vmcp.CapabilityList, error) {
	s, err := c.sessionFor(target)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureInitialized(ctx); err != nil {
		c.reportOutcome(target.ID, err)
		return nil, err
	}
	tools, err := s.ListTools(ctx)
	c.reportOutcome(target.ID, err)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		tools[i].OwningBackendID = target.ID
	}
	return &vmcp.CapabilityList{Tools: tools}, nil
}

// CallTool implements vmcp.BackendClient.
func (c *Client) CallTool(ctx context.Context, target vmcp.Backend, toolName string, arguments map[string]any) (*vmcp.ToolCallResult, error) {
	s, err := c.sessionFor(target)
	if err != nil {
		return nil, err
	}
	result, err := s.CallTool(ctx, toolName, arguments)
	c.reportOutcome(target.ID, err)
	return result, err
}

// Close implements vmcp.BackendClient, closing and forgetting backendID's session.
func (c *Client) Close(backendID string) error {
	c.mu.Lock()
	s, ok := c.sessions[backendID]
	if ok {
		delete(c.sessions, backendID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}
