package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpgateway/vmcp/pkg/logger"
	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
	"github.com/mcpgateway/vmcp/pkg/vmcp/session"
)

// defaultCallDeadline is CALL_DEADLINE_SECONDS' default (spec section 6).
const defaultCallDeadline = 120 * time.Second

// protocolVersion is echoed back on initialize when the client's requested
// version is empty; otherwise the client's own value is echoed verbatim
// (spec 6: "Protocol version echoed is the negotiated value").
const protocolVersion = "2025-06-18"

// CatalogResolver is the subset of discovery.Manager the router needs:
// the aggregated catalog for tools/list and name resolution for tools/call.
type CatalogResolver interface {
	Get(ctx context.Context) (*vmcp.CapabilityList, *vmcp.RoutingTable, bool, error)
	ResolveTool(ctx context.Context, name string) (*vmcp.BackendTarget, bool, error)
}

// MetricsRecorder observes tools/call outcomes, wired to the /metrics
// endpoint's Prometheus collectors by the server package.
type MetricsRecorder interface {
	RecordToolCall(backendID, outcome string, duration time.Duration)
}

// HealthChecker is the subset of health.Monitor the router consults before
// dispatching a tools/call, so a known-unhealthy backend fails fast with
// backend_unhealthy instead of waiting out a dead connection.
type HealthChecker interface {
	GetHealth(backendID string) (vmcp.BackendHealth, bool)
}

// SessionGetter is the subset of SessionPool the router needs — narrowed to
// an interface so tests can fake it without constructing real sessions.
type SessionGetter interface {
	Get(target *vmcp.BackendTarget) (session.Session, error)
}

// clientSessionState is the router's minimal per-client bookkeeping (spec
// 4.E: "protocol version, negotiated capabilities... no per-client
// application state").
type clientSessionState struct {
	protocolVersion string
}

// Router is the gateway's single JSON-RPC entrypoint (spec 4.E).
type Router struct {
	catalog      CatalogResolver
	pool         SessionGetter
	health       HealthChecker
	metrics      MetricsRecorder
	callDeadline time.Duration

	mu       sync.Mutex
	sessions map[string]*clientSessionState
}

// Option configures a Router at construction.
type Option func(*Router)

// WithCallDeadline overrides the default 120s tools/call deadline.
func WithCallDeadline(d time.Duration) Option {
	return func(r *Router) { r.callDeadline = d }
}

// WithHealthChecker wires a HealthChecker so tools/call can fail fast on a
// known-unhealthy backend rather than dialing a dead connection.
func WithHealthChecker(h HealthChecker) Option {
	return func(r *Router) { r.health = h }
}

// WithMetricsRecorder wires a MetricsRecorder so every tools/call outcome is
// observed for the /metrics endpoint.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter builds a Router. catalog and pool are required.
func NewRouter(catalog CatalogResolver, pool SessionGetter, opts ...Option) *Router {
	r := &Router{
		catalog:      catalog,
		pool:         pool,
		callDeadline: defaultCallDeadline,
		sessions:     make(map[string]*clientSessionState),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle classifies and dispatches one inbound JSON-RPC message. sessionID is
// the Mcp-Session-Id the client presented (empty before its first
// initialize). It returns the response bytes (nil for a notification, which
// gets no reply), the session id to echo back (unchanged unless this call
// was initialize), and an error only for conditions that prevent any
// JSON-RPC-shaped reply at all (malformed envelope).
func (r *Router) Handle(ctx context.Context, identity auth.Identity, sessionID string, body []byte) ([]byte, string, error) {
	var req clientRequest
	if err := json.Unmarshal(body, &req); err != nil {
		gwErr := vmcp.NewError(vmcp.KindInvalidRequest, "malformed JSON-RPC envelope", err).WithCorrelation(newCorrelationID())
		resp := newErrorResponse(nil, gwErr)
		out, _ := json.Marshal(resp)
		return out, sessionID, nil
	}

	switch req.Method {
	case "initialize":
		return r.handleInitialize(req, sessionID)
	case "notifications/initialized":
		return nil, sessionID, nil
	case "notifications/cancelled":
		// Best-effort only: the router does not track per-call cancellation
		// state itself (spec 4.E/5: cancellation is a session-level
		// mechanism), so there is nothing more to do than accept the
		// notification.
		return nil, sessionID, nil
	case "tools/list":
		return r.handleToolsList(ctx, identity, req, sessionID)
	case "tools/call":
		return r.handleToolsCall(ctx, identity, req, sessionID)
	default:
		gwErr := vmcp.NewError(vmcp.KindMethodNotFound, "unknown method: "+req.Method, nil).WithCorrelation(newCorrelationID())
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// handleInitialize synthesizes a new gateway-assigned client session id
// (spec 6: "the gateway synthesizes a session id and returns it"),
// regardless of whatever sessionID the client presented — initialize always
// starts a fresh per-client handshake.
func (r *Router) handleInitialize(req clientRequest, _ string) ([]byte, string, error) {
	var params initializeParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	negotiated := params.ProtocolVersion
	if negotiated == "" {
		negotiated = protocolVersion
	}

	newID := uuid.NewString()
	r.mu.Lock()
	r.sessions[newID] = &clientSessionState{protocolVersion: negotiated}
	r.mu.Unlock()

	result := initializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      serverInfo{Name: "vmcp", Version: "0.1.0"},
	}
	resp, err := newResultResponse(req.ID, result)
	if err != nil {
		gwErr := vmcp.NewError(vmcp.KindInternal, "failed to marshal initialize result", err)
		return r.marshalError(req.ID, gwErr), newID, nil
	}
	out, _ := json.Marshal(resp)
	return out, newID, nil
}

type toolDTO struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools   []toolDTO `json:"tools"`
	Partial bool      `json:"partial,omitempty"`
}

func (r *Router) handleToolsList(ctx context.Context, identity auth.Identity, req clientRequest, sessionID string) ([]byte, string, error) {
	catalog, _, partial, err := r.catalog.Get(ctx)
	if err != nil {
		gwErr := toGatewayError(err, "", "tools/list failed")
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}

	visible := make([]toolDTO, 0, len(catalog.Tools))
	for _, t := range catalog.Tools {
		if identity.ACL != nil && !identity.ACL.IsToolAllowed(t.Name) {
			continue
		}
		visible = append(visible, toolDTO{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	resp, err := newResultResponse(req.ID, toolsListResult{Tools: visible, Partial: partial})
	if err != nil {
		gwErr := vmcp.NewError(vmcp.KindInternal, "failed to marshal tools/list result", err)
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}
	out, _ := json.Marshal(resp)
	return out, sessionID, nil
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type contentDTO struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type toolsCallResult struct {
	Content []contentDTO `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

func (r *Router) handleToolsCall(ctx context.Context, identity auth.Identity, req clientRequest, sessionID string) ([]byte, string, error) {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		gwErr := vmcp.NewError(vmcp.KindInvalidParams, "tools/call requires a non-empty name", nil).WithCorrelation(newCorrelationID())
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}

	if err := identity.ACL.Authorize(params.Name, params.Arguments); err != nil {
		kind := vmcp.KindInvalidParams
		if errors.Is(err, auth.ErrToolNotAllowed) {
			kind = vmcp.KindForbidden
		}
		gwErr := vmcp.NewError(kind, err.Error(), err).WithCorrelation(newCorrelationID())
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}

	target, ok, err := r.catalog.ResolveTool(ctx, params.Name)
	if err != nil {
		gwErr := toGatewayError(err, "", "tools/call resolve failed")
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}
	if !ok {
		gwErr := vmcp.NewError(vmcp.KindNotFound, "unknown tool: "+params.Name, nil).WithCorrelation(newCorrelationID())
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}

	if r.health != nil {
		if h, tracked := r.health.GetHealth(target.WorkloadID); tracked && !h.IsHealthy() {
			gwErr := vmcp.NewError(vmcp.KindBackendUnhealthy, "backend is currently unhealthy", nil).
				WithCorrelation(newCorrelationID()).WithBackend(target.WorkloadID, h.LastError)
			return r.marshalError(req.ID, gwErr), sessionID, nil
		}
	}

	s, err := r.pool.Get(target)
	if err != nil {
		gwErr := toGatewayError(err, target.WorkloadID, "failed to reach backend")
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callDeadline)
	defer cancel()

	start := time.Now()
	result, err := s.CallTool(callCtx, params.Name, params.Arguments)
	if err != nil {
		r.recordMetric(target.WorkloadID, "error", start)
		gwErr := toGatewayError(err, target.WorkloadID, "tools/call failed")
		logger.Errorf("router: tools/call %s on backend %s failed (correlation=%s): %v", params.Name, target.WorkloadID, gwErr.CorrelationID, err)
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}
	r.recordMetric(target.WorkloadID, "ok", start)

	content := make([]contentDTO, 0, len(result.Content))
	for _, c := range result.Content {
		content = append(content, contentDTO{Type: c.Type, Text: c.Text, MimeType: c.MimeType})
	}
	resp, err := newResultResponse(req.ID, toolsCallResult{Content: content, IsError: result.IsError})
	if err != nil {
		gwErr := vmcp.NewError(vmcp.KindInternal, "failed to marshal tools/call result", err)
		return r.marshalError(req.ID, gwErr), sessionID, nil
	}
	out, _ := json.Marshal(resp)
	return out, sessionID, nil
}

// marshalError builds and serializes an error clientResponse, never failing
// (json.Marshal on this fixed shape cannot error).
func (*Router) marshalError(id json.RawMessage, gwErr *vmcp.Error) []byte {
	out, _ := json.Marshal(newErrorResponse(id, gwErr))
	return out
}

// toGatewayError classifies a lower-layer error (session/transport/discovery)
// into the spec 7 taxonomy, attaching a correlation id for operator
// cross-referencing. Errors that are already *vmcp.Error pass through kind
// and backend context unchanged.
func toGatewayError(err error, backendID, message string) *vmcp.Error {
	var existing *vmcp.Error
	if errors.As(err, &existing) {
		if existing.CorrelationID == "" {
			existing = existing.WithCorrelation(newCorrelationID())
		}
		return existing
	}

	kind := vmcp.KindTransportError
	switch {
	case errors.Is(err, vmcp.ErrTimeout):
		kind = vmcp.KindDeadlineExceeded
	case errors.Is(err, vmcp.ErrCancelled):
		kind = vmcp.KindCancelled
	case errors.Is(err, vmcp.ErrNotFound):
		kind = vmcp.KindNotFound
	case errors.Is(err, vmcp.ErrAmbiguous):
		kind = vmcp.KindAmbiguous
	case errors.Is(err, vmcp.ErrBackendUnavailable), errors.Is(err, vmcp.ErrSessionClosed):
		kind = vmcp.KindBackendUnhealthy
	}
	gwErr := vmcp.NewError(kind, message, err).WithCorrelation(newCorrelationID())
	if backendID != "" {
		gwErr = gwErr.WithBackend(backendID, err.Error())
	}
	return gwErr
}

func newCorrelationID() string { return uuid.NewString() }

// recordMetric reports one tools/call outcome if a MetricsRecorder is wired.
func (r *Router) recordMetric(backendID, outcome string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordToolCall(backendID, outcome, time.Since(start))
	}
}
