package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mcpgateway/vmcp/pkg/logger"
	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
	authtypes "github.com/mcpgateway/vmcp/pkg/vmcp/auth/types"
	"github.com/mcpgateway/vmcp/pkg/vmcp/transport"
)

// protocolVersion is the MCP wire-protocol version this gateway speaks to
// backends during the initialize handshake.
const protocolVersion = "2024-11-05"

const gatewayClientName = "vmcp-gateway"
const gatewayClientVersion = "0.1.0"

// Session is a live connection to exactly one backend, carrying the
// initialize handshake, the request/response correlation table, and the
// admission quota for that backend (spec 4.C: "McpSession").
type Session interface {
	EnsureInitialized(ctx context.Context) error
	ListTools(ctx context.Context) ([]vmcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (*vmcp.ToolCallResult, error)
	Close() error
}

// defaultSession implements Session over either backend transport variant.
// Exactly one of sse/stream is set, chosen by target.TransportType at
// construction (see connector.go).
type defaultSession struct {
	target     *vmcp.BackendTarget
	httpClient *http.Client
	outgoing   auth.OutgoingAuthenticator

	pending   *pendingTable
	admission *admissionQueue
	initGroup singleflight.Group

	mu          sync.Mutex
	initDone    bool
	closed      bool
	broken      bool // set once the transport reports a disconnect; session is unusable until evicted and recreated
	sessionID   string // streamable-http: Mcp-Session-Id learned from the backend
	messagesURL string // sse: POST target learned from the "endpoint" event
	unsubscribe func()

	sse    *transport.SSEClient
	stream *transport.StreamableClient

	messagesSet chan struct{}
}

// newDefaultSession builds the transport-specific plumbing for target but
// does not dial anything; the initialize handshake happens lazily on first
// EnsureInitialized (spec 4.C: "sessions connect lazily, on first use").
func newDefaultSession(target *vmcp.BackendTarget, httpClient *http.Client, outgoing auth.OutgoingAuthenticator) *defaultSession {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	s := &defaultSession{
		target:      target,
		httpClient:  httpClient,
		outgoing:    outgoing,
		pending:     newPendingTable(),
		admission:   newAdmissionQueue(),
		messagesSet: make(chan struct{}),
	}

	switch target.TransportType {
	case vmcp.TransportSSE:
		s.sse = transport.NewSSEClient(target.BaseURL, transport.WithHTTPClient(httpClient))
	case vmcp.TransportStreamableHTTP:
		headers := staticOutgoingHeaders(outgoing, target.AuthConfig)
		s.stream = transport.NewStreamableClient(target.BaseURL, httpClient, headers)
	}
	return s
}

// staticOutgoingHeaders pre-computes the header set an outgoing auth
// strategy would add, so the streamable-HTTP client (which owns its own
// request construction) can apply them without re-running the strategy on
// every call. Strategies registered by this gateway (unauthenticated,
// header_injection) are static per backend, so this is safe; a future
// strategy with per-request state would need its own hook here.
func staticOutgoingHeaders(outgoing auth.OutgoingAuthenticator, cfg *authtypes.BackendAuthStrategy) map[string]string {
	if outgoing == nil {
		return nil
	}
	req, err := http.NewRequest(http.MethodPost, "http://backend.invalid", http.NoBody)
	if err != nil {
		return nil
	}
	if err := outgoing.Apply(req, cfg); err != nil {
		logger.Warnf("session: outgoing auth setup failed: %v", err)
		return nil
	}
	if len(req.Header) == 0 {
		return nil
	}
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	return headers
}

// EnsureInitialized runs the initialize/initialized handshake exactly once,
// coalescing concurrent callers onto a single in-flight attempt (spec 4.C:
// "EnsureInitialized is idempotent and safe under concurrent callers").
func (s *defaultSession) EnsureInitialized(ctx context.Context) error {
	_, err, _ := s.initGroup.Do("init", func() (any, error) {
		s.mu.Lock()
		done := s.initDone
		s.mu.Unlock()
		if done {
			return nil, nil
		}

		params := map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    gatewayClientName,
				"version": gatewayClientVersion,
			},
		}
		if _, err := s.sendRequest(ctx, "initialize", params); err != nil {
			return nil, vmcp.NewError(vmcp.KindBackendUnhealthy, "initialize handshake failed", err).
				WithBackend(s.target.WorkloadID, err.Error())
		}
		if err := s.sendNotification(ctx, "notifications/initialized", nil); err != nil {
			return nil, vmcp.NewError(vmcp.KindBackendUnhealthy, "initialized notification failed", err).
				WithBackend(s.target.WorkloadID, err.Error())
		}

		s.mu.Lock()
		s.initDone = true
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// ListTools issues tools/list and maps the backend's reply into this
// gateway's Tool envelope, tagging every entry with the owning backend so
// the aggregator can build a RoutingTable from it (spec 4.D).
func (s *defaultSession) ListTools(ctx context.Context) ([]vmcp.Tool, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	raw, err := s.sendRequest(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("session: malformed tools/list result: %w", err)
	}

	tools := make([]vmcp.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				schema = nil
			}
		}
		tools = append(tools, vmcp.Tool{
			Name:            t.Name,
			OwningBackendID: s.target.WorkloadID,
			Description:     t.Description,
			InputSchema:     schema,
		})
	}
	return tools, nil
}

type callToolResultDTO struct {
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// CallTool admits the call against the per-session inflight quota, then
// issues tools/call and maps the reply (spec 4.C, section 5 backpressure).
func (s *defaultSession) CallTool(ctx context.Context, name string, arguments map[string]any) (*vmcp.ToolCallResult, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	admitted, done := s.admission.TryAdmit()
	if !admitted {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, vmcp.ErrSessionClosed
		}
		return nil, vmcp.NewError(vmcp.KindResourceExhausted, "too many in-flight calls for this backend", nil).
			WithBackend(s.target.WorkloadID, "")
	}
	defer done()

	raw, err := s.sendRequest(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, err
	}

	var dto callToolResultDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("session: malformed tools/call result: %w", err)
	}

	content := make([]vmcp.Content, 0, len(dto.Content))
	for _, c := range dto.Content {
		item := vmcp.Content{Type: c.Type, Text: c.Text, MimeType: c.MimeType}
		if c.Data != "" {
			if decoded, err := base64.StdEncoding.DecodeString(c.Data); err == nil {
				item.Data = decoded
			}
		}
		content = append(content, item)
	}
	return &vmcp.ToolCallResult{Content: content, IsError: dto.IsError}, nil
}

// Close tears the session down: every outstanding request fails with
// ErrSessionClosed, the admission queue drains, and any owned transport
// stops (spec 3: "every entry in pending is removed exactly once").
func (s *defaultSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	sse := s.sse
	s.mu.Unlock()

	s.pending.failAll(vmcp.ErrSessionClosed)
	s.admission.CloseAndDrain()

	if unsubscribe != nil {
		unsubscribe()
	}
	if sse != nil {
		sse.Stop()
	}
	return nil
}

// sendRequest marshals method/params, registers the correlation id before
// writing to the wire, dispatches over the backend's transport, and blocks
// for the matching reply or ctx's deadline/cancellation (spec property 1:
// "register before send" avoids the race where a reply outruns
// registration).
func (s *defaultSession) sendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	closed := s.closed
	broken := s.broken
	s.mu.Unlock()
	if closed {
		return nil, vmcp.ErrSessionClosed
	}
	if broken {
		return nil, vmcp.NewError(vmcp.KindTransportError, "session transport disconnected", nil).
			WithBackend(s.target.WorkloadID, "")
	}

	id := s.pending.nextID()
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("session: marshal request: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("session: marshal request: %w", err)
	}

	sink, ok := s.pending.register(id)
	if !ok {
		return nil, fmt.Errorf("session: duplicate request id %s", id)
	}

	if err := s.dispatch(ctx, body); err != nil {
		s.pending.remove(id)
		return nil, err
	}

	select {
	case o := <-sink.done():
		if o.err != nil {
			return nil, o.err
		}
		if o.resp.Error != nil {
			return nil, o.resp.Error
		}
		return o.resp.Result, nil
	case <-ctx.Done():
		s.pending.remove(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, vmcp.ErrTimeout
		}
		return nil, vmcp.ErrCancelled
	}
}

// sendNotification writes a JSON-RPC notification (no id, no reply expected).
func (s *defaultSession) sendNotification(ctx context.Context, method string, params any) error {
	req, err := newRequest("", method, params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.dispatch(ctx, body)
}

func (s *defaultSession) dispatch(ctx context.Context, body []byte) error {
	switch s.target.TransportType {
	case vmcp.TransportSSE:
		return s.dispatchSSE(ctx, body)
	case vmcp.TransportStreamableHTTP:
		return s.dispatchStreamable(ctx, body)
	default:
		return vmcp.ErrUnsupportedTransport
	}
}

// dispatchSSE posts body to the messages endpoint learned from the stream's
// "endpoint" event; the actual reply arrives asynchronously as a "message"
// frame and is routed by handleSSEEvent (spec 4.C, legacy SSE transport).
func (s *defaultSession) dispatchSSE(ctx context.Context, body []byte) error {
	if err := s.ensureStreamStarted(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	target := s.messagesURL
	s.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.outgoing != nil {
		if err := s.outgoing.Apply(httpReq, s.target.AuthConfig); err != nil {
			return vmcp.NewError(vmcp.KindForbidden, "outgoing auth failed", err).WithBackend(s.target.WorkloadID, err.Error())
		}
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return vmcp.NewError(vmcp.KindTransportError, "send to backend failed", err).WithBackend(s.target.WorkloadID, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return vmcp.NewError(vmcp.KindTransportError, fmt.Sprintf("backend responded with status %d", resp.StatusCode), nil).
			WithBackend(s.target.WorkloadID, "")
	}
	return nil
}

func (s *defaultSession) ensureStreamStarted(ctx context.Context) error {
	s.mu.Lock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.sse.Subscribe(s.handleSSEEvent)
		s.sse.Start(ctx)
	}
	ready := s.messagesURL != ""
	s.mu.Unlock()
	if ready {
		return nil
	}

	select {
	case <-s.messagesSet:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return vmcp.ErrTimeout
		}
		return vmcp.ErrCancelled
	}
}

func (s *defaultSession) handleSSEEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventFrame:
		s.handleSSEFrame(ev.Frame)
	case transport.EventDisconnected:
		logger.Warnf("session: backend %s disconnected: %v", s.target.WorkloadID, ev.Reason)
		s.mu.Lock()
		s.broken = true
		s.mu.Unlock()
		transportErr := vmcp.NewError(vmcp.KindTransportError, "backend disconnected", ev.Reason).
			WithBackend(s.target.WorkloadID, "")
		s.pending.failAll(transportErr)
	case transport.EventParseError:
		logger.Warnf("session: backend %s sent malformed frame: %s", s.target.WorkloadID, ev.Line)
	}
}

func (s *defaultSession) handleSSEFrame(frame transport.Frame) {
	if frame.Event == "endpoint" {
		s.mu.Lock()
		if s.messagesURL == "" {
			s.messagesURL = resolveMessagesURL(s.target.BaseURL, frame.Data)
			close(s.messagesSet)
		}
		s.mu.Unlock()
		return
	}

	var resp response
	if err := json.Unmarshal([]byte(frame.Data), &resp); err != nil {
		logger.Warnf("session: malformed message frame from %s: %v", s.target.WorkloadID, err)
		return
	}
	if resp.ID != "" {
		s.pending.resolve(resp)
	}
}

// resolveMessagesURL joins the relative "endpoint" path against the
// stream's base URL, per the legacy SSE transport's endpoint-discovery step.
func resolveMessagesURL(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// dispatchStreamable posts body over the single streamable-HTTP channel,
// learning the backend-assigned Mcp-Session-Id on first reply and routing
// either an inline JSON reply or an SSE-upgraded stream of frames back
// through the pending table (spec 4.C, streamable-HTTP transport).
func (s *defaultSession) dispatchStreamable(ctx context.Context, body []byte) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	reply, err := s.stream.Send(ctx, sessionID, body)
	if err != nil {
		return vmcp.NewError(vmcp.KindTransportError, "send to backend failed", err).WithBackend(s.target.WorkloadID, err.Error())
	}

	if reply.Header != nil {
		if newID := reply.Header.Get("Mcp-Session-Id"); newID != "" {
			s.mu.Lock()
			if s.sessionID == "" {
				s.sessionID = newID
			}
			s.mu.Unlock()
		}
	}

	if reply.JSON != nil {
		if len(reply.JSON) == 0 {
			return nil // e.g. a 202 Accepted reply to a notification
		}
		var resp response
		if err := json.Unmarshal(reply.JSON, &resp); err != nil {
			return fmt.Errorf("session: malformed reply: %w", err)
		}
		if resp.ID != "" {
			s.pending.resolve(resp)
		}
		return nil
	}

	go s.drainStreamableFrames(reply)
	return nil
}

func (s *defaultSession) drainStreamableFrames(reply *transport.Reply) {
	for frame := range reply.Frames {
		var resp response
		if err := json.Unmarshal([]byte(frame.Data), &resp); err != nil {
			logger.Warnf("session: malformed stream frame from %s: %v", s.target.WorkloadID, err)
			continue
		}
		if resp.ID != "" {
			s.pending.resolve(resp)
		}
	}
	if err := reply.Err(); err != nil {
		logger.Warnf("session: stream from %s ended: %v", s.target.WorkloadID, err)
	}
}
