// Package vmcp defines the shared data model for the virtual MCP gateway:
// backend descriptors, health state, tool/resource/prompt envelopes, and the
// backend registry. Sub-packages (transport, session, discovery, health,
// router, auth, server) build on these types without owning them.
package vmcp

import (
	"context"
	"time"

	authtypes "github.com/mcpgateway/vmcp/pkg/vmcp/auth/types"
)

// TransportType enumerates the backend-facing wire protocols this gateway
// understands. The registry does not check the transport; stdio and other
// transports are rejected when a session is built for the backend
// (session.NewSession returns ErrUnsupportedTransport).
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// Backend is an upstream MCP server registered with the gateway. Identity is
// ID; all other fields are immutable once registered except via an explicit
// deregister+register cycle (spec 4.A).
type Backend struct {
	ID            string
	Name          string
	BaseURL       string
	TransportType string
	HealthStatus  BackendHealthStatus
	AuthConfig    *authtypes.BackendAuthStrategy
	Metadata      map[string]string
	RegisteredAt  time.Time
}

// BackendHealthStatus is a small enum rather than a bare bool so the
// supervisor and admin API can distinguish "never probed" from "probed and
// failing" from "failing auth specifically". IsHealthy() collapses it to
// the boolean spec.md's BackendHealth entity describes.
type BackendHealthStatus string

// Health status values.
const (
	BackendHealthy         BackendHealthStatus = "healthy"
	BackendDegraded        BackendHealthStatus = "degraded"
	BackendUnhealthy       BackendHealthStatus = "unhealthy"
	BackendUnauthenticated BackendHealthStatus = "unauthenticated"
	BackendUnknown         BackendHealthStatus = "unknown"
)

// IsHealthy reports whether the status should be treated as available for
// routing. Only the healthy and degraded states are.
func (s BackendHealthStatus) IsHealthy() bool {
	return s == BackendHealthy || s == BackendDegraded
}

// BackendHealth is the mutable health record for one backend. It is mutated
// only by the health supervisor and, on observed transport failure, by the
// owning session (spec 3).
type BackendHealth struct {
	BackendID           string
	Status              BackendHealthStatus
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastError           string
	LastProbeAt         time.Time
}

// IsHealthy mirrors spec.md's `is_healthy: bool` field for callers that only
// want the boolean view.
func (h BackendHealth) IsHealthy() bool { return h.Status.IsHealthy() }

// BackendTarget is the resolved routing destination for a tool/resource/
// prompt name: which backend owns it and how to reach it.
type BackendTarget struct {
	WorkloadID    string
	WorkloadName  string
	BaseURL       string
	TransportType string
	AuthConfig    *authtypes.BackendAuthStrategy
}

// Content is one opaque content block of an MCP tool/resource/prompt result.
type Content struct {
	Type     string
	Text     string
	MimeType string
	Data     []byte
}

// ToolCallResult is the gateway-internal envelope for a tools/call reply.
type ToolCallResult struct {
	Content []Content
	IsError bool
}

// ResourceReadResult is the gateway-internal envelope for a resources/read reply.
type ResourceReadResult struct {
	Contents []byte
	MimeType string
}

// PromptGetResult is the gateway-internal envelope for a prompts/get reply.
type PromptGetResult struct {
	Messages string
}

// Tool is a named capability hosted by exactly one backend, tagged with its
// owner for routing (spec 3: ToolEntry).
type Tool struct {
	Name            string
	OwningBackendID string
	Description     string
	InputSchema     map[string]any
	Annotations     map[string]any
}

// Resource is a named, backend-owned MCP resource.
type Resource struct {
	URI             string
	OwningBackendID string
	Name            string
	Description     string
	MimeType        string
}

// Prompt is a named, backend-owned MCP prompt.
type Prompt struct {
	Name            string
	OwningBackendID string
	Description     string
	Arguments       []PromptArgument
}

// PromptArgument describes one named argument a Prompt accepts.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// CapabilityList is a flat view of everything a single backend advertises,
// used by the aggregator while building a catalog.
type CapabilityList struct {
	Tools     []Tool
	Resources []Resource
	Prompts   []Prompt
}

// RoutingTable maps aggregated names back to the backend that owns them,
// the output the tool catalog exists to produce (spec 4.D).
type RoutingTable struct {
	Tools     map[string]*BackendTarget
	Resources map[string]*BackendTarget
	Prompts   map[string]*BackendTarget
}

// BackendClient is the outbound transport the gateway uses to reach a
// backend: discover its capabilities and invoke a tool on it. Concrete
// implementations live in pkg/vmcp/session.
type BackendClient interface {
	ListCapabilities(ctx context.Context, target Backend) (*CapabilityList, error)
	CallTool(ctx context.Context, target Backend, toolName string, arguments map[string]any) (*ToolCallResult, error)
	Close(backendID string) error
}

// BackendRegistry is the interface both ImmutableRegistry and
// DynamicRegistry satisfy (spec 4.A).
type BackendRegistry interface {
	Get(ctx context.Context, id string) *Backend
	List(ctx context.Context) []Backend
	Count() int
	Register(ctx context.Context, b Backend) error
	Deregister(ctx context.Context, id string) error
}
