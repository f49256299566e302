// Package discovery owns the aggregated tool/resource/prompt catalog's
// lifecycle: single-flighted, TTL-cached builds and invalidation on backend
// or health changes (spec 4.D). The collision math itself lives in
// pkg/vmcp/aggregator; this package calls it on every cache miss.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/mcpgateway/vmcp/pkg/logger"
	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/aggregator"
	"github.com/mcpgateway/vmcp/pkg/vmcp/cache"
)

// snapshot is one built catalog: the flattened capability list plus the
// routing table needed to dispatch a resolved name back to its backend.
type snapshot struct {
	capabilities *vmcp.CapabilityList
	routing      *vmcp.RoutingTable
	// partial is true when build() excluded at least one backend (unhealthy
	// at build time, or its capability fetch failed), so the catalog is
	// known-incomplete rather than a full view of every registered backend
	// (spec 4.D, scenario S5: "tools/list returns a catalog with partial:
	// true when a backend failed to list its capabilities").
	partial bool
}

// Manager is the gateway's tool catalog: Get returns the current (possibly
// cached) snapshot, Resolve looks up where a single name routes, and
// Invalidate forces the next Get to rebuild.
type Manager struct {
	registry   vmcp.BackendRegistry
	client     vmcp.BackendClient
	aggregator aggregator.Aggregator

	cache *cache.TTLCache[*snapshot]
}

// NewManager builds a catalog manager. ttl of zero disables expiry; the
// caller must then rely solely on Invalidate (spec 4.D: invalidation is
// driven by backend add/remove and health transitions, not only time).
func NewManager(registry vmcp.BackendRegistry, client vmcp.BackendClient, agg aggregator.Aggregator, ttl time.Duration) *Manager {
	m := &Manager{registry: registry, client: client, aggregator: agg}
	m.cache = cache.NewTTLCache(ttl, m.build)
	return m
}

// Get returns the current catalog, building it on a miss. Concurrent misses
// coalesce onto one build (spec 4.D: "single-flighted catalog build"). The
// returned bool is true when the catalog is missing at least one backend's
// capabilities (spec 4.D, scenario S5).
func (m *Manager) Get(ctx context.Context) (*vmcp.CapabilityList, *vmcp.RoutingTable, bool, error) {
	snap, err := m.cache.Get(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	return snap.capabilities, snap.routing, snap.partial, nil
}

// Invalidate forces the next Get to rebuild the catalog from scratch. Called
// on backend registration/deregistration and on health-state transitions
// into/out of healthy (spec 4.D).
func (m *Manager) Invalidate() {
	m.cache.Invalidate()
}

// ResolveTool returns the backend target for a tool name, or (nil, false) if
// no backend currently owns it.
func (m *Manager) ResolveTool(ctx context.Context, name string) (*vmcp.BackendTarget, bool, error) {
	_, routing, _, err := m.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	target, ok := routing.Tools[name]
	return target, ok, nil
}

// ResolveResource returns the backend target for a resource URI.
func (m *Manager) ResolveResource(ctx context.Context, uri string) (*vmcp.BackendTarget, bool, error) {
	_, routing, _, err := m.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	target, ok := routing.Resources[uri]
	return target, ok, nil
}

// ResolvePrompt returns the backend target for a prompt name.
func (m *Manager) ResolvePrompt(ctx context.Context, name string) (*vmcp.BackendTarget, bool, error) {
	_, routing, _, err := m.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	target, ok := routing.Prompts[name]
	return target, ok, nil
}

// build queries every healthy backend for its capabilities, in parallel, and
// hands the per-backend results to the aggregator. A single backend's
// failure to respond is logged and excluded, not fatal to the build — a
// flaky backend should not blind the gateway to everyone else's tools.
func (m *Manager) build(ctx context.Context) (*snapshot, error) {
	backends := m.registry.List(ctx)

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		perBackend = make(map[string]*vmcp.CapabilityList)
		partial    bool
	)

	for _, b := range backends {
		if !b.HealthStatus.IsHealthy() {
			mu.Lock()
			partial = true
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(b vmcp.Backend) {
			defer wg.Done()
			caps, err := m.client.ListCapabilities(ctx, b)
			if err != nil {
				logger.Warnf("discovery: backend %s capability fetch failed: %v", b.ID, err)
				mu.Lock()
				partial = true
				mu.Unlock()
				return
			}
			mu.Lock()
			perBackend[b.ID] = caps
			mu.Unlock()
		}(b)
	}
	wg.Wait()

	catalog, routing, err := m.aggregator.Aggregate(perBackend)
	if err != nil {
		return nil, err
	}
	m.enrichRoutingTable(ctx, routing)

	return &snapshot{capabilities: catalog, routing: routing, partial: partial}, nil
}

// enrichRoutingTable fills in each BackendTarget's dial details, which the
// aggregator cannot know since it only sees capability lists.
func (m *Manager) enrichRoutingTable(ctx context.Context, routing *vmcp.RoutingTable) {
	fill := func(t *vmcp.BackendTarget) {
		b := m.registry.Get(ctx, t.WorkloadID)
		if b == nil {
			return
		}
		t.WorkloadName = b.Name
		t.BaseURL = b.BaseURL
		t.TransportType = b.TransportType
		t.AuthConfig = b.AuthConfig
	}
	for _, t := range routing.Tools {
		fill(t)
	}
	for _, t := range routing.Resources {
		fill(t)
	}
	for _, t := range routing.Prompts {
		fill(t)
	}
}
