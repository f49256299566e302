// Package aggregator resolves name collisions across backends' tools,
// resources, and prompts into one flat CapabilityList plus the
// RoutingTable that maps each resolved name back to its owning backend
// (spec 4.D). Caching and invalidation of the aggregated result belongs to
// pkg/vmcp/discovery, which calls this package on every cache miss.
package aggregator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mcpgateway/vmcp/pkg/vmcp"
)

// CollisionPolicy selects how same-named tools/resources/prompts from
// different backends are resolved into one namespace.
type CollisionPolicy string

// Supported collision policies (spec section 6: COLLISION_POLICY).
const (
	// PolicyPrefix renames every entry to "{backend_id}.{name}" (or whatever
	// PrefixFormat specifies), so collisions never occur.
	PolicyPrefix CollisionPolicy = "prefix"
	// PolicyWinner keeps the first-registered backend's entry under the bare
	// name and drops the rest, in backend-registration order.
	PolicyWinner CollisionPolicy = "winner"
)

const defaultPrefixFormat = "{backend_id}."

// Aggregator merges per-backend CapabilityLists into one catalog.
type Aggregator interface {
	Aggregate(perBackend map[string]*vmcp.CapabilityList) (*vmcp.CapabilityList, *vmcp.RoutingTable, error)
}

// DefaultAggregator implements Aggregator with a configurable collision policy.
type DefaultAggregator struct {
	Policy       CollisionPolicy
	PrefixFormat string
	// BackendOrder breaks ties for PolicyWinner deterministically; entries
	// not listed here sort after listed ones, alphabetically by backend ID.
	BackendOrder []string
}

// NewDefaultAggregator builds an aggregator for policy. An empty
// prefixFormat defaults to "{backend_id}.".
func NewDefaultAggregator(policy CollisionPolicy, prefixFormat string, backendOrder []string) *DefaultAggregator {
	if prefixFormat == "" {
		prefixFormat = defaultPrefixFormat
	}
	return &DefaultAggregator{Policy: policy, PrefixFormat: prefixFormat, BackendOrder: backendOrder}
}

// Aggregate merges perBackend (keyed by backend ID) into a single catalog
// and the RoutingTable needed to dispatch calls back to their owner.
func (a *DefaultAggregator) Aggregate(perBackend map[string]*vmcp.CapabilityList) (*vmcp.CapabilityList, *vmcp.RoutingTable, error) {
	order := a.orderedBackendIDs(perBackend)

	catalog := &vmcp.CapabilityList{}
	routing := &vmcp.RoutingTable{
		Tools:     make(map[string]*vmcp.BackendTarget),
		Resources: make(map[string]*vmcp.BackendTarget),
		Prompts:   make(map[string]*vmcp.BackendTarget),
	}

	switch a.Policy {
	case PolicyWinner, "":
		a.aggregateWinner(order, perBackend, catalog, routing)
	case PolicyPrefix:
		a.aggregatePrefix(order, perBackend, catalog, routing)
	default:
		return nil, nil, fmt.Errorf("aggregator: unknown collision policy %q", a.Policy)
	}

	return catalog, routing, nil
}

// orderedBackendIDs returns backend IDs from perBackend in a, then
// alphabetical, order so winner-takes-first is deterministic across runs.
func (a *DefaultAggregator) orderedBackendIDs(perBackend map[string]*vmcp.CapabilityList) []string {
	seen := make(map[string]bool, len(a.BackendOrder))
	ordered := make([]string, 0, len(perBackend))
	for _, id := range a.BackendOrder {
		if _, ok := perBackend[id]; ok && !seen[id] {
			ordered = append(ordered, id)
			seen[id] = true
		}
	}
	remaining := make([]string, 0, len(perBackend))
	for id := range perBackend {
		if !seen[id] {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return append(ordered, remaining...)
}

func (a *DefaultAggregator) aggregateWinner(order []string, perBackend map[string]*vmcp.CapabilityList, catalog *vmcp.CapabilityList, routing *vmcp.RoutingTable) {
	for _, id := range order {
		caps := perBackend[id]
		for _, t := range caps.Tools {
			if _, exists := routing.Tools[t.Name]; exists {
				continue
			}
			t.OwningBackendID = id
			catalog.Tools = append(catalog.Tools, t)
			routing.Tools[t.Name] = backendTarget(id)
		}
		for _, r := range caps.Resources {
			if _, exists := routing.Resources[r.URI]; exists {
				continue
			}
			r.OwningBackendID = id
			catalog.Resources = append(catalog.Resources, r)
			routing.Resources[r.URI] = backendTarget(id)
		}
		for _, p := range caps.Prompts {
			if _, exists := routing.Prompts[p.Name]; exists {
				continue
			}
			p.OwningBackendID = id
			catalog.Prompts = append(catalog.Prompts, p)
			routing.Prompts[p.Name] = backendTarget(id)
		}
	}
}

func (a *DefaultAggregator) aggregatePrefix(order []string, perBackend map[string]*vmcp.CapabilityList, catalog *vmcp.CapabilityList, routing *vmcp.RoutingTable) {
	for _, id := range order {
		caps := perBackend[id]
		prefix := strings.ReplaceAll(a.PrefixFormat, "{backend_id}", id)

		for _, t := range caps.Tools {
			t.Name = prefix + t.Name
			t.OwningBackendID = id
			catalog.Tools = append(catalog.Tools, t)
			routing.Tools[t.Name] = backendTarget(id)
		}
		for _, r := range caps.Resources {
			r.URI = prefix + r.URI
			r.OwningBackendID = id
			catalog.Resources = append(catalog.Resources, r)
			routing.Resources[r.URI] = backendTarget(id)
		}
		for _, p := range caps.Prompts {
			p.Name = prefix + p.Name
			p.OwningBackendID = id
			catalog.Prompts = append(catalog.Prompts, p)
			routing.Prompts[p.Name] = backendTarget(id)
		}
	}
}

// backendTarget is a minimal routing entry; the discovery manager fills in
// BaseURL/TransportType/AuthConfig by joining against the backend registry
// (the aggregator only sees capability lists, not backend descriptors).
func backendTarget(workloadID string) *vmcp.BackendTarget {
	return &vmcp.BackendTarget{WorkloadID: workloadID}
}
