// Package health supervises backend liveness: an active probe loop plus a
// passive-signal hook sessions call into on observed transport failure,
// jointly maintaining the BackendHealth state spec 4.F describes. A
// per-backend circuit breaker is an addition beyond spec.md: it only
// throttles how often a chronically-failing backend is actively probed, it
// never substitutes for the is_healthy threshold logic below.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/mcpgateway/vmcp/pkg/logger"
	"github.com/mcpgateway/vmcp/pkg/vmcp"
)

// Registry is the subset of backend-registry behavior the monitor needs: it
// must be able to list backends to probe and persist health transitions back
// onto them so discovery's build() (which filters on Backend.HealthStatus)
// picks up the change. Only *vmcp.DynamicRegistry satisfies this today —
// an ImmutableRegistry's backend set, and therefore its health status, never
// changes after startup.
type Registry interface {
	List(ctx context.Context) []vmcp.Backend
	UpdateHealth(id string, status vmcp.BackendHealthStatus) bool
}

// Prober performs one liveness check against a backend. The default
// ClientProber issues a tools/list call, matching spec 4.F's "probe via
// tools/list (cached-acceptable) or protocol-defined ping" guidance.
type Prober interface {
	Probe(ctx context.Context, backend vmcp.Backend) error
}

// ClientProber probes a backend by listing its capabilities through the
// gateway's ordinary BackendClient, so a probe costs no more than any other
// outbound call and exercises the exact path a real request would take.
type ClientProber struct {
	Client vmcp.BackendClient
}

// Probe issues a capability listing and discards the result.
func (p *ClientProber) Probe(ctx context.Context, backend vmcp.Backend) error {
	_, err := p.Client.ListCapabilities(ctx, backend)
	return err
}

// MonitorConfig tunes the probe loop.
type MonitorConfig struct {
	// CheckInterval is how often every registered backend is actively probed.
	CheckInterval time.Duration
	// UnhealthyThreshold is FAIL_THRESHOLD (spec section 6): the number of
	// consecutive failed probes/signals before a backend flips unhealthy.
	UnhealthyThreshold int
	// Timeout bounds a single probe attempt.
	Timeout time.Duration
	// CircuitBreakerTimeout, if non-zero, enables a per-backend circuit
	// breaker that stops active probing of a backend for this long once it
	// has failed UnhealthyThreshold times, retrying (half-open) afterward.
	CircuitBreakerTimeout time.Duration
}

// DefaultConfig returns the monitor's out-of-the-box tuning: a 30s probe
// interval and a 3-failure threshold before declaring a backend unhealthy.
func DefaultConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:      30 * time.Second,
		UnhealthyThreshold: 3,
		Timeout:            10 * time.Second,
	}
}

// Validate rejects a config that would make the probe loop meaningless.
func (c MonitorConfig) Validate() error {
	if c.CheckInterval <= 0 {
		return vmcp.NewError(vmcp.KindInvalidParams, "health: CheckInterval must be positive", nil)
	}
	if c.UnhealthyThreshold <= 0 {
		return vmcp.NewError(vmcp.KindInvalidParams, "health: UnhealthyThreshold must be positive", nil)
	}
	if c.Timeout <= 0 {
		return vmcp.NewError(vmcp.KindInvalidParams, "health: Timeout must be positive", nil)
	}
	return nil
}

// backendState is the monitor's private bookkeeping for one backend,
// separate from the Backend.HealthStatus the registry exposes publicly.
type backendState struct {
	health  vmcp.BackendHealth
	breaker *CircuitBreaker
}

// Monitor is the gateway's health supervisor (spec 4.F): it owns every
// BackendHealth record, is the sole mutator of a backend's HealthStatus, and
// invalidates the tool catalog on every healthy/unhealthy transition.
type Monitor struct {
	registry Registry
	prober   Prober
	config   MonitorConfig
	onChange func(backendID string, healthy bool)

	mu     sync.Mutex
	states map[string]*backendState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a supervisor. onChange, if non-nil, is called after every
// transition between healthy and unhealthy, including an unknown backend's
// first flip to unhealthy — wire it to
// discovery.Manager.Invalidate so the catalog drops a backend's tools the
// moment it goes dark.
func NewMonitor(registry Registry, prober Prober, config MonitorConfig, onChange func(backendID string, healthy bool)) *Monitor {
	return &Monitor{
		registry: registry,
		prober:   prober,
		config:   config,
		onChange: onChange,
		states:   make(map[string]*backendState),
	}
}

// Start launches the probe loop. It returns immediately; probing happens on
// a background goroutine until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.config.Validate(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()
		m.probeAll(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.probeAll(runCtx)
			}
		}
	}()
	return nil
}

// Stop halts the probe loop and waits for the in-flight round to finish. Safe
// to call more than once or before Start.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// probeAll probes every registered backend concurrently, one goroutine per
// backend so a single slow or wedged backend never delays the rest.
func (m *Monitor) probeAll(ctx context.Context) {
	backends := m.registry.List(ctx)
	var wg sync.WaitGroup
	for _, b := range backends {
		state := m.stateFor(b.ID)
		if state.breaker != nil && !state.breaker.CanAttempt() {
			continue
		}
		wg.Add(1)
		go func(b vmcp.Backend) {
			defer wg.Done()
			m.probeOne(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, b vmcp.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()
	err := m.prober.Probe(probeCtx, b)
	m.recordResult(b.ID, err)
}

// stateFor returns (creating if necessary) the bookkeeping for backendID.
func (m *Monitor) stateFor(backendID string) *backendState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[backendID]
	if !ok {
		var breaker *CircuitBreaker
		if m.config.CircuitBreakerTimeout > 0 {
			breaker = NewCircuitBreaker(m.config.UnhealthyThreshold, m.config.CircuitBreakerTimeout)
		}
		s = &backendState{
			health:  vmcp.BackendHealth{BackendID: backendID, Status: vmcp.BackendUnknown},
			breaker: breaker,
		}
		m.states[backendID] = s
	}
	return s
}

// recordResult applies one probe (or passive-signal) outcome to backendID's
// health record, transitioning Status and firing onChange when the threshold
// is crossed in either direction (spec 4.F).
func (m *Monitor) recordResult(backendID string, probeErr error) {
	state := m.stateFor(backendID)

	m.mu.Lock()
	now := time.Now()
	wasHealthy := state.health.Status.IsHealthy()
	wasUnhealthy := state.health.Status == vmcp.BackendUnhealthy
	state.health.LastProbeAt = now

	if probeErr == nil {
		state.health.ConsecutiveFailures = 0
		state.health.LastSuccessAt = now
		state.health.Status = vmcp.BackendHealthy
		if state.breaker != nil {
			state.breaker.RecordSuccess()
		}
	} else {
		state.health.ConsecutiveFailures++
		state.health.LastError = probeErr.Error()
		if state.breaker != nil {
			state.breaker.RecordFailure()
		}
		if state.health.ConsecutiveFailures >= m.config.UnhealthyThreshold {
			state.health.Status = vmcp.BackendUnhealthy
		}
	}
	nowHealthy := state.health.Status.IsHealthy()
	// A never-probed (unknown) backend reaching the threshold is a
	// transition too, even though unknown already reads as not healthy.
	changed := wasHealthy != nowHealthy || (!wasUnhealthy && state.health.Status == vmcp.BackendUnhealthy)
	m.mu.Unlock()

	m.registry.UpdateHealth(backendID, state.health.Status)

	if probeErr != nil {
		logger.Warnf("health: backend %s probe failed (%d/%d): %v", backendID, state.health.ConsecutiveFailures, m.config.UnhealthyThreshold, probeErr)
	}

	if changed && m.onChange != nil {
		m.onChange(backendID, nowHealthy)
	}
}

// ReportFailure is the passive-signal hook: a session calls this when it
// observes a transport-level failure talking to backendID, which counts
// exactly like a failed probe (spec 4.F, 3). It can trigger an unhealthy
// transition before the next scheduled probe tick.
func (m *Monitor) ReportFailure(backendID string, err error) {
	m.recordResult(backendID, err)
}

// ReportSuccess is the passive-signal counterpart: a session calls this after
// a successful call, resetting the failure streak without waiting for the
// next probe tick.
func (m *Monitor) ReportSuccess(backendID string) {
	m.recordResult(backendID, nil)
}

// GetHealth returns a copy of backendID's current health record.
func (m *Monitor) GetHealth(backendID string) (vmcp.BackendHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[backendID]
	if !ok {
		return vmcp.BackendHealth{}, false
	}
	return s.health, true
}

// GetAllHealth returns a snapshot of every backend's health record, the data
// behind the GET /health/servers admin endpoint.
func (m *Monitor) GetAllHealth() []vmcp.BackendHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vmcp.BackendHealth, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.health)
	}
	return out
}
