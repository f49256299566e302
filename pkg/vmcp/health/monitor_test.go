package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgateway/vmcp/pkg/vmcp"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.CheckInterval)
	assert.Equal(t, 3, cfg.UnhealthyThreshold)
}

func TestMonitorConfig_Validate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, MonitorConfig{}.Validate())
	require.Error(t, MonitorConfig{CheckInterval: time.Second, UnhealthyThreshold: 0, Timeout: time.Second}.Validate())
}

// fakeRegistry is a minimal Registry fake: just enough to drive probeAll and
// observe UpdateHealth calls, without pulling in the full DynamicRegistry.
type fakeRegistry struct {
	mu       sync.Mutex
	backends []vmcp.Backend
	updates  []vmcp.BackendHealthStatus
}

func (r *fakeRegistry) List(context.Context) []vmcp.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vmcp.Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

func (r *fakeRegistry) UpdateHealth(id string, status vmcp.BackendHealthStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, status)
	for i, b := range r.backends {
		if b.ID == id {
			r.backends[i].HealthStatus = status
			return true
		}
	}
	return false
}

type fakeProber struct {
	mu      sync.Mutex
	failFor map[string]bool
	calls   atomic.Int32
}

func (p *fakeProber) Probe(_ context.Context, b vmcp.Backend) error {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[b.ID] {
		return errors.New("probe failed")
	}
	return nil
}

func (p *fakeProber) setFail(id string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor == nil {
		p.failFor = make(map[string]bool)
	}
	p.failFor[id] = fail
}

func TestMonitor_ProbeOnce_MarksHealthy(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{backends: []vmcp.Backend{{ID: "github"}}}
	prober := &fakeProber{}
	m := NewMonitor(registry, prober, MonitorConfig{CheckInterval: time.Hour, UnhealthyThreshold: 3, Timeout: time.Second}, nil)

	m.probeAll(context.Background())

	health, ok := m.GetHealth("github")
	require.True(t, ok)
	assert.Equal(t, vmcp.BackendHealthy, health.Status)
	assert.Equal(t, 0, health.ConsecutiveFailures)
}

func TestMonitor_ConsecutiveFailures_FlipsUnhealthyAtThreshold(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{backends: []vmcp.Backend{{ID: "github"}}}
	prober := &fakeProber{}
	prober.setFail("github", true)

	var transitions []bool
	var mu sync.Mutex
	onChange := func(_ string, healthy bool) {
		mu.Lock()
		transitions = append(transitions, healthy)
		mu.Unlock()
	}
	m := NewMonitor(registry, prober, MonitorConfig{CheckInterval: time.Hour, UnhealthyThreshold: 3, Timeout: time.Second}, onChange)

	m.probeAll(context.Background())
	m.probeAll(context.Background())
	health, _ := m.GetHealth("github")
	assert.Equal(t, 2, health.ConsecutiveFailures)
	assert.True(t, health.Status.IsHealthy() || health.Status == vmcp.BackendUnknown)

	m.probeAll(context.Background())
	health, _ = m.GetHealth("github")
	assert.Equal(t, 3, health.ConsecutiveFailures)
	assert.Equal(t, vmcp.BackendUnhealthy, health.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.False(t, transitions[0])
}

func TestMonitor_RecoversAfterSuccess_InvalidatesAgain(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{backends: []vmcp.Backend{{ID: "github"}}}
	prober := &fakeProber{}
	prober.setFail("github", true)

	var transitions []bool
	var mu sync.Mutex
	onChange := func(_ string, healthy bool) {
		mu.Lock()
		transitions = append(transitions, healthy)
		mu.Unlock()
	}
	m := NewMonitor(registry, prober, MonitorConfig{CheckInterval: time.Hour, UnhealthyThreshold: 1, Timeout: time.Second}, onChange)

	m.probeAll(context.Background())
	health, _ := m.GetHealth("github")
	require.Equal(t, vmcp.BackendUnhealthy, health.Status)

	prober.setFail("github", false)
	m.probeAll(context.Background())
	health, _ = m.GetHealth("github")
	assert.Equal(t, vmcp.BackendHealthy, health.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.False(t, transitions[0])
	assert.True(t, transitions[1])
}

func TestMonitor_ReportFailure_PassiveSignalCountsTowardThreshold(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{backends: []vmcp.Backend{{ID: "github"}}}
	prober := &fakeProber{}
	m := NewMonitor(registry, prober, MonitorConfig{CheckInterval: time.Hour, UnhealthyThreshold: 2, Timeout: time.Second}, nil)

	m.ReportFailure("github", errors.New("session saw a transport error"))
	health, ok := m.GetHealth("github")
	require.True(t, ok)
	assert.Equal(t, 1, health.ConsecutiveFailures)

	m.ReportFailure("github", errors.New("again"))
	health, _ = m.GetHealth("github")
	assert.Equal(t, vmcp.BackendUnhealthy, health.Status)
}

func TestMonitor_UpdateHealthPropagatesToRegistry(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{backends: []vmcp.Backend{{ID: "github"}}}
	prober := &fakeProber{}
	m := NewMonitor(registry, prober, MonitorConfig{CheckInterval: time.Hour, UnhealthyThreshold: 1, Timeout: time.Second}, nil)

	m.probeAll(context.Background())

	backends := registry.List(context.Background())
	require.Len(t, backends, 1)
	assert.Equal(t, vmcp.BackendHealthy, backends[0].HealthStatus)
}

func TestMonitor_CircuitBreakerSkipsProbingWhileOpen(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{backends: []vmcp.Backend{{ID: "flaky"}}}
	prober := &fakeProber{}
	prober.setFail("flaky", true)
	m := NewMonitor(registry, prober, MonitorConfig{
		CheckInterval:         time.Hour,
		UnhealthyThreshold:    1,
		Timeout:               time.Second,
		CircuitBreakerTimeout: time.Hour,
	}, nil)

	m.probeAll(context.Background())
	assert.Equal(t, int32(1), prober.calls.Load())

	// Breaker is now open; a second round should skip the probe entirely.
	m.probeAll(context.Background())
	assert.Equal(t, int32(1), prober.calls.Load())
}

func TestMonitor_StartStop(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{backends: []vmcp.Backend{{ID: "github"}}}
	prober := &fakeProber{}
	m := NewMonitor(registry, prober, MonitorConfig{CheckInterval: 10 * time.Millisecond, UnhealthyThreshold: 3, Timeout: time.Second}, nil)

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(35 * time.Millisecond)
	m.Stop()

	assert.GreaterOrEqual(t, prober.calls.Load(), int32(2))
}

func TestMonitor_GetAllHealth(t *testing.T) {
	t.Parallel()
	registry := &fakeRegistry{backends: []vmcp.Backend{{ID: "a"}, {ID: "b"}}}
	prober := &fakeProber{}
	m := NewMonitor(registry, prober, MonitorConfig{CheckInterval: time.Hour, UnhealthyThreshold: 3, Timeout: time.Second}, nil)

	m.probeAll(context.Background())
	all := m.GetAllHealth()
	assert.Len(t, all, 2)
}
