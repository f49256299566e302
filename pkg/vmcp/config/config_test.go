package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mcpgateway/vmcp/pkg/vmcp/aggregator"
)

const minimalYAML = `
gateway_bind: "127.0.0.1:9000"
backends:
  - id: github
    base_url: "https://github-mcp.example.com"
    transport: streamable-http
aggregation:
  collision_policy: winner
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ValidMinimal(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, minimalYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.GatewayBind)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "github", cfg.Backends[0].ID)
	assert.Equal(t, aggregator.PolicyWinner, cfg.Aggregation.CollisionPolicy)
	// Defaults still apply where the file was silent.
	assert.Equal(t, DefaultProbeIntervalSeconds, cfg.Health.ProbeIntervalSeconds)
	assert.Equal(t, DefaultCallDeadlineSeconds, cfg.Router.CallDeadlineSeconds)
}

func TestLoad_AppliesDefaultsWhenFileEmpty(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultGatewayBind, cfg.GatewayBind)
	assert.Equal(t, DefaultCollisionPolicy, cfg.Aggregation.CollisionPolicy)
	assert.Equal(t, DefaultFailThreshold, cfg.Health.FailThreshold)
	assert.Equal(t, DefaultMaxInflightPerClient, cfg.Router.MaxInflightPerClient)
}

func TestLoad_RejectsDuplicateBackendID(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, `
backends:
  - id: github
    base_url: "https://a.example.com"
    transport: streamable-http
  - id: github
    base_url: "https://b.example.com"
    transport: sse
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownCollisionPolicy(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, `
aggregation:
  collision_policy: bogus
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMissingBackendURL(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, `
backends:
  - id: github
    transport: sse
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"GATEWAY_BIND":            "0.0.0.0:7000",
		"FAIL_THRESHOLD":          "5",
		"CALL_DEADLINE_SECONDS":   "60",
		"MAX_INFLIGHT_PER_CLIENT": "8",
		"COLLISION_POLICY":        "prefix",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := &Config{}
	require.NoError(t, yaml.Unmarshal([]byte(minimalYAML), cfg))
	cfg.applyDefaults()
	cfg.applyEnvOverrides(lookup)

	assert.Equal(t, "0.0.0.0:7000", cfg.GatewayBind)
	assert.Equal(t, 5, cfg.Health.FailThreshold)
	assert.Equal(t, 60, cfg.Router.CallDeadlineSeconds)
	assert.Equal(t, 8, cfg.Router.MaxInflightPerClient)
	assert.Equal(t, aggregator.PolicyPrefix, cfg.Aggregation.CollisionPolicy)
}

func TestConfig_EnvOverrides_IgnoresAbsentVars(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	require.NoError(t, yaml.Unmarshal([]byte(minimalYAML), cfg))
	cfg.applyDefaults()
	before := cfg.Health.FailThreshold
	cfg.applyEnvOverrides(func(string) (string, bool) { return "", false })
	assert.Equal(t, before, cfg.Health.FailThreshold)
}

func TestConfig_DurationHelpers(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.applyDefaults()
	assert.Equal(t, time.Duration(DefaultProbeIntervalSeconds)*time.Second, cfg.ProbeInterval())
	assert.Equal(t, time.Duration(DefaultCallDeadlineSeconds)*time.Second, cfg.CallDeadline())
	assert.Equal(t, time.Duration(DefaultCatalogTTLSeconds)*time.Second, cfg.CatalogTTL())
	assert.Equal(t, time.Duration(DefaultReconnectMinMS)*time.Millisecond, cfg.ReconnectBackoffMin())
}

func TestConfig_Validate_RejectsMissingBackendURL(t *testing.T) {
	t.Parallel()
	cfg := &Config{Backends: []BackendConfig{{ID: "x", Transport: "sse"}}}
	cfg.applyDefaults()
	require.Error(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
