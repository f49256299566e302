// Package config loads the gateway's static configuration: the backend
// list, catalog/health/router tuning, and incoming-auth mode. YAML is the
// file format (gopkg.in/yaml.v3); the enumerated environment variables from
// spec section 6 override the corresponding field after the file loads, so
// an operator can tune a containerized deployment without editing the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpgateway/vmcp/pkg/vmcp/aggregator"
)

// Defaults from spec section 6.
const (
	DefaultGatewayBind          = "0.0.0.0:8021"
	DefaultProbeIntervalSeconds = 15
	DefaultFailThreshold        = 3
	DefaultCallDeadlineSeconds  = 120
	DefaultReconnectMinMS       = 500
	DefaultReconnectMaxMS       = 30000
	DefaultCatalogTTLSeconds    = 300
	DefaultMaxInflightPerClient = 32
	DefaultCollisionPolicy      = aggregator.PolicyPrefix
)

// BackendConfig declares one statically-configured upstream MCP server.
type BackendConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	BaseURL     string `yaml:"base_url"`
	Transport   string `yaml:"transport"`
	Auth        *BackendAuthConfig `yaml:"auth,omitempty"`
}

// BackendAuthConfig is the YAML shape for a backend's outgoing auth
// strategy, mirroring authtypes.BackendAuthStrategy's Type-discriminated
// fields.
type BackendAuthConfig struct {
	Type            string            `yaml:"type"`
	HeaderName      string            `yaml:"header_name,omitempty"`
	HeaderValueEnv  string            `yaml:"header_value_env,omitempty"`
	TokenExchange   *TokenExchangeYAML `yaml:"token_exchange,omitempty"`
}

// TokenExchangeYAML is the YAML shape for an RFC 8693 token-exchange backend.
type TokenExchangeYAML struct {
	TokenURL        string   `yaml:"token_url"`
	ClientID        string   `yaml:"client_id"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	Audience        string   `yaml:"audience"`
	Scopes          []string `yaml:"scopes,omitempty"`
}

// AggregationConfig tunes how the catalog resolves name collisions (spec 4.D).
type AggregationConfig struct {
	CollisionPolicy aggregator.CollisionPolicy `yaml:"collision_policy"`
	PrefixFormat    string                     `yaml:"prefix_format"`
	CatalogTTLSeconds int                      `yaml:"catalog_ttl_seconds"`
}

// HealthConfig tunes the probe loop (spec 4.F).
type HealthConfig struct {
	ProbeIntervalSeconds  int `yaml:"probe_interval_seconds"`
	FailThreshold         int `yaml:"fail_threshold"`
	ProbeTimeoutSeconds   int `yaml:"probe_timeout_seconds"`
	CircuitBreakerTimeoutSeconds int `yaml:"circuit_breaker_timeout_seconds"`
}

// ReconnectConfig holds the backend reconnect backoff bounds (spec 4.B/4.F).
// They are defaulted and env-overridable, but nothing passes them to
// transport.SSEClient, which reconnects with its own built-in 500ms/30s
// bounds; changing them has no effect on reconnect timing.
type ReconnectConfig struct {
	BackoffMinMS int `yaml:"backoff_min_ms"`
	BackoffMaxMS int `yaml:"backoff_max_ms"`
}

// RouterConfig tunes client-facing request handling (spec 4.E).
type RouterConfig struct {
	CallDeadlineSeconds  int `yaml:"call_deadline_seconds"`
	MaxInflightPerClient int `yaml:"max_inflight_per_client"`
}

// IncomingAuthConfig selects how the gateway authenticates callers (spec
// 4.G). Concrete validator wiring (JWKS for bearer) happens in cmd/vmcp.
type IncomingAuthConfig struct {
	Type         string   `yaml:"type"` // "anonymous" | "bearer"
	JWKSURL      string   `yaml:"jwks_url,omitempty"`
	Issuer       string   `yaml:"issuer,omitempty"`
	Audience     string   `yaml:"audience,omitempty"`
	ACLs         []ACLEntry `yaml:"acls,omitempty"`
}

// ACLEntry binds one authenticated bearer subject to a tool allow-list (spec
// 4.G: "resolves the caller's tool allow-list"). A subject missing from the
// list gets no ACL at all, i.e. every tool is visible — the gateway's
// default is permissive, not deny-by-default; list a subject here to scope it.
type ACLEntry struct {
	Subject      string   `yaml:"subject"`
	AllowedTools []string `yaml:"allowed_tools"`
}

// Config is the gateway's complete static configuration.
type Config struct {
	GatewayBind  string              `yaml:"gateway_bind"`
	Backends     []BackendConfig     `yaml:"backends"`
	Aggregation  AggregationConfig   `yaml:"aggregation"`
	Health       HealthConfig        `yaml:"health"`
	Reconnect    ReconnectConfig     `yaml:"reconnect"`
	Router       RouterConfig        `yaml:"router"`
	IncomingAuth IncomingAuthConfig  `yaml:"incoming_auth"`
}

// Load reads path, applies defaults, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.GatewayBind == "" {
		c.GatewayBind = DefaultGatewayBind
	}
	if c.Aggregation.CollisionPolicy == "" {
		c.Aggregation.CollisionPolicy = DefaultCollisionPolicy
	}
	if c.Aggregation.CatalogTTLSeconds == 0 {
		c.Aggregation.CatalogTTLSeconds = DefaultCatalogTTLSeconds
	}
	if c.Health.ProbeIntervalSeconds == 0 {
		c.Health.ProbeIntervalSeconds = DefaultProbeIntervalSeconds
	}
	if c.Health.FailThreshold == 0 {
		c.Health.FailThreshold = DefaultFailThreshold
	}
	if c.Health.ProbeTimeoutSeconds == 0 {
		c.Health.ProbeTimeoutSeconds = 10
	}
	if c.Reconnect.BackoffMinMS == 0 {
		c.Reconnect.BackoffMinMS = DefaultReconnectMinMS
	}
	if c.Reconnect.BackoffMaxMS == 0 {
		c.Reconnect.BackoffMaxMS = DefaultReconnectMaxMS
	}
	if c.Router.CallDeadlineSeconds == 0 {
		c.Router.CallDeadlineSeconds = DefaultCallDeadlineSeconds
	}
	if c.Router.MaxInflightPerClient == 0 {
		c.Router.MaxInflightPerClient = DefaultMaxInflightPerClient
	}
	if c.IncomingAuth.Type == "" {
		c.IncomingAuth.Type = "anonymous"
	}
}

// envOverride applies a string env var to dst if present.
func envOverride(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
	}
}

// intEnvOverride applies an integer env var to dst if present and parseable.
func intEnvOverride(lookup func(string) (string, bool), key string, dst *int) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
		*dst = parsed
	}
}

// applyEnvOverrides implements spec section 6's enumerated environment
// variables, each overriding the corresponding field already loaded from
// YAML (or its default).
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) {
	envOverride(lookup, "GATEWAY_BIND", &c.GatewayBind)
	intEnvOverride(lookup, "PROBE_INTERVAL_SECONDS", &c.Health.ProbeIntervalSeconds)
	intEnvOverride(lookup, "FAIL_THRESHOLD", &c.Health.FailThreshold)
	intEnvOverride(lookup, "CALL_DEADLINE_SECONDS", &c.Router.CallDeadlineSeconds)
	intEnvOverride(lookup, "RECONNECT_BACKOFF_MIN_MS", &c.Reconnect.BackoffMinMS)
	intEnvOverride(lookup, "RECONNECT_BACKOFF_MAX_MS", &c.Reconnect.BackoffMaxMS)
	intEnvOverride(lookup, "TOOL_CATALOG_TTL_SECONDS", &c.Aggregation.CatalogTTLSeconds)
	intEnvOverride(lookup, "MAX_INFLIGHT_PER_CLIENT", &c.Router.MaxInflightPerClient)

	if v, ok := lookup("COLLISION_POLICY"); ok && v != "" {
		c.Aggregation.CollisionPolicy = aggregator.CollisionPolicy(v)
	}
}

// Validate rejects a configuration exit code 2 ("configuration error",
// spec section 6) would apply to.
func (c *Config) Validate() error {
	if c.GatewayBind == "" {
		return fmt.Errorf("config: gateway_bind must not be empty")
	}
	switch c.Aggregation.CollisionPolicy {
	case aggregator.PolicyPrefix, aggregator.PolicyWinner:
	default:
		return fmt.Errorf("config: unknown collision_policy %q", c.Aggregation.CollisionPolicy)
	}
	if c.Health.ProbeIntervalSeconds <= 0 {
		return fmt.Errorf("config: health.probe_interval_seconds must be positive")
	}
	if c.Health.FailThreshold <= 0 {
		return fmt.Errorf("config: health.fail_threshold must be positive")
	}
	if c.Router.CallDeadlineSeconds <= 0 {
		return fmt.Errorf("config: router.call_deadline_seconds must be positive")
	}
	if c.Router.MaxInflightPerClient <= 0 {
		return fmt.Errorf("config: router.max_inflight_per_client must be positive")
	}
	switch c.IncomingAuth.Type {
	case "anonymous", "bearer":
	default:
		return fmt.Errorf("config: unknown incoming_auth.type %q", c.IncomingAuth.Type)
	}
	seenSubjects := make(map[string]bool, len(c.IncomingAuth.ACLs))
	for _, a := range c.IncomingAuth.ACLs {
		if a.Subject == "" {
			return fmt.Errorf("config: incoming_auth.acls entry missing subject")
		}
		if seenSubjects[a.Subject] {
			return fmt.Errorf("config: duplicate incoming_auth.acls subject %q", a.Subject)
		}
		seenSubjects[a.Subject] = true
	}

	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("config: backend entry missing id")
		}
		if seen[b.ID] {
			return fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
		if b.BaseURL == "" {
			return fmt.Errorf("config: backend %q missing base_url", b.ID)
		}
		if b.Transport == "" {
			return fmt.Errorf("config: backend %q missing transport", b.ID)
		}
	}
	return nil
}

// ProbeInterval returns Health.ProbeIntervalSeconds as a time.Duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Health.ProbeIntervalSeconds) * time.Second
}

// ProbeTimeout returns Health.ProbeTimeoutSeconds as a time.Duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeoutSeconds) * time.Second
}

// CircuitBreakerTimeout returns Health.CircuitBreakerTimeoutSeconds as a
// time.Duration; zero means the circuit breaker is disabled.
func (c *Config) CircuitBreakerTimeout() time.Duration {
	return time.Duration(c.Health.CircuitBreakerTimeoutSeconds) * time.Second
}

// CallDeadline returns Router.CallDeadlineSeconds as a time.Duration.
func (c *Config) CallDeadline() time.Duration {
	return time.Duration(c.Router.CallDeadlineSeconds) * time.Second
}

// CatalogTTL returns Aggregation.CatalogTTLSeconds as a time.Duration.
func (c *Config) CatalogTTL() time.Duration {
	return time.Duration(c.Aggregation.CatalogTTLSeconds) * time.Second
}

// ReconnectBackoffMin returns Reconnect.BackoffMinMS as a time.Duration.
func (c *Config) ReconnectBackoffMin() time.Duration {
	return time.Duration(c.Reconnect.BackoffMinMS) * time.Millisecond
}

// ReconnectBackoffMax returns Reconnect.BackoffMaxMS as a time.Duration.
func (c *Config) ReconnectBackoffMax() time.Duration {
	return time.Duration(c.Reconnect.BackoffMaxMS) * time.Millisecond
}
