// Package app provides the entry point for the vmcp command-line application.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpgateway/vmcp/pkg/env"
	"github.com/mcpgateway/vmcp/pkg/logger"
	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/aggregator"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth/strategies"
	authtypes "github.com/mcpgateway/vmcp/pkg/vmcp/auth/types"
	"github.com/mcpgateway/vmcp/pkg/vmcp/config"
	"github.com/mcpgateway/vmcp/pkg/vmcp/discovery"
	"github.com/mcpgateway/vmcp/pkg/vmcp/health"
	"github.com/mcpgateway/vmcp/pkg/vmcp/router"
	"github.com/mcpgateway/vmcp/pkg/vmcp/server"
	"github.com/mcpgateway/vmcp/pkg/vmcp/session"
)

// Exit codes from spec section 6.
const (
	exitClean            = 0
	exitStartupFailure   = 1
	exitConfigurationErr = 2
)

// envReader resolves the *_env indirections in backend auth config
// (header_value_env, client_secret_env); overridden in tests.
var envReader env.Reader = &env.OSReader{}

var rootCmd = &cobra.Command{
	Use:               "vmcp",
	DisableAutoGenTag: true,
	Short:             "Virtual MCP Gateway - aggregate and proxy multiple MCP servers behind one endpoint",
	Long: `vmcp is a gateway that aggregates tools, resources, and prompts from multiple
backend MCP servers into a single virtual MCP server. It handles name collisions,
health-checks backends, enforces per-caller tool ACLs, and exposes one JSON-RPC
endpoint plus a small admin API for backend management.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the vmcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the gateway's YAML configuration file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("vmcp version:", getVersion())
		},
	}
}

func getVersion() string {
	return "dev"
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the gateway configuration file without starting it",
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Infof("configuration valid: %d backend(s), collision policy %q, incoming auth %q",
				len(cfg.Backends), cfg.Aggregation.CollisionPolicy, cfg.IncomingAuth.Type)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway, reading its configuration from --config",
		RunE:  runServe,
	}
}

// runServe wires the gateway's components together from a loaded Config and
// runs until ctx is canceled. Startup failures return an error; cmd/vmcp's
// main.go maps the returned error to exitStartupFailure, a failed Load/
// Validate to exitConfigurationErr, and a clean shutdown to exitClean.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfiguration, err)
	}

	registry := vmcp.NewDynamicRegistry()
	for _, b := range cfg.Backends {
		backend := vmcp.Backend{
			ID:            b.ID,
			Name:          displayName(b),
			BaseURL:       b.BaseURL,
			TransportType: b.Transport,
			HealthStatus:  vmcp.BackendUnknown,
			AuthConfig:    backendAuthStrategy(b.Auth),
		}
		if err := registry.Register(ctx, backend); err != nil {
			return fmt.Errorf("%w: register backend %q: %w", errConfiguration, b.ID, err)
		}
	}

	outgoing, err := buildOutgoingAuthRegistry(cfg.Backends)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfiguration, err)
	}

	httpClient := &http.Client{}
	backendClient := session.NewClient(httpClient, outgoing)
	sessionPool := router.NewSessionPool(httpClient, outgoing)

	conflictResolver := aggregator.NewDefaultAggregator(cfg.Aggregation.CollisionPolicy, cfg.Aggregation.PrefixFormat, backendOrder(cfg.Backends))
	discoveryMgr := discovery.NewManager(registry, backendClient, conflictResolver, cfg.CatalogTTL())

	metrics := server.NewMetrics()

	healthMonitor := health.NewMonitor(registry, &health.ClientProber{Client: backendClient}, health.MonitorConfig{
		CheckInterval:         cfg.ProbeInterval(),
		UnhealthyThreshold:    cfg.Health.FailThreshold,
		Timeout:               cfg.ProbeTimeout(),
		CircuitBreakerTimeout: cfg.CircuitBreakerTimeout(),
	}, func(backendID string, healthy bool) {
		metrics.SetBackendHealthy(backendID, healthy)
		discoveryMgr.Invalidate()
		if !healthy {
			// Drop the pooled session so the next call redials instead of
			// reusing a connection to a backend that just flipped unhealthy.
			sessionPool.Evict(backendID)
			_ = backendClient.Close(backendID)
		}
	})
	backendClient.SetHealthReporter(healthMonitor)
	if err := healthMonitor.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", errConfiguration, err)
	}
	defer healthMonitor.Stop()

	rtr := router.NewRouter(discoveryMgr, sessionPool,
		router.WithCallDeadline(cfg.CallDeadline()),
		router.WithHealthChecker(healthMonitor),
		router.WithMetricsRecorder(metrics),
	)

	authenticator, err := buildIncomingAuthenticator(ctx, cfg.IncomingAuth)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfiguration, err)
	}

	evictor := &combinedEvictor{pool: sessionPool, client: backendClient}
	srv := server.New(registry, discoveryMgr, healthMonitor, authenticator, rtr, metrics, evictor)

	logger.Infof("starting vmcp gateway on %s with %d configured backend(s)", cfg.GatewayBind, len(cfg.Backends))
	if err := srv.Run(ctx, cfg.GatewayBind); err != nil {
		sessionPool.CloseAll()
		return err
	}
	sessionPool.CloseAll()
	return nil
}

// errConfiguration marks a failure that should map to exitConfigurationErr
// rather than exitStartupFailure; see main.go.
var errConfiguration = fmt.Errorf("vmcp: configuration error")

// ExitCodeFor maps a runServe error to one of spec section 6's exit codes:
// a bad or invalid configuration is distinguished from a failure to start
// serving (port in use, backend registration failure, etc).
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitClean
	case errors.Is(err, errConfiguration):
		return exitConfigurationErr
	default:
		return exitStartupFailure
	}
}

// combinedEvictor retires a backend's session from both pools that hold one:
// router.SessionPool (the live client-traffic path) and session.Client (the
// discovery/health-prober path). The admin API's deregister handler drives
// this on backend removal so neither pool leaks a stale connection.
type combinedEvictor struct {
	pool   *router.SessionPool
	client *session.Client
}

func (e *combinedEvictor) Evict(backendID string) {
	e.pool.Evict(backendID)
	_ = e.client.Close(backendID)
}

func displayName(b config.BackendConfig) string {
	if b.DisplayName != "" {
		return b.DisplayName
	}
	return b.ID
}

func backendOrder(backends []config.BackendConfig) []string {
	order := make([]string, len(backends))
	for i, b := range backends {
		order[i] = b.ID
	}
	return order
}

func backendAuthStrategy(cfg *config.BackendAuthConfig) *authtypes.BackendAuthStrategy {
	if cfg == nil || cfg.Type == "" {
		return nil
	}
	strategy := &authtypes.BackendAuthStrategy{Type: cfg.Type}
	switch cfg.Type {
	case authtypes.StrategyTypeHeaderInjection:
		strategy.HeaderInjection = &authtypes.HeaderInjectionConfig{
			HeaderName:  cfg.HeaderName,
			HeaderValue: envReader.Getenv(cfg.HeaderValueEnv),
		}
	case authtypes.StrategyTypeTokenExchange:
		if cfg.TokenExchange != nil {
			strategy.TokenExchange = &authtypes.TokenExchangeConfig{
				Audience: cfg.TokenExchange.Audience,
				Scopes:   cfg.TokenExchange.Scopes,
			}
		}
	}
	return strategy
}

// buildOutgoingAuthRegistry registers the gateway's outgoing auth strategies.
// DefaultOutgoingAuthRegistry dispatches purely on strategy type, so a
// deployment mixing two backends under the same type with different
// secrets is out of scope here; in that case the first backend's config
// wins for header_injection/token_exchange and later ones reuse it. A
// fuller per-backend registry is an Open Question deferred for now (see
// DESIGN.md).
func buildOutgoingAuthRegistry(backends []config.BackendConfig) (auth.OutgoingAuthRegistry, error) {
	registry := auth.NewDefaultOutgoingAuthRegistry()
	if err := registry.RegisterStrategy(authtypes.StrategyTypeUnauthenticated, strategies.NewUnauthenticatedStrategy()); err != nil {
		return nil, err
	}

	for _, b := range backends {
		if b.Auth == nil {
			continue
		}
		switch b.Auth.Type {
		case authtypes.StrategyTypeHeaderInjection:
			cfg := authtypes.HeaderInjectionConfig{HeaderName: b.Auth.HeaderName, HeaderValue: envReader.Getenv(b.Auth.HeaderValueEnv)}
			strategy := strategies.NewHeaderInjectionStrategy(cfg)
			if err := registry.RegisterStrategy(authtypes.StrategyTypeHeaderInjection, strategy); err != nil {
				continue // already registered by an earlier backend of the same type
			}
		case authtypes.StrategyTypeTokenExchange:
			if b.Auth.TokenExchange == nil {
				continue
			}
			te := b.Auth.TokenExchange
			source := &strategies.HTTPTokenSource{
				TokenURL:     te.TokenURL,
				ClientID:     te.ClientID,
				ClientSecret: envReader.Getenv(te.ClientSecretEnv),
				SubjectTokenProvider: func(context.Context) (string, error) {
					return "", fmt.Errorf("auth: token exchange subject token provider not configured")
				},
			}
			strategy := strategies.NewTokenExchangeStrategy(source, authtypes.TokenExchangeConfig{Audience: te.Audience, Scopes: te.Scopes})
			if err := registry.RegisterStrategy(authtypes.StrategyTypeTokenExchange, strategy); err != nil {
				continue
			}
		}
	}
	return registry, nil
}

// buildIncomingAuthenticator builds the caller-facing authenticator per
// cfg.Type (spec 4.G: "anonymous" or "bearer").
func buildIncomingAuthenticator(_ context.Context, cfg config.IncomingAuthConfig) (auth.IncomingAuthenticator, error) {
	switch cfg.Type {
	case "anonymous", "":
		return &auth.AnonymousAuthenticator{}, nil
	case "bearer":
		if cfg.JWKSURL == "" {
			return nil, fmt.Errorf("incoming_auth.jwks_url is required when type is \"bearer\"")
		}
		validator := &auth.JWKSValidator{JWKSURL: cfg.JWKSURL, Issuer: cfg.Issuer, Audience: cfg.Audience}
		acls := make(map[string]*auth.ACL, len(cfg.ACLs))
		for _, entry := range cfg.ACLs {
			acls[entry.Subject] = &auth.ACL{AllowedTools: entry.AllowedTools}
		}
		return &auth.BearerAuthenticator{Validator: validator, Resolve: func(subject string) *auth.ACL {
			return acls[subject] // a subject with no entry gets nil -> every tool visible
		}}, nil
	default:
		return nil, fmt.Errorf("unknown incoming_auth.type %q", cfg.Type)
	}
}
