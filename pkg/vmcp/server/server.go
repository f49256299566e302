// Package server wires the gateway's HTTP surface together: the single
// client-facing MCP JSON-RPC endpoint (spec 4.E, 6), the admin API (spec
// 4.H), and a Prometheus /metrics endpoint, following the teacher's
// chi.Router-per-concern, mount-by-prefix pattern.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpgateway/vmcp/pkg/logger"
	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
	"github.com/mcpgateway/vmcp/pkg/vmcp/router"
)

const (
	middlewareTimeout = 125 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server is the gateway's top-level HTTP listener.
type Server struct {
	handler http.Handler
}

// New builds a Server. registry and catalog are shared with the admin API;
// authenticator gates the MCP endpoint and the admin API, /health/servers
// included (both call it — spec 4.H: "authenticated independently from tool
// traffic" means a distinct policy may be supplied, not that authentication
// is skipped). /metrics is not gated.
func New(
	reg vmcp.BackendRegistry,
	catalog catalogInvalidator,
	health healthSource,
	authenticator auth.IncomingAuthenticator,
	rt *router.Router,
	metrics *Metrics,
	evictor sessionEvictor,
) *Server {
	var metricsRegistry *prometheus.Registry
	if metrics != nil {
		metricsRegistry = metrics.Registry()
	}
	return &Server{handler: newMux(reg, catalog, health, authenticator, rt, metricsRegistry, evictor)}
}

// newMux assembles the routing table against the requestHandler interface
// rather than the concrete *router.Router, so tests can substitute a fake
// dispatcher without standing up a full router.Router.
func newMux(
	reg vmcp.BackendRegistry,
	catalog catalogInvalidator,
	health healthSource,
	authenticator auth.IncomingAuthenticator,
	h requestHandler,
	metricsRegistry *prometheus.Registry,
	evictor sessionEvictor,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Timeout(middlewareTimeout))

	r.Post("/", mcpHandler(authenticator, h))
	r.Post("/mcp", mcpHandler(authenticator, h))

	requireAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if _, err := authenticator.Authenticate(req); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(requireAuth)
		ar.Post("/backends", registerBackendHandler(reg, catalog))
		ar.Delete("/backends/{id}", deregisterBackendHandler(reg, catalog, evictor))
		ar.Post("/catalog/refresh", refreshCatalogHandler(catalog))
	})
	r.With(requireAuth).Get("/health/servers", healthServersHandler(reg, health))

	if metricsRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	}

	return r
}

// Handler returns the assembled http.Handler, for tests that want to drive
// it directly via httptest without binding a real socket.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on addr and serves until ctx is canceled, then drains
// in-flight requests and returns. Exit codes (spec 6: 0 clean shutdown, 1
// unrecoverable startup failure) are the caller's (cmd/vmcp's)
// responsibility to translate this error into.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown failed: %w", err)
	}
	logger.Info("server: stopped")
	return nil
}
