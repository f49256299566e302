package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcpgateway/vmcp/pkg/logger"
	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
)

// mcpSessionHeader is the header a client session id travels in, both
// directions (spec 6: "Mcp-Session-Id").
const mcpSessionHeader = "Mcp-Session-Id"

// maxRequestBodyBytes bounds how much of a client's JSON-RPC body the
// gateway will read, independent of the argument-size policy the ACL layer
// enforces on the parsed arguments themselves.
const maxRequestBodyBytes = 4 << 20

// requestHandler is the narrow interface the MCP endpoint needs from
// router.Router, so tests can substitute a fake dispatcher.
type requestHandler interface {
	Handle(ctx context.Context, identity auth.Identity, sessionID string, body []byte) ([]byte, string, error)
}

func mcpHandler(authenticator auth.IncomingAuthenticator, h requestHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := authenticator.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > maxRequestBodyBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		sessionID := r.Header.Get(mcpSessionHeader)
		respBody, newSessionID, err := h.Handle(r.Context(), identity, sessionID, body)
		if err != nil {
			logger.Errorf("server: router.Handle failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if newSessionID != "" {
			w.Header().Set(mcpSessionHeader, newSessionID)
		}
		if respBody == nil {
			// A notification: MCP clients expect 202 Accepted with no body.
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(respBody)
	}
}

// healthSource is the subset of health.Monitor the admin API reads from.
type healthSource interface {
	GetAllHealth() []vmcp.BackendHealth
}

// backendDirectory resolves a backend ID to its base URL, the key spec 6's
// GET /health/servers response uses ("<server_url>").
type backendDirectory interface {
	Get(ctx context.Context, id string) *vmcp.Backend
}

type healthEntryDTO struct {
	IsHealthy           bool    `json:"is_healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastError           *string `json:"last_error"`
	LastSuccess         *string `json:"last_success"`
	LastProbe           string  `json:"last_probe"`
}

func healthServersHandler(directory backendDirectory, health healthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]healthEntryDTO)
		for _, h := range health.GetAllHealth() {
			key := h.BackendID
			if b := directory.Get(r.Context(), h.BackendID); b != nil && b.BaseURL != "" {
				key = b.BaseURL
			}
			entry := healthEntryDTO{
				IsHealthy:           h.IsHealthy(),
				ConsecutiveFailures: h.ConsecutiveFailures,
				LastProbe:           h.LastProbeAt.UTC().Format(time.RFC3339),
			}
			if h.LastError != "" {
				entry.LastError = &h.LastError
			}
			if !h.LastSuccessAt.IsZero() {
				s := h.LastSuccessAt.UTC().Format(time.RFC3339)
				entry.LastSuccess = &s
			}
			out[key] = entry
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

type registerBackendRequest struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Transport   string `json:"transport"`
	DisplayName string `json:"display_name,omitempty"`
}

type registerBackendResponse struct {
	ID string `json:"id"`
}

// catalogInvalidator is the subset of discovery.Manager the admin API needs
// to force a catalog rebuild after a backend add/remove/refresh.
type catalogInvalidator interface {
	Invalidate()
}

// sessionEvictor is the subset of router.SessionPool (and session.Client) the
// admin API needs to drop a backend's pooled session on deregistration, so a
// since-removed backend doesn't leak its connection for the process lifetime.
type sessionEvictor interface {
	Evict(backendID string)
}

func registerBackendHandler(registry vmcp.BackendRegistry, catalog catalogInvalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerBackendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.URL == "" || req.Transport == "" {
			http.Error(w, "id, url, and transport are required", http.StatusBadRequest)
			return
		}

		b := vmcp.Backend{ID: req.ID, Name: req.DisplayName, BaseURL: req.URL, TransportType: req.Transport}
		if b.Name == "" {
			b.Name = req.ID
		}
		if err := registry.Register(r.Context(), b); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		catalog.Invalidate()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(registerBackendResponse{ID: req.ID})
	}
}

func deregisterBackendHandler(registry vmcp.BackendRegistry, catalog catalogInvalidator, evictor sessionEvictor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := registry.Deregister(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if evictor != nil {
			evictor.Evict(id)
		}
		catalog.Invalidate()
		w.WriteHeader(http.StatusNoContent)
	}
}

func refreshCatalogHandler(catalog catalogInvalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		catalog.Invalidate()
		w.WriteHeader(http.StatusNoContent)
	}
}
