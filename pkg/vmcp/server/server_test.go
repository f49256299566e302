package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
)

type fakeHandler struct {
	respBody  []byte
	sessionID string
	err       error
}

func (f *fakeHandler) Handle(context.Context, auth.Identity, string, []byte) ([]byte, string, error) {
	return f.respBody, f.sessionID, f.err
}

type fakeHealthSource struct {
	entries []vmcp.BackendHealth
}

func (f *fakeHealthSource) GetAllHealth() []vmcp.BackendHealth { return f.entries }

type fakeCatalogInvalidator struct {
	calls int
}

func (f *fakeCatalogInvalidator) Invalidate() { f.calls++ }

type fakeSessionEvictor struct {
	evicted []string
}

func (f *fakeSessionEvictor) Evict(backendID string) { f.evicted = append(f.evicted, backendID) }

func newTestServer(t *testing.T) (*Server, *vmcp.DynamicRegistry, *fakeCatalogInvalidator, *fakeHealthSource) {
	t.Helper()
	reg := vmcp.NewDynamicRegistry()
	catalog := &fakeCatalogInvalidator{}
	health := &fakeHealthSource{}
	h := &fakeHandler{respBody: []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), sessionID: "sess-1"}
	authenticator := &auth.AnonymousAuthenticator{}

	mux := newMux(reg, catalog, health, authenticator, h, nil, nil)
	return &Server{handler: mux}, reg, catalog, health
}

func TestMCPHandler_ReturnsJSONAndSessionHeader(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sess-1", rec.Header().Get(mcpSessionHeader))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
}

func TestMCPHandler_NotificationReturns202(t *testing.T) {
	t.Parallel()
	reg := vmcp.NewDynamicRegistry()
	catalog := &fakeCatalogInvalidator{}
	health := &fakeHealthSource{}
	h := &fakeHandler{respBody: nil, sessionID: ""}
	mux := newMux(reg, catalog, health, &auth.AnonymousAuthenticator{}, h, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthServersHandler(t *testing.T) {
	t.Parallel()
	reg := vmcp.NewDynamicRegistry()
	require.NoError(t, reg.Register(context.Background(), vmcp.Backend{ID: "github", BaseURL: "https://github-mcp.example.com"}))
	health := &fakeHealthSource{entries: []vmcp.BackendHealth{
		{BackendID: "github", Status: vmcp.BackendHealthy, ConsecutiveFailures: 0},
	}}
	catalog := &fakeCatalogInvalidator{}
	mux := newMux(reg, catalog, health, &auth.AnonymousAuthenticator{}, &fakeHandler{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/servers", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]healthEntryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	entry, ok := body["https://github-mcp.example.com"]
	require.True(t, ok)
	assert.True(t, entry.IsHealthy)
}

func TestRegisterAndDeregisterBackend(t *testing.T) {
	t.Parallel()
	reg := vmcp.NewDynamicRegistry()
	catalog := &fakeCatalogInvalidator{}
	evictor := &fakeSessionEvictor{}
	mux := newMux(reg, catalog, &fakeHealthSource{}, &auth.AnonymousAuthenticator{}, &fakeHandler{}, nil, evictor)

	body, err := json.Marshal(registerBackendRequest{ID: "github", URL: "https://github-mcp.example.com", Transport: vmcp.TransportStreamableHTTP})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/backends", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, catalog.calls)

	req2 := httptest.NewRequest(http.MethodPost, "/admin/backends", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)

	req3 := httptest.NewRequest(http.MethodDelete, "/admin/backends/github", nil)
	rec3 := httptest.NewRecorder()
	mux.ServeHTTP(rec3, req3)
	assert.Equal(t, http.StatusNoContent, rec3.Code)
	assert.Equal(t, 2, catalog.calls)
	assert.Equal(t, []string{"github"}, evictor.evicted)

	req4 := httptest.NewRequest(http.MethodDelete, "/admin/backends/github", nil)
	rec4 := httptest.NewRecorder()
	mux.ServeHTTP(rec4, req4)
	assert.Equal(t, http.StatusNotFound, rec4.Code)
}

func TestRefreshCatalog(t *testing.T) {
	t.Parallel()
	catalog := &fakeCatalogInvalidator{}
	mux := newMux(vmcp.NewDynamicRegistry(), catalog, &fakeHealthSource{}, &auth.AnonymousAuthenticator{}, &fakeHandler{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/catalog/refresh", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, catalog.calls)
}
