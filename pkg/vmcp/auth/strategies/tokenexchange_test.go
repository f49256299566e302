package strategies

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authtypes "github.com/mcpgateway/vmcp/pkg/vmcp/auth/types"
	"github.com/mcpgateway/vmcp/pkg/vmcp/cache"
)

type fakeTokenSource struct {
	calls int
	token *cache.CachedToken
	err   error
}

func (f *fakeTokenSource) Exchange(context.Context, authtypes.TokenExchangeConfig) (*cache.CachedToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func TestTokenExchangeStrategy_AppliesBearerHeader(t *testing.T) {
	t.Parallel()
	src := &fakeTokenSource{token: &cache.CachedToken{Token: "abc", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}}
	strat := NewTokenExchangeStrategy(src, authtypes.TokenExchangeConfig{Audience: "backend-1"})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, strat.Apply(req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
}

func TestTokenExchangeStrategy_CachesUntilRefreshWindow(t *testing.T) {
	t.Parallel()
	src := &fakeTokenSource{token: &cache.CachedToken{Token: "abc", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}}
	strat := NewTokenExchangeStrategy(src, authtypes.TokenExchangeConfig{})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		require.NoError(t, strat.Apply(req))
	}
	assert.Equal(t, 1, src.calls)
}

func TestTokenExchangeStrategy_RefreshesNearExpiry(t *testing.T) {
	t.Parallel()
	src := &fakeTokenSource{token: &cache.CachedToken{Token: "abc", TokenType: "Bearer", ExpiresAt: time.Now().Add(30 * time.Second)}}
	strat := NewTokenExchangeStrategy(src, authtypes.TokenExchangeConfig{})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, strat.Apply(req))
	req2 := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, strat.Apply(req2))
	assert.Equal(t, 2, src.calls)
}

func TestTokenExchangeStrategy_FallsBackToStaleTokenOnExchangeFailure(t *testing.T) {
	t.Parallel()
	src := &fakeTokenSource{token: &cache.CachedToken{Token: "abc", TokenType: "Bearer", ExpiresAt: time.Now().Add(30 * time.Second)}}
	strat := NewTokenExchangeStrategy(src, authtypes.TokenExchangeConfig{})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, strat.Apply(req))

	src.err = assert.AnError
	req2 := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, strat.Apply(req2))
	assert.Equal(t, "Bearer abc", req2.Header.Get("Authorization"))
}

func TestHTTPTokenSource_Exchange(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, grantTypeTokenExchange, r.FormValue("grant_type"))
		assert.Equal(t, "backend-1", r.FormValue("audience"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"xyz","token_type":"Bearer","expires_in":3600,"issued_token_type":"urn:ietf:params:oauth:token-type:access_token"}`))
	}))
	t.Cleanup(srv.Close)

	source := &HTTPTokenSource{
		TokenURL:             srv.URL,
		ClientID:             "client-1",
		SubjectTokenProvider: func(context.Context) (string, error) { return "subject-token", nil },
		HTTPClient:           srv.Client(),
	}

	token, err := source.Exchange(context.Background(), authtypes.TokenExchangeConfig{Audience: "backend-1"})
	require.NoError(t, err)
	assert.Equal(t, "xyz", token.Token)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.False(t, token.IsExpired())

	oauthTok := token.OAuth2()
	assert.Equal(t, "xyz", oauthTok.AccessToken)
}

func TestHTTPTokenSource_Exchange_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	t.Cleanup(srv.Close)

	source := &HTTPTokenSource{
		TokenURL:             srv.URL,
		SubjectTokenProvider: func(context.Context) (string, error) { return "subject-token", nil },
		HTTPClient:           srv.Client(),
	}

	_, err := source.Exchange(context.Background(), authtypes.TokenExchangeConfig{})
	require.Error(t, err)
}

func TestHTTPTokenSource_Exchange_MissingConfig(t *testing.T) {
	t.Parallel()
	source := &HTTPTokenSource{SubjectTokenProvider: func(context.Context) (string, error) { return "t", nil }}
	_, err := source.Exchange(context.Background(), authtypes.TokenExchangeConfig{})
	require.Error(t, err)
}
