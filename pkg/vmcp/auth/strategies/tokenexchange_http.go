package strategies

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcpgateway/vmcp/pkg/vmcp/cache"

	authtypes "github.com/mcpgateway/vmcp/pkg/vmcp/auth/types"
)

// OAuth 2.0 Token Exchange (RFC 8693) constants.
const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"

	defaultExchangeTimeout  = 30 * time.Second
	maxExchangeResponseSize = 1 << 20
)

// HTTPTokenSource exchanges the gateway's own subject token for a
// backend-scoped token at an RFC 8693 token endpoint. It implements
// TokenSource and is the default production TokenSource for
// TokenExchangeStrategy.
type HTTPTokenSource struct {
	TokenURL             string
	ClientID             string
	ClientSecret         string
	SubjectTokenProvider func(ctx context.Context) (string, error)
	HTTPClient           *http.Client
}

type exchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token"`
}

// Exchange implements TokenSource by POSTing an RFC 8693 token-exchange
// request and translating the response into a CachedToken, with the
// resulting credential also exposed as an oauth2.Token for callers that
// want the standard library shape.
func (s *HTTPTokenSource) Exchange(ctx context.Context, cfg authtypes.TokenExchangeConfig) (*cache.CachedToken, error) {
	if s.TokenURL == "" {
		return nil, fmt.Errorf("token exchange: TokenURL is required")
	}
	if s.SubjectTokenProvider == nil {
		return nil, fmt.Errorf("token exchange: SubjectTokenProvider is required")
	}
	if _, err := url.Parse(s.TokenURL); err != nil {
		return nil, fmt.Errorf("token exchange: invalid TokenURL: %w", err)
	}

	subjectToken, err := s.SubjectTokenProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("token exchange: subject token: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("requested_token_type", tokenTypeAccessToken)
	if cfg.Audience != "" {
		form.Set("audience", cfg.Audience)
	}
	if len(cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token exchange: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if s.ClientID != "" {
		httpReq.SetBasicAuth(s.ClientID, s.ClientSecret)
	}

	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultExchangeTimeout}
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token exchange: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxExchangeResponseSize))
	if err != nil {
		return nil, fmt.Errorf("token exchange: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange: server returned status %d: %s", httpResp.StatusCode, string(body))
	}

	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("token exchange: decode response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("token exchange: server returned empty access_token")
	}
	if resp.TokenType == "" {
		resp.TokenType = "Bearer"
	}

	expiresAt := time.Time{}
	if resp.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	return &cache.CachedToken{
		Token:        resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresAt:    expiresAt,
		RefreshToken: resp.RefreshToken,
		Scopes:       cfg.Scopes,
	}, nil
}
