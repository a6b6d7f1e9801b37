package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// tokenResponse is the OAuth token endpoint wire format.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// OAuthClient performs refresh-token grants against a provider's token
// endpoint.
type OAuthClient struct {
	TokenEndpoint string
	ClientID      string
	TenantID      string
	Scopes        string
	httpClient    *http.Client
	clock         func() time.Time
}

// NewOAuthClient builds a client for the given token endpoint.
func NewOAuthClient(endpoint, clientID, tenantID, scopes string) *OAuthClient {
	return &OAuthClient{
		TokenEndpoint: endpoint,
		ClientID:      clientID,
		TenantID:      tenantID,
		Scopes:        scopes,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		clock:         time.Now,
	}
}

// Refresh exchanges refreshToken for a fresh token.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	data := url.Values{
		"client_id":     {c.ClientID},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	if c.Scopes != "" {
		data.Set("scope", c.Scopes)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.TokenEndpoint, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token refresh failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return Token{}, fmt.Errorf("token refresh failed (%d): %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}

	return Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    c.clock().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}, nil
}
