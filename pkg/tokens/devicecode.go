package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrFlowExpired means the user never completed authorization before the
// device code ran out.
var ErrFlowExpired = errors.New("device code flow expired")

// DeviceFlow is one pending device authorization: show the user the
// code and URI, then poll until they finish.
type DeviceFlow struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
}

// DeviceCodeClient runs the OAuth 2.0 device authorization grant
// against a Microsoft identity authority.
type DeviceCodeClient struct {
	Authority  string
	ClientID   string
	Scopes     string
	httpClient *http.Client
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewDeviceCodeClient builds a client for the given authority, e.g.
// https://login.microsoftonline.com/common.
func NewDeviceCodeClient(authority, clientID, scopes string) *DeviceCodeClient {
	return &DeviceCodeClient{
		Authority:  authority,
		ClientID:   clientID,
		Scopes:     scopes,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      time.Now,
		sleep:      sleepCtx,
	}
}

// Initiate requests a device code for the user to enter.
func (c *DeviceCodeClient) Initiate(ctx context.Context) (DeviceFlow, error) {
	data := url.Values{
		"client_id": {c.ClientID},
		"scope":     {c.Scopes},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.Authority+"/oauth2/v2.0/devicecode", bytes.NewBufferString(data.Encode()))
	if err != nil {
		return DeviceFlow{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DeviceFlow{}, fmt.Errorf("device code request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return DeviceFlow{}, fmt.Errorf("device code request failed (%d): %s", resp.StatusCode, string(body))
	}

	var flow DeviceFlow
	if err := json.NewDecoder(resp.Body).Decode(&flow); err != nil {
		return DeviceFlow{}, fmt.Errorf("decode device code response: %w", err)
	}
	if flow.UserCode == "" {
		return DeviceFlow{}, errors.New("device code response missing user_code")
	}
	if flow.Interval == 0 {
		flow.Interval = 5
	}
	return flow, nil
}

// Poll waits for the user to authorize, then returns the granted token.
// authorization_pending keeps polling; slow_down stretches the interval.
func (c *DeviceCodeClient) Poll(ctx context.Context, flow DeviceFlow) (Token, error) {
	interval := time.Duration(flow.Interval) * time.Second
	deadline := c.clock().Add(time.Duration(flow.ExpiresIn) * time.Second)

	for {
		if c.clock().After(deadline) {
			return Token{}, ErrFlowExpired
		}

		tok, oauthErr, err := c.redeem(ctx, flow.DeviceCode)
		if err != nil {
			return Token{}, err
		}
		switch oauthErr {
		case "":
			return tok, nil
		case "authorization_pending":
		case "slow_down":
			interval += 5 * time.Second
		case "expired_token":
			return Token{}, ErrFlowExpired
		default:
			return Token{}, fmt.Errorf("device code grant failed: %s", oauthErr)
		}

		if err := c.sleep(ctx, interval); err != nil {
			return Token{}, err
		}
	}
}

func (c *DeviceCodeClient) redeem(ctx context.Context, deviceCode string) (Token, string, error) {
	data := url.Values{
		"client_id":   {c.ClientID},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.Authority+"/oauth2/v2.0/token", bytes.NewBufferString(data.Encode()))
	if err != nil {
		return Token{}, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, "", fmt.Errorf("token poll request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		tokenResponse
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, "", fmt.Errorf("decode token poll response: %w", err)
	}
	if body.Error != "" {
		return Token{}, body.Error, nil
	}
	if body.AccessToken == "" {
		return Token{}, "", fmt.Errorf("token poll returned status %d without token", resp.StatusCode)
	}

	return Token{
		AccessToken:  body.AccessToken,
		TokenType:    body.TokenType,
		ExpiresAt:    c.clock().UTC().Add(time.Duration(body.ExpiresIn) * time.Second),
		RefreshToken: body.RefreshToken,
		Scope:        body.Scope,
	}, "", nil
}
