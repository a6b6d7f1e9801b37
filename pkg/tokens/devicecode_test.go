package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceCodeInitiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/v2.0/devicecode", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client-123", r.PostForm.Get("client_id"))
		assert.Equal(t, "Mail.Send offline_access", r.PostForm.Get("scope"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-abc",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://microsoft.com/devicelogin",
			"expires_in":       900,
			"interval":         5,
		})
	}))
	defer srv.Close()

	client := NewDeviceCodeClient(srv.URL, "client-123", "Mail.Send offline_access")
	flow, err := client.Initiate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev-abc", flow.DeviceCode)
	assert.Equal(t, "ABCD-1234", flow.UserCode)
	assert.Equal(t, 5, flow.Interval)
}

func TestDeviceCodeInitiateMissingUserCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_client"})
	}))
	defer srv.Close()

	client := NewDeviceCodeClient(srv.URL, "client-123", "Mail.Send")
	_, err := client.Initiate(context.Background())
	require.Error(t, err)
}

func TestDeviceCodePollPendingThenGranted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/v2.0/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "dev-abc", r.PostForm.Get("device_code"))

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "authorization_pending"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-xyz",
			"refresh_token": "rt-xyz",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "Mail.Send",
		})
	}))
	defer srv.Close()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	client := NewDeviceCodeClient(srv.URL, "client-123", "Mail.Send")
	client.clock = func() time.Time { return now }
	client.sleep = func(context.Context, time.Duration) error { return nil }

	tok, err := client.Poll(context.Background(), DeviceFlow{
		DeviceCode: "dev-abc", ExpiresIn: 900, Interval: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "at-xyz", tok.AccessToken)
	assert.Equal(t, "rt-xyz", tok.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeviceCodePollExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "expired_token"})
	}))
	defer srv.Close()

	client := NewDeviceCodeClient(srv.URL, "client-123", "Mail.Send")
	client.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := client.Poll(context.Background(), DeviceFlow{DeviceCode: "dev-abc", ExpiresIn: 900, Interval: 5})
	assert.ErrorIs(t, err, ErrFlowExpired)
}

func TestDeviceCodePollDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "authorization_pending"})
	}))
	defer srv.Close()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	client := NewDeviceCodeClient(srv.URL, "client-123", "Mail.Send")
	client.clock = func() time.Time {
		now = now.Add(10 * time.Minute)
		return now
	}
	client.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := client.Poll(context.Background(), DeviceFlow{DeviceCode: "dev-abc", ExpiresIn: 900, Interval: 5})
	assert.ErrorIs(t, err, ErrFlowExpired)
}
