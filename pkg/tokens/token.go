// Package tokens manages the OAuth credential lifecycle: typed token
// records, an encrypted cache over the secret store, and a validator that
// silently refreshes tokens before expiry and trips a process-wide
// DEGRADED latch after repeated refresh failure.
package tokens

import "time"

// ExpiryBuffer is how far before the absolute expiry a token is already
// treated as expired, so a request never departs with a token about to die
// mid-flight.
const ExpiryBuffer = 300 * time.Second

// Token is a cached OAuth token for one (provider, account) pair.
// It is never persisted in cleartext outside the secret store envelope.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	CachedAt     time.Time `json:"cached_at"`
}

// Expired reports whether the token is within the expiry buffer at now.
// A token exactly at the buffer boundary counts as expired.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-ExpiryBuffer))
}

// Valid is the inverse of Expired.
func (t Token) Valid(now time.Time) bool { return !t.Expired(now) }
