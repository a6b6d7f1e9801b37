package tokens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/novotechno/collections/pkg/secrets"
)

var (
	// ErrDegraded is returned while the validator is in DEGRADED mode.
	// Only an explicit operator Reset clears it.
	ErrDegraded = errors.New("degraded mode: token refresh failed repeatedly, re-authentication required")

	// ErrNotConfigured is returned when no token exists for the account.
	ErrNotConfigured = errors.New("no token cached for account")
)

// MaxRefreshAttempts is the ceiling of consecutive silent-refresh failures
// before the validator latches DEGRADED.
const MaxRefreshAttempts = 3

// Validator checks token validity before every outbound authenticated
// request and refreshes silently when the expiry buffer is reached.
// DEGRADED is process-wide per provider and latched until Reset.
type Validator struct {
	cache     *Cache
	refresher Refresher
	provider  string

	mu              sync.Mutex
	degraded        bool
	refreshFailures int

	clock   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	audit   io.Writer
	onTrip  func(provider, account string)
	log     *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithAuditWriter directs refresh audit records to w. Records carry only
// the first 8 characters of the old and new access tokens.
func WithAuditWriter(w io.Writer) ValidatorOption {
	return func(v *Validator) { v.audit = w }
}

// WithDegradedHook installs a callback invoked once when DEGRADED trips.
func WithDegradedHook(fn func(provider, account string)) ValidatorOption {
	return func(v *Validator) { v.onTrip = fn }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) ValidatorOption {
	return func(v *Validator) { v.clock = clock }
}

// WithSleep overrides the inter-attempt wait for testing.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ValidatorOption {
	return func(v *Validator) { v.sleep = fn }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.log = log }
}

// NewValidator builds a validator for one provider.
func NewValidator(cache *Cache, refresher Refresher, provider string, opts ...ValidatorOption) *Validator {
	v := &Validator{
		cache:     cache,
		refresher: refresher,
		provider:  provider,
		clock:     time.Now,
		sleep:     sleepCtx,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire returns a valid token for the account, refreshing silently if
// the token is inside the expiry buffer. Call it before every outbound
// authenticated request.
func (v *Validator) Acquire(ctx context.Context, account string) (Token, error) {
	v.mu.Lock()
	if v.degraded {
		v.mu.Unlock()
		return Token{}, ErrDegraded
	}
	v.mu.Unlock()

	tok, err := v.cache.Load(v.provider, account)
	if errors.Is(err, secrets.ErrNotFound) {
		return Token{}, fmt.Errorf("%s:%s: %w", v.provider, account, ErrNotConfigured)
	}
	if err != nil {
		return Token{}, err
	}

	now := v.clock()
	if tok.Valid(now) {
		return tok, nil
	}

	v.log.Warn("token inside expiry buffer, refreshing",
		"provider", v.provider, "account", account,
		"expires_in", tok.ExpiresAt.Sub(now).Round(time.Second))
	return v.silentRefresh(ctx, account, tok)
}

func (v *Validator) silentRefresh(ctx context.Context, account string, old Token) (Token, error) {
	var lastErr error
	for attempt := 0; attempt < MaxRefreshAttempts; attempt++ {
		fresh, err := v.refresher.Refresh(ctx, old.RefreshToken)
		if err == nil {
			fresh.AccountID = account
			if fresh.RefreshToken == "" {
				// Providers may omit the refresh token on renewal.
				fresh.RefreshToken = old.RefreshToken
			}
			if err := v.cache.Save(v.provider, account, fresh); err != nil {
				return Token{}, fmt.Errorf("persist refreshed token: %w", err)
			}
			v.auditRefresh(old.AccessToken, fresh.AccessToken)

			v.mu.Lock()
			v.refreshFailures = 0
			v.mu.Unlock()
			return fresh, nil
		}

		lastErr = err
		v.log.Error("token refresh failed",
			"provider", v.provider, "account", account,
			"attempt", attempt+1, "error", err)

		v.mu.Lock()
		v.refreshFailures++
		tripped := v.refreshFailures >= MaxRefreshAttempts
		v.mu.Unlock()
		if tripped {
			v.trip(account)
			return Token{}, ErrDegraded
		}

		if err := v.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
			return Token{}, err
		}
	}

	v.trip(account)
	return Token{}, fmt.Errorf("token refresh exhausted: %w (last: %v)", ErrDegraded, lastErr)
}

func (v *Validator) trip(account string) {
	v.mu.Lock()
	already := v.degraded
	v.degraded = true
	v.mu.Unlock()
	if already {
		return
	}

	v.log.Error("DEGRADED mode activated: authenticated paths halted",
		"provider", v.provider, "account", account,
		"failures", MaxRefreshAttempts)
	if v.onTrip != nil {
		v.onTrip(v.provider, account)
	}
}

// auditRefresh records a refresh with truncated token identifiers only.
func (v *Validator) auditRefresh(oldTok, newTok string) {
	line := fmt.Sprintf("TOKEN_REFRESH_AUDIT: timestamp=%s provider=%s old_tid=%s... new_tid=%s...\n",
		v.clock().UTC().Format(time.RFC3339), v.provider, first8(oldTok), first8(newTok))
	v.log.Info("token refreshed", "provider", v.provider,
		"old_tid", first8(oldTok), "new_tid", first8(newTok))
	if v.audit != nil {
		if _, err := v.audit.Write([]byte(line)); err != nil {
			v.log.Error("failed to write refresh audit", "error", err)
		}
	}
}

func first8(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// Degraded reports whether the validator is latched.
func (v *Validator) Degraded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.degraded
}

// Reset clears DEGRADED mode. This is an operator action after manual
// re-authentication; it is never called automatically.
func (v *Validator) Reset() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.degraded {
		return false
	}
	v.degraded = false
	v.refreshFailures = 0
	v.log.Warn("DEGRADED mode reset, authenticated paths re-enabled", "provider", v.provider)
	return true
}
