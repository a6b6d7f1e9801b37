package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/novotechno/collections/pkg/secrets"
)

// Cache stores tokens in the secret store, sealed by the crypter. The
// backing store has no listing API, so callers track account identifiers
// themselves.
type Cache struct {
	store   secrets.Store
	crypter *secrets.Crypter
	app     string
	clock   func() time.Time
}

// NewCache creates a token cache scoped to the given application name.
func NewCache(store secrets.Store, crypter *secrets.Crypter, app string) *Cache {
	return &Cache{store: store, crypter: crypter, app: app, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

func (c *Cache) key(provider, account string) string {
	return fmt.Sprintf("%s.%s:%s", c.app, provider, account)
}

// Save serialises, encrypts and persists the token. CachedAt is stamped
// here so callers never need to.
func (c *Cache) Save(provider, account string, tok Token) error {
	tok.CachedAt = c.clock().UTC()

	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	sealed, err := c.crypter.Seal(raw)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	if err := c.store.Put(c.key(provider, account), []byte(sealed)); err != nil {
		return fmt.Errorf("store token %s:%s: %w", provider, account, err)
	}
	return nil
}

// Load returns the cached token for (provider, account), or
// secrets.ErrNotFound when none is stored.
func (c *Cache) Load(provider, account string) (Token, error) {
	sealed, err := c.store.Get(c.key(provider, account))
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return Token{}, err
		}
		return Token{}, fmt.Errorf("load token %s:%s: %w", provider, account, err)
	}

	raw, err := c.crypter.Open(string(sealed))
	if err != nil {
		return Token{}, fmt.Errorf("unseal token %s:%s: %w", provider, account, err)
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, fmt.Errorf("parse token %s:%s: %w", provider, account, err)
	}
	return tok, nil
}

// Delete removes the cached token.
func (c *Cache) Delete(provider, account string) error {
	return c.store.Delete(c.key(provider, account))
}

// HasValid reports whether a non-expired token is cached.
func (c *Cache) HasValid(provider, account string) bool {
	tok, err := c.Load(provider, account)
	return err == nil && tok.Valid(c.clock())
}
