// Package secrets provides encrypted at-rest storage for credentials.
// Payloads are sealed with AES-256-GCM before they reach the backing
// store; the key is derived with PBKDF2-HMAC-SHA256 from an
// application/host pair so plaintext never touches disk.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no value exists for a key.
var ErrNotFound = errors.New("secret not found")

// Store is the minimal contract the OS secret service provides. It has no
// enumeration API; callers track their own key identifiers.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// FileStore keeps one owner-only file per key under a scoped directory.
// It stands in for a platform keychain on hosts that lack one; values are
// expected to be ciphertext already.
type FileStore struct {
	dir string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	// Keys look like "app.provider:account"; flatten path separators so a
	// key can never escape the store directory.
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(key)
	return filepath.Join(s.dir, safe)
}

// Put writes the value for key, replacing any previous value.
func (s *FileStore) Put(key string, value []byte) error {
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write secret %s: %w", key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store secret %s: %w", key, err)
	}
	return nil
}

// Get returns the stored value, or ErrNotFound.
func (s *FileStore) Get(key string) ([]byte, error) {
	raw, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", key, err)
	}
	return raw, nil
}

// Delete removes the value for key. Deleting an absent key is not an error.
func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}
