package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations follows the OWASP floor for PBKDF2-HMAC-SHA256.
	kdfIterations = 100_000
	keyLen        = 32
)

// installSalt is constant per installation. Rotating it invalidates every
// sealed secret, which is the intended way to force re-authentication.
var installSalt = []byte("novotechno-collections-salt-2026")

// Crypter seals and opens secret payloads with AES-256-GCM.
type Crypter struct {
	key []byte
}

// NewCrypter derives the sealing key from the application name and a
// stable host identifier. Two installs of the same app on different hosts
// cannot read each other's secrets.
func NewCrypter(appName string) *Crypter {
	password := []byte(appName + "-" + hostID())
	key := pbkdf2.Key(password, installSalt, kdfIterations, keyLen, sha256.New)
	return &Crypter{key: key}
}

// hostID returns a stable per-host identifier. Falls back to the hostname
// and finally a fixed string so key derivation never fails outright.
func hostID() string {
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "fallback-host"
}

// Seal encrypts plaintext and returns base64 ciphertext with the nonce
// prepended.
func (c *Crypter) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts ciphertext produced by Seal.
func (c *Crypter) Open(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
