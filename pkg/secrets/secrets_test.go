package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("app.microsoft:work", []byte("sealed-bytes")))

	got, err := store.Get("app.microsoft:work")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-bytes"), got)
}

func TestFileStoreMissingKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("k", []byte("v")))
	require.NoError(t, store.Delete("k"))

	_, err = store.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, store.Delete("k"))
}

func TestFileStoreOwnerOnlyPermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put("k", []byte("v")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	info, err := os.Stat(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreKeyCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put("../evil", []byte("v")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, strings.Contains(entries[0].Name(), "/"))
}

func TestCrypterRoundTrip(t *testing.T) {
	c := NewCrypter("collections-test")

	sealed, err := c.Seal([]byte(`{"access_token":"secret"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret")

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"secret"}`, string(opened))
}

func TestCrypterNonceUnique(t *testing.T) {
	c := NewCrypter("collections-test")

	a, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestCrypterRejectsTampering(t *testing.T) {
	c := NewCrypter("collections-test")

	sealed, err := c.Seal([]byte("payload"))
	require.NoError(t, err)

	raw := []byte(sealed)
	raw[len(raw)-5] ^= 'x'
	_, err = c.Open(string(raw))
	assert.Error(t, err)
}

func TestCrypterRejectsShortCiphertext(t *testing.T) {
	c := NewCrypter("collections-test")
	_, err := c.Open("AAAA")
	assert.Error(t, err)
}
