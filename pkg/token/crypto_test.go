package token

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestCipher_RoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey())
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("ya29.some-access-token")
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "ya29")

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "ya29.some-access-token", plaintext)
}

func TestCipher_RandomNonce(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey())
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipher_InvalidKey(t *testing.T) {
	t.Parallel()

	_, err := NewCipher([]byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewCipherFromString("not base64 at all!!!")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewCipherFromString(t *testing.T) {
	t.Parallel()

	encoded := base64.StdEncoding.EncodeToString(testKey())
	c, err := NewCipherFromString(encoded)
	require.NoError(t, err)

	ct, err := c.Encrypt("token")
	require.NoError(t, err)
	got, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "token", got)
}

func TestCipher_DecryptTampered(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey())
	require.NoError(t, err)

	ct, err := c.Encrypt("token")
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, err = c.Decrypt(ct)
	require.ErrorIs(t, err, ErrDecryptFailed)

	_, err = c.Decrypt([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestMemory_SaveVersioning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()

	rec := &Record{
		Identity:    "gmail-main",
		Principal:   "ops@example.com",
		AccessToken: "a",
		ExpiresAt:   time.Now(),
		Valid:       true,
	}
	require.NoError(t, store.Save(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	// A second insert of the same key conflicts.
	dup := *rec
	dup.Version = 0
	require.ErrorIs(t, store.Save(ctx, &dup), ErrVersionConflict)

	rec.AccessToken = "b"
	require.NoError(t, store.Save(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	// Updating with a stale version conflicts.
	stale := *rec
	stale.Version = 1
	require.ErrorIs(t, store.Save(ctx, &stale), ErrVersionConflict)

	got, err := store.Get(ctx, "gmail-main", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "b", got.AccessToken)
}
