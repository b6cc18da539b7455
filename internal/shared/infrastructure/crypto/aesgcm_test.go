package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESGCMFromBase64Key(t *testing.T) {
	t.Run("valid key", func(t *testing.T) {
		enc, err := NewAESGCMFromBase64Key(testKey())
		require.NoError(t, err)
		assert.NotNil(t, enc)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := NewAESGCMFromBase64Key("")
		assert.ErrorContains(t, err, "encryption key is empty")
	})

	t.Run("short key", func(t *testing.T) {
		_, err := NewAESGCMFromBase64Key(base64.StdEncoding.EncodeToString([]byte("short")))
		assert.ErrorContains(t, err, "32 bytes")
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := NewAESGCMFromBase64Key("not-valid-base64!!!")
		assert.Error(t, err)
	})
}

func TestEncryptString_RoundTrip(t *testing.T) {
	enc, err := NewAESGCMFromBase64Key(testKey())
	require.NoError(t, err)

	stored, err := EncryptString(enc, "app-password")
	require.NoError(t, err)
	assert.NotEqual(t, "app-password", stored)

	plain, err := DecryptString(enc, stored)
	require.NoError(t, err)
	assert.Equal(t, "app-password", plain)

	empty, err := EncryptString(enc, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNewAESGCMFromPassphrase(t *testing.T) {
	a, err := NewAESGCMFromPassphrase("correct horse", "calsync")
	require.NoError(t, err)
	b, err := NewAESGCMFromPassphrase("correct horse", "calsync")
	require.NoError(t, err)

	sealed, err := EncryptString(a, "secret")
	require.NoError(t, err)
	opened, err := DecryptString(b, sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", opened)

	other, err := NewAESGCMFromPassphrase("wrong", "calsync")
	require.NoError(t, err)
	_, err = DecryptString(other, sealed)
	assert.Error(t, err)
}

func TestDecrypt_TooShort(t *testing.T) {
	enc, err := NewAESGCMFromBase64Key(testKey())
	require.NoError(t, err)
	_, err = enc.Decrypt([]byte{1, 2})
	assert.ErrorContains(t, err, "too short")
}
