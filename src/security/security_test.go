package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encrypted, err := EncryptString("hunter2")
	require.NoError(t, err)
	require.NotEqual(t, "hunter2", encrypted)

	decrypted, err := DecryptString(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", decrypted)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	a, err := EncryptString("same secret")
	require.NoError(t, err)
	b, err := EncryptString("same secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce must vary per encryption")
}

func TestDecryptRejectsGarbage(t *testing.T) {
	_, err := DecryptString("not-base64!!")
	assert.Error(t, err)

	_, err = DecryptString("c2hvcnQ=") // valid base64, shorter than a nonce
	assert.Error(t, err)
}
