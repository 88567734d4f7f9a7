package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"FirstName":"Ada","LastName":"Lovelace"}`),
		[]byte(""),
		[]byte("plain text, no json"),
		{0x00, 0xff, 0x10, 0x80},
	}
	for _, payload := range payloads {
		token, err := Encrypt(payload, "correct horse battery staple")
		require.NoError(t, err)
		require.NotEmpty(t, token)

		got, err := Decrypt(token, "correct horse battery staple")
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestEncryptProducesFreshTokens(t *testing.T) {
	a, err := Encrypt([]byte("same payload"), "pw")
	require.NoError(t, err)
	b, err := Encrypt([]byte("same payload"), "pw")
	require.NoError(t, err)
	// Random salt and nonce per call; identical tokens would mean reuse.
	assert.NotEqual(t, a, b)
}

func TestDecryptWrongPassphraseFails(t *testing.T) {
	token, err := Encrypt([]byte(`{"id":1}`), "right")
	require.NoError(t, err)

	got, err := Decrypt(token, "wrong")
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestDecryptCorruptedTokenFails(t *testing.T) {
	token, err := Encrypt([]byte(`{"id":1}`), "pw")
	require.NoError(t, err)

	// Flip a character inside the base64 body.
	corrupted := []byte(token)
	if corrupted[10] == 'A' {
		corrupted[10] = 'B'
	} else {
		corrupted[10] = 'A'
	}
	_, err = Decrypt(string(corrupted), "pw")
	assert.Error(t, err)

	_, err = Decrypt("not base64 at all!!!", "pw")
	assert.Error(t, err)

	_, err = Decrypt("", "pw")
	assert.Error(t, err)
}

func TestEmptyPassphraseRejected(t *testing.T) {
	_, err := Encrypt([]byte("x"), "")
	assert.Error(t, err)
}
