package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase64RoundTrip(t *testing.T) {
	encoded, err := EncryptToBase64("settings-key", "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, encoded, "hunter2")

	plain, err := DecryptFromBase64("settings-key", encoded)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	encoded, err := EncryptToBase64("right", "secret")
	require.NoError(t, err)

	_, err = DecryptFromBase64("wrong", encoded)
	require.Error(t, err)
}

func TestDecryptRejectsShortPayload(t *testing.T) {
	_, err := DecryptToString("key", []byte{1, 2})
	require.Error(t, err)
}

func TestDecryptRejectsInvalidBase64(t *testing.T) {
	_, err := DecryptFromBase64("key", "%%%")
	require.Error(t, err)
}
