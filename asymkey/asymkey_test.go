package asymkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsymKey(t *testing.T) {
	t.Parallel()
	message := []byte("key encryption key material")

	privateKey, err := Generate(2048)
	require.NoError(t, err)

	t.Run("encrypt/decrypt round trip", func(t *testing.T) {
		t.Parallel()
		encrypted, err := privateKey.Public().Encrypt(message)
		require.NoError(t, err)
		assert.Len(t, encrypted, privateKey.Public().Size())

		decrypted, err := privateKey.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, message, decrypted)
	})

	t.Run("private key B64 round trip", func(t *testing.T) {
		t.Parallel()
		decoded, err := PrivateKeyFromB64(privateKey.ToB64())
		require.NoError(t, err)

		encrypted, err := privateKey.Public().Encrypt(message)
		require.NoError(t, err)
		decrypted, err := decoded.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, message, decrypted)
	})

	t.Run("public key B64 round trip preserves the hash", func(t *testing.T) {
		t.Parallel()
		publicKey := privateKey.Public()
		decoded, err := PublicKeyFromB64(publicKey.ToB64())
		require.NoError(t, err)
		assert.Equal(t, publicKey.GetHash(), decoded.GetHash())
	})

	t.Run("hashes differ between keys", func(t *testing.T) {
		t.Parallel()
		otherKey, err := Generate(2048)
		require.NoError(t, err)
		assert.NotEqual(t, privateKey.Public().GetHash(), otherKey.Public().GetHash())
	})

	t.Run("decode garbage", func(t *testing.T) {
		t.Parallel()
		_, err := PrivateKeyDecode([]byte("garbage"))
		assert.Error(t, err)
		_, err = PublicKeyDecode([]byte("garbage"))
		assert.Error(t, err)
	})
}
