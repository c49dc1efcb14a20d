package content_key

import (
	"testing"

	"github.com/kapy-chat/kapy-core/asymkey"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKey(t *testing.T) {
	t.Parallel()
	plaintext := []byte("attachment bytes, soon to be unreadable")

	testKey, err := Generate()
	require.NoError(t, err)

	t.Run("Decode", func(t *testing.T) {
		t.Parallel()
		t.Run("can decode an encoded key", func(t *testing.T) {
			decoded, err := Decode(testKey.Encode())
			require.NoError(t, err)
			payload, err := testKey.Encrypt(plaintext)
			require.NoError(t, err)
			clearText, err := decoded.Decrypt(payload)
			require.NoError(t, err)
			assert.Equal(t, plaintext, clearText)
		})
		t.Run("bad length", func(t *testing.T) {
			_, err := Decode([]byte{})
			assert.ErrorIs(t, err, ErrorDecodeInvalidLength)
			_, err = Decode(make([]byte, 16))
			assert.ErrorIs(t, err, ErrorDecodeInvalidLength)
		})
	})

	t.Run("Encrypt/Decrypt", func(t *testing.T) {
		t.Parallel()
		t.Run("round trip", func(t *testing.T) {
			payload, err := testKey.Encrypt(plaintext)
			require.NoError(t, err)
			assert.Len(t, payload.IV, ivLength)
			assert.Len(t, payload.Tag, tagLength)
			assert.Len(t, payload.Ciphertext, len(plaintext))

			clearText, err := testKey.Decrypt(payload)
			require.NoError(t, err)
			assert.Equal(t, plaintext, clearText)
		})
		t.Run("fresh IV every time", func(t *testing.T) {
			payload1, err := testKey.Encrypt(plaintext)
			require.NoError(t, err)
			payload2, err := testKey.Encrypt(plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, payload1.IV, payload2.IV)
			assert.NotEqual(t, payload1.Ciphertext, payload2.Ciphertext)
		})
		t.Run("tampered ciphertext fails authentication", func(t *testing.T) {
			payload, err := testKey.Encrypt(plaintext)
			require.NoError(t, err)
			payload.Ciphertext[0] ^= 0xff
			_, err = testKey.Decrypt(payload)
			assert.ErrorIs(t, err, ErrorDecryptAuthFailed)
		})
		t.Run("tampered tag fails authentication", func(t *testing.T) {
			payload, err := testKey.Encrypt(plaintext)
			require.NoError(t, err)
			payload.Tag[0] ^= 0xff
			_, err = testKey.Decrypt(payload)
			assert.ErrorIs(t, err, ErrorDecryptAuthFailed)
		})
		t.Run("bad IV length", func(t *testing.T) {
			payload, err := testKey.Encrypt(plaintext)
			require.NoError(t, err)
			payload.IV = payload.IV[:4]
			_, err = testKey.Decrypt(payload)
			assert.ErrorIs(t, err, ErrorDecryptInvalidIV)
		})
		t.Run("wrong key fails authentication", func(t *testing.T) {
			payload, err := testKey.Encrypt(plaintext)
			require.NoError(t, err)
			otherKey, err := Generate()
			require.NoError(t, err)
			_, err = otherKey.Decrypt(payload)
			assert.ErrorIs(t, err, ErrorDecryptAuthFailed)
		})
	})
}

func TestWrap(t *testing.T) {
	t.Parallel()

	recipientKey, err := asymkey.Generate(2048)
	require.NoError(t, err)
	contentKey, err := Generate()
	require.NoError(t, err)

	t.Run("wrap/unwrap round trip", func(t *testing.T) {
		t.Parallel()
		wrapped, err := Wrap(recipientKey.Public(), contentKey)
		require.NoError(t, err)
		assert.Len(t, wrapped.IV, ivLength)
		assert.Len(t, wrapped.Tag, tagLength)
		assert.Equal(t, recipientKey.Public().GetHash(), wrapped.KeyHash)

		unwrapped, err := Unwrap(recipientKey, wrapped)
		require.NoError(t, err)
		assert.Equal(t, contentKey.Encode(), unwrapped.Encode())
	})

	t.Run("wrong private key cannot unwrap", func(t *testing.T) {
		t.Parallel()
		wrapped, err := Wrap(recipientKey.Public(), contentKey)
		require.NoError(t, err)
		otherKey, err := asymkey.Generate(2048)
		require.NoError(t, err)
		_, err = Unwrap(otherKey, wrapped)
		assert.Error(t, err)
	})

	t.Run("tampered wrap data fails", func(t *testing.T) {
		t.Parallel()
		wrapped, err := Wrap(recipientKey.Public(), contentKey)
		require.NoError(t, err)
		wrapped.Data[len(wrapped.Data)-1] ^= 0xff
		_, err = Unwrap(recipientKey, wrapped)
		assert.ErrorIs(t, err, ErrorUnwrapAuthFailed)
	})

	t.Run("truncated wrap data", func(t *testing.T) {
		t.Parallel()
		wrapped, err := Wrap(recipientKey.Public(), contentKey)
		require.NoError(t, err)
		wrapped.Data = wrapped.Data[:32]
		_, err = Unwrap(recipientKey, wrapped)
		assert.ErrorIs(t, err, ErrorUnwrapTooShort)
	})

	t.Run("each wrap is unique", func(t *testing.T) {
		t.Parallel()
		wrapped1, err := Wrap(recipientKey.Public(), contentKey)
		require.NoError(t, err)
		wrapped2, err := Wrap(recipientKey.Public(), contentKey)
		require.NoError(t, err)
		// fresh KEK and IV per wrap
		assert.NotEqual(t, wrapped1.Data, wrapped2.Data)
		assert.NotEqual(t, wrapped1.IV, wrapped2.IV)
	})

	t.Run("random bytes cannot be decoded as a key", func(t *testing.T) {
		t.Parallel()
		randomData, err := utils.GenerateRandomBytes(16)
		require.NoError(t, err)
		_, err = Decode(randomData)
		assert.ErrorIs(t, err, ErrorDecodeInvalidLength)
	})
}
