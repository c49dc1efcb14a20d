package content_key

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/kapy-chat/kapy-core/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorDecodeInvalidLength is returned when decoding a key of invalid length
	ErrorDecodeInvalidLength = utils.NewKapyError("CONTENT_KEY_DECODE_INVALID_LENGTH", "can't decode ContentKey, invalid length")
	// ErrorInvalidKeySize is returned when the key has an invalid size
	ErrorInvalidKeySize = utils.NewKapyError("CONTENT_KEY_INVALID_KEY_SIZE", "invalid key size")
	// ErrorDecryptInvalidIV is returned when the IV has an invalid length
	ErrorDecryptInvalidIV = utils.NewKapyError("CONTENT_KEY_DECRYPT_INVALID_IV", "invalid IV length")
	// ErrorDecryptInvalidTag is returned when the authentication tag has an invalid length
	ErrorDecryptInvalidTag = utils.NewKapyError("CONTENT_KEY_DECRYPT_INVALID_TAG", "invalid authentication tag length")
	// ErrorDecryptAuthFailed is returned when authenticated decryption fails
	ErrorDecryptAuthFailed = utils.NewKapyError("CONTENT_KEY_DECRYPT_AUTH_FAILED", "message authentication failed")
)

const (
	keyLength = 32
	ivLength  = 12
	tagLength = 16
)

// ContentKey is the symmetric key a file's plaintext is encrypted with,
// exactly once. It is then wrapped per recipient (see Wrap / Unwrap).
type ContentKey struct {
	key []byte
}

// EncryptedPayload is the result of an authenticated encryption: the
// ciphertext, the IV used, and the authentication tag, kept separate because
// the durable schema stores them as distinct fields.
type EncryptedPayload struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

func Generate() (*ContentKey, error) {
	randomData, err := utils.GenerateRandomBytes(keyLength)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &ContentKey{key: randomData}, nil
}

func (contentKey *ContentKey) Encode() []byte {
	encoded := make([]byte, keyLength)
	copy(encoded, contentKey.key)
	return encoded
}

func Decode(key []byte) (ContentKey, error) {
	if len(key) != keyLength {
		return ContentKey{}, tracerr.Wrap(ErrorDecodeInvalidLength)
	}
	k := make([]byte, keyLength)
	copy(k, key)
	return ContentKey{key: k}, nil
}

func (contentKey *ContentKey) gcm() (cipher.AEAD, error) {
	if len(contentKey.key) != keyLength {
		return nil, tracerr.Wrap(ErrorInvalidKeySize)
	}
	aesCipher, err := aes.NewCipher(contentKey.key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	aead, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return aead, nil
}

// Encrypt encrypts plaintext with AES-256-GCM under a fresh random IV.
func (contentKey *ContentKey) Encrypt(plaintext []byte) (*EncryptedPayload, error) {
	aead, err := contentKey.gcm()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	iv, err := utils.GenerateRandomBytes(ivLength)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag to the ciphertext; the schema stores them separately
	return &EncryptedPayload{
		Ciphertext: sealed[:len(sealed)-tagLength],
		IV:         iv,
		Tag:        sealed[len(sealed)-tagLength:],
	}, nil
}

// Decrypt decrypts an EncryptedPayload, verifying its authentication tag.
func (contentKey *ContentKey) Decrypt(payload *EncryptedPayload) ([]byte, error) {
	aead, err := contentKey.gcm()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if len(payload.IV) != ivLength {
		return nil, tracerr.Wrap(ErrorDecryptInvalidIV)
	}
	if len(payload.Tag) != tagLength {
		return nil, tracerr.Wrap(ErrorDecryptInvalidTag)
	}

	sealed := make([]byte, 0, len(payload.Ciphertext)+tagLength)
	sealed = append(sealed, payload.Ciphertext...)
	sealed = append(sealed, payload.Tag...)

	plaintext, err := aead.Open(nil, payload.IV, sealed, nil)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptAuthFailed)
	}
	return plaintext, nil
}
