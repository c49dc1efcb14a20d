package content_key

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/kapy-chat/kapy-core/asymkey"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorUnwrapTooShort is returned when the wrapped data is too short to contain the key-encryption part
	ErrorUnwrapTooShort = utils.NewKapyError("CONTENT_KEY_UNWRAP_TOO_SHORT", "wrapped key data is too short")
	// ErrorUnwrapAuthFailed is returned when the wrap authentication tag does not verify
	ErrorUnwrapAuthFailed = utils.NewKapyError("CONTENT_KEY_UNWRAP_AUTH_FAILED", "wrapped key authentication failed")
)

// WrappedKey is one recipient's copy of a content key: the key material
// encrypted so that only the holder of the matching private key can recover
// it. Data is the RSA-encrypted key-encryption key followed by the GCM
// ciphertext of the content key; IV and Tag belong to the GCM layer.
type WrappedKey struct {
	Data    []byte
	IV      []byte
	Tag     []byte
	KeyHash string
}

// Wrap wraps contentKey for the holder of recipientKey. A fresh key-encryption
// key is encrypted with RSA-OAEP, and the content key itself with AES-GCM
// under that KEK, so the wrap carries an IV and an authentication tag like
// every other encrypted field in the schema.
func Wrap(recipientKey *asymkey.PublicKey, contentKey *ContentKey) (*WrappedKey, error) {
	kek, err := utils.GenerateRandomBytes(keyLength)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encryptedKek, err := recipientKey.Encrypt(kek)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	aesCipher, err := aes.NewCipher(kek)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	aead, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	iv, err := utils.GenerateRandomBytes(ivLength)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	sealed := aead.Seal(nil, iv, contentKey.Encode(), nil)

	data := make([]byte, 0, len(encryptedKek)+len(sealed)-tagLength)
	data = append(data, encryptedKek...)
	data = append(data, sealed[:len(sealed)-tagLength]...)

	return &WrappedKey{
		Data:    data,
		IV:      iv,
		Tag:     sealed[len(sealed)-tagLength:],
		KeyHash: recipientKey.GetHash(),
	}, nil
}

// ToRecipientKey converts the wrap into the durable per-recipient record.
func (wrapped *WrappedKey) ToRecipientKey(recipientId string) common_models.RecipientKey {
	return common_models.RecipientKey{
		RecipientId: recipientId,
		WrappedKey:  wrapped.Data,
		WrapIV:      wrapped.IV,
		WrapTag:     wrapped.Tag,
		KeyHash:     wrapped.KeyHash,
	}
}

// WrappedKeyOf rebuilds a WrappedKey from its durable record.
func WrappedKeyOf(key common_models.RecipientKey) *WrappedKey {
	return &WrappedKey{
		Data:    key.WrappedKey,
		IV:      key.WrapIV,
		Tag:     key.WrapTag,
		KeyHash: key.KeyHash,
	}
}

// Unwrap recovers a content key from a WrappedKey using the recipient's
// private key.
func Unwrap(recipientKey *asymkey.PrivateKey, wrapped *WrappedKey) (*ContentKey, error) {
	kekLength := recipientKey.Public().Size()
	if len(wrapped.Data) < kekLength {
		return nil, tracerr.Wrap(ErrorUnwrapTooShort)
	}

	kek, err := recipientKey.Decrypt(wrapped.Data[:kekLength])
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	aesCipher, err := aes.NewCipher(kek)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	aead, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	sealed := make([]byte, 0, len(wrapped.Data)-kekLength+len(wrapped.Tag))
	sealed = append(sealed, wrapped.Data[kekLength:]...)
	sealed = append(sealed, wrapped.Tag...)

	encodedKey, err := aead.Open(nil, wrapped.IV, sealed, nil)
	if err != nil {
		return nil, tracerr.Wrap(ErrorUnwrapAuthFailed)
	}
	contentKey, err := Decode(encodedKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &contentKey, nil
}
