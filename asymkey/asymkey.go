package asymkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/kapy-chat/kapy-core/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorPrivateKeyDecodeUnknownKeyType is returned when a decoded private key is of an invalid type
	ErrorPrivateKeyDecodeUnknownKeyType = utils.NewKapyError("ASYMKEY_PRIVATE_KEY_DECODE_UNKNOWN_KEY_TYPE", "PrivateKeyDecode: unknown key type")
	// ErrorPublicKeyDecodeUnknownKeyType is returned when a decoded public key is of an invalid type
	ErrorPublicKeyDecodeUnknownKeyType = utils.NewKapyError("ASYMKEY_PUBLIC_KEY_DECODE_UNKNOWN_KEY_TYPE", "PublicKeyDecode: unknown key type")
	// ErrorGenerateInvalidSize is returned when an invalid key size is given at key generation
	ErrorGenerateInvalidSize = utils.NewValidationError("ASYMKEY_GENERATE_INVALID_SIZE", "cannot generate a private key of given bit length. Acceptable values are 2048 and 4096")
	// ErrorDecryptCryptoRSA is returned when an error happens during decryption
	ErrorDecryptCryptoRSA = utils.NewKapyError("ASYMKEY_DECRYPT_CRYPTO_ERROR", "cannot decrypt")
)

type PrivateKey struct {
	key rsa.PrivateKey
}

type PublicKey struct {
	key rsa.PublicKey
}

func Generate(bits int) (*PrivateKey, error) {
	if bits != 2048 && bits != 4096 {
		return nil, tracerr.Wrap(ErrorGenerateInvalidSize.AddDetails(fmt.Sprintf("%d is invalid", bits)))
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil { // cannot cover
		return nil, tracerr.Wrap(err)
	}
	return &PrivateKey{*privateKey}, nil
}

func PrivateKeyDecode(key []byte) (*PrivateKey, error) {
	privateKey, err := x509.ParsePKCS8PrivateKey(key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	switch k := privateKey.(type) {
	case *rsa.PrivateKey:
		return &PrivateKey{*k}, nil
	default:
		return nil, tracerr.Wrap(ErrorPrivateKeyDecodeUnknownKeyType.AddDetails(fmt.Sprintf("%T", privateKey)))
	}
}

func PrivateKeyFromB64(b64 string) (*PrivateKey, error) {
	pkcs, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return PrivateKeyDecode(pkcs)
}

func (k *PrivateKey) Encode() []byte {
	b, err := x509.MarshalPKCS8PrivateKey(&k.key)
	if err != nil {
		// An error cannot happen for an RSA key. The only code paths that may
		// lead to an error exist for other key types, which the typing excludes.
		panic(err)
	}
	return b
}

func (k *PrivateKey) ToB64() string {
	return base64.StdEncoding.EncodeToString(k.Encode())
}

func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{k.key.PublicKey}
}

// Decrypt decrypts a message encrypted with RSA-OAEP-SHA256.
func (k *PrivateKey) Decrypt(message []byte) ([]byte, error) {
	decrypted, err := rsa.DecryptOAEP(sha256.New(), nil, &k.key, message, nil)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptCryptoRSA.AddDetails(err.Error()))
	}
	return decrypted, nil
}

func PublicKeyDecode(key []byte) (*PublicKey, error) {
	publicKey, err := x509.ParsePKIXPublicKey(key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	switch k := publicKey.(type) {
	case *rsa.PublicKey:
		return &PublicKey{*k}, nil
	default:
		return nil, tracerr.Wrap(ErrorPublicKeyDecodeUnknownKeyType.AddDetails(fmt.Sprintf("%T", publicKey)))
	}
}

func PublicKeyFromB64(b64 string) (*PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return PublicKeyDecode(der)
}

func (k *PublicKey) Encode() []byte {
	b, err := x509.MarshalPKIXPublicKey(&k.key)
	if err != nil { // cannot happen for an RSA key
		panic(err)
	}
	return b
}

func (k *PublicKey) ToB64() string {
	return base64.StdEncoding.EncodeToString(k.Encode())
}

// GetHash returns the b64-encoded sha256 of the DER encoding of the key.
// Used to match a wrapped key to the recipient key it was created for.
func (k *PublicKey) GetHash() string {
	sum := sha256.Sum256(k.Encode())
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Encrypt encrypts a message with RSA-OAEP-SHA256.
func (k *PublicKey) Encrypt(message []byte) ([]byte, error) {
	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &k.key, message, nil)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return encrypted, nil
}

// Size returns the modulus size in bytes, which is also the length of any
// RSA-OAEP ciphertext produced by this key.
func (k *PublicKey) Size() int {
	return k.key.Size()
}
