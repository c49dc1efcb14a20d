package filevault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrorSignerSecretTooShort is returned when the master secret is too short to derive a signing key from
	ErrorSignerSecretTooShort = utils.NewValidationError("FILEVAULT_SIGNER_SECRET_TOO_SHORT", "master secret must be at least 32 bytes")
	// ErrorSignerBadBaseURL is returned when the base URL cannot be parsed
	ErrorSignerBadBaseURL = utils.NewValidationError("FILEVAULT_SIGNER_BAD_BASE_URL", "base URL cannot be parsed")
	// ErrorSignedURLMalformed is returned when a signed URL cannot be parsed
	ErrorSignedURLMalformed = utils.NewValidationError("FILEVAULT_SIGNED_URL_MALFORMED", "signed URL is malformed")
	// ErrorSignedURLBadSignature is returned when the signature does not match
	ErrorSignedURLBadSignature = utils.NewUnauthorizedError("FILEVAULT_SIGNED_URL_BAD_SIGNATURE", "signed URL signature mismatch")
	// ErrorSignedURLExpired is returned when the signed URL expiry is in the past
	ErrorSignedURLExpired = utils.NewUnauthorizedError("FILEVAULT_SIGNED_URL_EXPIRED", "signed URL has expired")
)

const signingKeyInfo = "kapy-core/file-access-signing"

// Signer issues and verifies time-boxed access URLs for authenticated-mode
// objects. The signature is a keyed hash over {locator, expiry}, so a
// verifying proxy can validate a URL without a database round trip.
type Signer struct {
	key     []byte
	baseURL string
	// basePath is the path component of baseURL, stripped from incoming URLs
	// before the locator is recovered.
	basePath string
}

// NewSigner derives the signing key from masterSecret with HKDF, so the same
// secret can safely serve other derivations.
func NewSigner(masterSecret []byte, baseURL string) (*Signer, error) {
	if len(masterSecret) < 32 {
		return nil, tracerr.Wrap(ErrorSignerSecretTooShort)
	}
	key := make([]byte, 32)
	_, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(signingKeyInfo)), key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	trimmed := strings.TrimSuffix(baseURL, "/")
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, tracerr.Wrap(ErrorSignerBadBaseURL.AddDetails(err.Error()))
	}
	return &Signer{key: key, baseURL: trimmed, basePath: parsed.Path}, nil
}

type signedPayload struct {
	Locator string `json:"locator"`
	Expiry  int64  `json:"expiry"`
}

func (s *Signer) signature(locator string, expiry int64) ([]byte, error) {
	// canonical JSON so the proxy-side verifier does not depend on Go's field
	// ordering
	payload, err := canonicaljson.Marshal(signedPayload{Locator: locator, Expiry: expiry})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// Issue returns a URL granting access to locator until expiresAt.
func (s *Signer) Issue(locator string, expiresAt time.Time) (string, error) {
	expiry := expiresAt.Unix()
	signature, err := s.signature(locator, expiry)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	values := url.Values{}
	values.Set("expires", strconv.FormatInt(expiry, 10))
	values.Set("signature", base64.RawURLEncoding.EncodeToString(signature))
	return s.baseURL + "/" + locator + "?" + values.Encode(), nil
}

// Verify checks the signature and expiry of a signed URL, and returns the
// locator it grants access to.
func (s *Signer) Verify(rawURL string, now time.Time) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", tracerr.Wrap(ErrorSignedURLMalformed.AddDetails(err.Error()))
	}
	locator := strings.TrimPrefix(strings.TrimPrefix(parsed.Path, s.basePath), "/")
	expiresParam := parsed.Query().Get("expires")
	signatureParam := parsed.Query().Get("signature")
	if locator == "" || expiresParam == "" || signatureParam == "" {
		return "", tracerr.Wrap(ErrorSignedURLMalformed)
	}
	expiry, err := strconv.ParseInt(expiresParam, 10, 64)
	if err != nil {
		return "", tracerr.Wrap(ErrorSignedURLMalformed.AddDetails(expiresParam))
	}
	givenSignature, err := base64.RawURLEncoding.DecodeString(signatureParam)
	if err != nil {
		return "", tracerr.Wrap(ErrorSignedURLMalformed.AddDetails(err.Error()))
	}

	expectedSignature, err := s.signature(locator, expiry)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	if !hmac.Equal(givenSignature, expectedSignature) {
		return "", tracerr.Wrap(ErrorSignedURLBadSignature)
	}
	if now.Unix() > expiry {
		return "", tracerr.Wrap(ErrorSignedURLExpired)
	}
	return locator, nil
}
