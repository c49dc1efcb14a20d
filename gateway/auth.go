package gateway

import (
	"crypto/sha256"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrorAuthSecretTooShort is returned when the master secret is too short to derive the token key from
	ErrorAuthSecretTooShort = utils.NewValidationError("GATEWAY_AUTH_SECRET_TOO_SHORT", "master secret must be at least 32 bytes")
	// ErrorAuthBadToken is returned when the connect token is invalid or expired
	ErrorAuthBadToken = utils.NewUnauthorizedError("GATEWAY_AUTH_BAD_TOKEN", "invalid connect token")
	// ErrorAuthNoSubject is returned when the connect token carries no subject
	ErrorAuthNoSubject = utils.NewUnauthorizedError("GATEWAY_AUTH_NO_SUBJECT", "connect token has no subject")
)

const authKeyInfo = "kapy-core/connect-auth"

// TokenAuthority signs and verifies connect tokens. The HMAC key is derived
// from the same master secret as the file-access signing key, under a
// different HKDF info string.
type TokenAuthority struct {
	key []byte
}

func NewTokenAuthority(masterSecret []byte) (*TokenAuthority, error) {
	if len(masterSecret) < 32 {
		return nil, tracerr.Wrap(ErrorAuthSecretTooShort)
	}
	key := make([]byte, 32)
	_, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(authKeyInfo)), key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &TokenAuthority{key: key}, nil
}

// IssueToken mints a connect token for userId, valid for validity.
func (a *TokenAuthority) IssueToken(userId string, validity time.Duration, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userId,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
	})
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return signed, nil
}

// VerifyToken checks the token signature and expiry and returns its subject.
func (a *TokenAuthority) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(
		tokenString,
		func(token *jwt.Token) (interface{}, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", tracerr.Wrap(ErrorAuthBadToken.AddDetails(err.Error()))
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", tracerr.Wrap(ErrorAuthNoSubject)
	}
	return subject, nil
}
