package zoomapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime is how long an issued token stays valid. Tokens are issued
// fresh for every extraction run and never cached across runs.
const tokenLifetime = 5 * time.Minute

// TokenIssuer signs short-lived HS256 request tokens from the provider API
// key/secret pair. The key rides as the issuer claim.
type TokenIssuer struct {
	key    string
	secret string

	now func() time.Time
}

// NewTokenIssuer returns an issuer for the given credentials.
func NewTokenIssuer(key, secret string) *TokenIssuer {
	return &TokenIssuer{key: key, secret: secret, now: time.Now}
}

// Issue signs a new token. A signing failure is fatal to the run: without
// auth no request can be made.
func (t *TokenIssuer) Issue() (string, error) {
	if t.key == "" || t.secret == "" {
		return "", fmt.Errorf("zoomapi: API key and secret are required")
	}

	claims := jwt.MapClaims{
		"iss": t.key,
		"exp": t.now().Add(tokenLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.secret))
	if err != nil {
		return "", fmt.Errorf("zoomapi: sign token: %w", err)
	}
	return signed, nil
}
