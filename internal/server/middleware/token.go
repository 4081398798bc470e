package middleware

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MintToken issues a short-lived HS256 token accepted by TokenAuth.
// The control panel's session endpoint calls this after its own login
// check so the browser can authenticate the WebSocket upgrade.
func MintToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
