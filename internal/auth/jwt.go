package auth

import (
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"threadhub/internal/apperr"
)

// BearerVerifier validates HS256 bearer tokens. A request is admitted either
// through the signed-parameter path or this one, never both; the endpoint
// configuration picks exactly one.
type BearerVerifier struct {
	secret []byte
}

// NewBearerVerifier builds a bearer-token verifier with the JWT secret.
func NewBearerVerifier(secret string) *BearerVerifier {
	return &BearerVerifier{secret: []byte(secret)}
}

// VerifySubject validates the token and returns its subject claim.
func (v *BearerVerifier) VerifySubject(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.AuthFailed("bearer token missing")
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", apperr.Wrap(apperr.CodeAuthFailed, "invalid bearer token", err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", apperr.AuthFailed("token subject missing")
	}
	return subject, nil
}
