package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallbackAudience is the audience of completion webhook tokens.
const CallbackAudience = "stargate-callback"

// CallbackClaims identify the generation backend calling the webhook.
type CallbackClaims struct {
	jwt.RegisteredClaims
}

// SignCallbackToken issues an HS256 token for a generation backend. A zero
// ttl issues a token without expiry.
func SignCallbackToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := CallbackClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject,
		Audience: jwt.ClaimStrings{CallbackAudience},
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// CallbackAuth validates bearer tokens on the completion webhook.
type CallbackAuth struct {
	secret []byte
}

func NewCallbackAuth(secret []byte) *CallbackAuth {
	return &CallbackAuth{secret: secret}
}

// Validate parses and verifies a token.
func (a *CallbackAuth) Validate(tokenStr string) (*CallbackClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("callback secret not configured")
	}
	claims := &CallbackClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(CallbackAudience),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token. With no
// secret configured every request is rejected.
func (a *CallbackAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenStr == "" {
			WriteUnauthorized(w, r, "")
			return
		}
		if _, err := a.Validate(tokenStr); err != nil {
			WriteUnauthorized(w, r, "invalid callback token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
