package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims are the claims the gateway cares about. The preferred username
// is the chat userId; sub is the fallback for issuers that do not set it.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// JWKSVerifier validates bearer JWTs against the identity service's JWKS
// endpoint, caching and refreshing keys in the background.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches the JWKS with retries (the identity service may
// still be starting) and returns a verifier bound to the expected issuer.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	slog.Info("Initializing JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for identity service JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

// VerifyToken implements TokenVerifier.
func (v *JWKSVerifier) VerifyToken(_ context.Context, tokenString string) (string, bool) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", false
	}

	userId := claims.PreferredUsername
	if userId == "" {
		userId = claims.Subject
	}
	if userId == "" {
		return "", false
	}
	return userId, true
}

// Close stops the JWKS background refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}
