// Package auth implements the VerifyToken capability the gateway consumes.
// Token issuance lives in the external identity service; the gateway only
// validates bearer tokens and extracts the user identity.
package auth

import "context"

// TokenVerifier is the narrow capability the connection layer calls on AUTH.
type TokenVerifier interface {
	// VerifyToken returns the authenticated userId, or ok=false for any
	// invalid, expired or unparseable token.
	VerifyToken(ctx context.Context, token string) (userId string, ok bool)
}
