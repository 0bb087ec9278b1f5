package auth

import "context"

// StaticVerifier maps fixed tokens to userIds. For local development and
// tests only; production runs the JWKS verifier.
type StaticVerifier struct {
	Tokens map[string]string // token -> userId
}

// VerifyToken implements TokenVerifier.
func (v *StaticVerifier) VerifyToken(_ context.Context, token string) (string, bool) {
	userId, ok := v.Tokens[token]
	return userId, ok
}
