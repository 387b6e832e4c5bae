// Package auth verifies bearer tokens and resolves them to a chat identity.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier resolves an opaque token to the claims of the identity it was
// issued for.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// CredentialFromRequest extracts a token from an HTTP request. The
// Authorization bearer header wins over the ?token= query parameter (browsers
// cannot set headers on WebSocket upgrades).
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", ErrInvalidCredentials
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return "", ErrMissingCredentials
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
