// Package security implements the HTTP-layer ambient concerns named in
// spec §6 as the gateway's upward contract: a single shared-secret bearer
// auth check, plus an ingress-side rate limiter distinct from the
// provider-scoped limiter the router owns.
package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthResult is returned by Authenticator.Check; it never panics or throws — callers
// map Reason to the 401 response body.
type AuthResult struct {
	OK     bool
	Reason string // "missing" | "bad format" | "invalid"
}

// Authenticator checks the Authorization header against a single
// configured shared secret. If no secret is configured, auth is skipped
// entirely (every request passes), matching spec §6.
type Authenticator struct {
	secret string
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

func (a *Authenticator) Enabled() bool { return a.secret != "" }

func (a *Authenticator) Check(r *http.Request) AuthResult {
	if !a.Enabled() {
		return AuthResult{OK: true}
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return AuthResult{OK: false, Reason: "missing"}
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return AuthResult{OK: false, Reason: "bad format"}
	}

	token := strings.TrimPrefix(header, prefix)
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		return AuthResult{OK: false, Reason: "invalid"}
	}

	return AuthResult{OK: true}
}
