// Package auth implements the authentication checks spec.md §6 requires of
// both the control surface (token header/bearer, every request) and the
// streaming surface (token query parameter, upgrade-time only).
//
// Grounded on Hyper-Int-OrcaBot/internal/auth/auth.go's Middleware shape
// (X-Internal-Token header, Authorization: Bearer fallback,
// RequireAuth/RequireAuthFunc wrappers). The teacher compares tokens with
// plain "==". Spec.md §6/§8 explicitly requires constant-time comparison,
// so that comparison is replaced with crypto/subtle.ConstantTimeCompare —
// padded to equal length first by hashing both sides with crypto/sha256,
// since ConstantTimeCompare itself returns false (not constant-time) for
// operands of different length, and the request-supplied token's length
// must not leak through timing either.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware enforces the configured auth token on every wrapped request.
type Middleware struct {
	token string
}

// NewMiddleware builds a Middleware comparing against token.
func NewMiddleware(token string) *Middleware {
	return &Middleware{token: token}
}

// Equal reports whether candidate matches the configured token, in time
// independent of where the two strings first differ or of candidate's
// length.
func Equal(token, candidate string) bool {
	a := sha256.Sum256([]byte(token))
	b := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// RequireAuth wraps an http.Handler and requires a valid token (spec §6:
// "Every request carries an authentication token ... missing/invalid →
// 401").
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) isAuthenticated(r *http.Request) bool {
	if m.token == "" {
		return false
	}
	if tok := r.Header.Get("X-Internal-Token"); tok != "" {
		return Equal(m.token, tok)
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	return Equal(m.token, parts[1])
}

// CheckQueryToken implements the streaming surface's authentication step
// (spec §6: "Upgrade path /ws with token in a query parameter, validated
// with constant-time comparison; failure responds with a 401 status line
// and closes").
func (m *Middleware) CheckQueryToken(r *http.Request) bool {
	if m.token == "" {
		return false
	}
	return Equal(m.token, r.URL.Query().Get("token"))
}
