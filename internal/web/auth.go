package web

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken indicates a missing or mismatched API token.
var ErrInvalidToken = errors.New("invalid api token")

// TokenGuard checks the bearer token sent with API calls.
type TokenGuard struct {
	token string
}

// NewTokenGuard creates a guard for token. An empty token disables it.
func NewTokenGuard(token string) *TokenGuard {
	return &TokenGuard{token: strings.TrimSpace(token)}
}

// Enabled indicates whether a token is required.
func (g *TokenGuard) Enabled() bool {
	return g != nil && g.token != ""
}

// Validate compares token with the configured one in constant time.
func (g *TokenGuard) Validate(token string) error {
	if !g.Enabled() {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects requests without a valid token.
func (g *TokenGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Validate(extractToken(r)); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken reads the bearer header, falling back to the token query
// parameter browsers use for websocket upgrades.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("token")
}
