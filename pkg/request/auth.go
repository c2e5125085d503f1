package request

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType is the authorization scheme a request uses.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthOther  AuthType = "other"
)

// AuthInfo describes the Authorization header of a request.
type AuthInfo struct {
	Type     AuthType     `json:"type"`
	Username string       `json:"username,omitempty"`
	Token    string       `json:"-"`
	Claims   *TokenClaims `json:"claims,omitempty"`
}

// TokenClaims are the registered claims of a bearer JWT. They are read
// without signature verification and only used for display.
type TokenClaims struct {
	Subject   string    `json:"subject,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token expired before now.
func (c *TokenClaims) Expired(now time.Time) bool {
	return c != nil && !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func (r *CapturedRequest) BearerToken() (string, bool) {
	_, value, ok := r.Header("Authorization")
	if !ok || !strings.HasPrefix(value, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(value, "Bearer "))
	return token, token != ""
}

// Auth inspects the Authorization header.
func (r *CapturedRequest) Auth() AuthInfo {
	_, value, ok := r.Header("Authorization")
	if !ok || strings.TrimSpace(value) == "" {
		return AuthInfo{Type: AuthNone}
	}
	scheme, credentials, _ := strings.Cut(strings.TrimSpace(value), " ")
	switch strings.ToLower(scheme) {
	case "basic":
		info := AuthInfo{Type: AuthBasic}
		if decoded, err := base64.StdEncoding.DecodeString(credentials); err == nil {
			info.Username, _, _ = strings.Cut(string(decoded), ":")
		}
		return info
	case "bearer":
		token := strings.TrimSpace(credentials)
		return AuthInfo{Type: AuthBearer, Token: token, Claims: parseClaims(token)}
	default:
		return AuthInfo{Type: AuthOther}
	}
}

func parseClaims(token string) *TokenClaims {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	out := &TokenClaims{}
	out.Subject, _ = claims.GetSubject()
	out.Issuer, _ = claims.GetIssuer()
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out
}
