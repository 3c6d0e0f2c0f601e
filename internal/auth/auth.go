// Package auth issues and verifies the bearer tokens used on the HTTP
// and WebSocket surfaces.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quizarena/quizarena/internal/apperr"
)

// Roles recognized on protected routes.
const (
	RoleUser       = "USER"
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
)

// Claims is the signed token payload.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 access tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewTokens builds a token service. ttl defaults to one hour.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, issuer: "quizarena"}
}

// Issue signs a token for the user.
func (t *Tokens) Issue(userID, role string, now time.Time) (string, error) {
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "TOKEN_SIGN_FAILED", "could not sign token", err)
	}
	return signed, nil
}

// Verify parses and validates a token string, returning its claims.
func (t *Tokens) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.New(apperr.KindAuthRequired, "TOKEN_BAD_ALG", "unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthRequired, "TOKEN_INVALID", "invalid or expired token", err)
	}
	if !token.Valid {
		return nil, apperr.New(apperr.KindAuthRequired, "TOKEN_INVALID", "invalid or expired token")
	}
	return claims, nil
}

// ExpiresSoon reports whether the token is within the reauth window.
// Push connections ask for a fresh token when this turns true.
func (c *Claims) ExpiresSoon(now time.Time, window time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Time.Sub(now) <= window
}

// FromBearer extracts the raw token from an Authorization header value.
func FromBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return raw, raw != ""
}

// RoleAtLeast reports whether got satisfies the want requirement.
// SUPER_ADMIN satisfies ADMIN; ADMIN satisfies USER.
func RoleAtLeast(got, want string) bool {
	rank := map[string]int{RoleUser: 0, RoleAdmin: 1, RoleSuperAdmin: 2}
	g, okG := rank[got]
	w, okW := rank[want]
	return okG && okW && g >= w
}
