// Package auth adapts the JSON Web Token issuing/verification pattern
// from the pack's WebSocket servers into a concrete identity.Resolver:
// it turns a bearer token into the session.Principal the connection
// endpoint attaches to every Subscriber it opens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"odin-term/internal/authority"
	"odin-term/internal/identity"
	"odin-term/internal/session"
)

// Claims is the JWT payload minted and verified by Manager. Role is
// carried as its string name on the wire and parsed back to
// authority.Role at verification time, per the invariant that Role never
// serializes as a raw integer.
type Claims struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	AvatarHint  string `json:"avatarHint,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and verifies HMAC-signed tokens for the terminal-sharing
// server. It implements identity.Resolver directly, so it can be handed
// to the connection endpoint in place of a StaticResolver.
type Manager struct {
	secretKey     []byte
	tokenDuration time.Duration
	issuer        string
}

var _ identity.Resolver = (*Manager)(nil)

// NewManager builds a Manager. secretKey must be non-empty; callers
// should source it from config, never hardcode it.
func NewManager(secretKey string, tokenDuration time.Duration) *Manager {
	return &Manager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		issuer:        "odin-term",
	}
}

// Generate mints a signed token for the given identity.
func (m *Manager) Generate(userID, displayName, roleName, avatarHint string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		Role:        roleName,
		AvatarHint:  avatarHint,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates tokenString and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, identity.ErrInvalidToken
	}
	return claims, nil
}

// Resolve implements identity.Resolver by verifying token and projecting
// its claims onto a session.Principal.
func (m *Manager) Resolve(_ context.Context, token string) (*session.Principal, error) {
	claims, err := m.Verify(token)
	if err != nil {
		return nil, identity.ErrInvalidToken
	}
	return &session.Principal{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		Role:        authority.ParseRole(claims.Role),
		AvatarHint:  claims.AvatarHint,
	}, nil
}

// ExtractTokenFromHeader pulls a bearer token out of the Authorization
// header of an HTTP request.
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}

// ExtractTokenFromQuery pulls a token out of the ?token= query parameter,
// the common shape for WebSocket handshakes that can't set headers from
// a browser's native WebSocket client.
func ExtractTokenFromQuery(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", errors.New("token query parameter missing")
	}
	return token, nil
}

// TokenFromRequest tries the query parameter first (the WebSocket case),
// then falls back to the Authorization header (the REST case).
func TokenFromRequest(r *http.Request) (string, error) {
	if token, err := ExtractTokenFromQuery(r); err == nil {
		return token, nil
	}
	return ExtractTokenFromHeader(r)
}
