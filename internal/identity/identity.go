// Package identity defines the authentication contract the connection
// endpoint calls at WebSocket handshake time. Per the specification's
// scope boundary (§1), issuing and validating credentials belongs to an
// external auth/invite layer; this package only states the interface and
// ships a couple of trivial implementations for local/standalone use.
package identity

import (
	"context"
	"errors"
	"sync"

	"odin-term/internal/authority"
	"odin-term/internal/session"
)

// ErrInvalidToken is returned by Resolver.Resolve when the presented
// token is malformed, expired, or unknown.
var ErrInvalidToken = errors.New("identity: invalid token")

// Resolver authenticates a connection, producing the Principal the
// connection endpoint attaches to every Subscriber it opens.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*session.Principal, error)
}

// StaticResolver is an in-memory Resolver keyed by opaque bearer token,
// useful for local development and tests. A production deployment
// backs Resolver with the external identity/invite collaborator instead.
type StaticResolver struct {
	mu    sync.RWMutex
	users map[string]*session.Principal
}

// NewStaticResolver creates an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{users: make(map[string]*session.Principal)}
}

// Register associates a bearer token with a principal.
func (r *StaticResolver) Register(token string, principal *session.Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[token] = principal
}

func (r *StaticResolver) Resolve(_ context.Context, token string) (*session.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.users[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return p, nil
}

// NewDemoResolver seeds a StaticResolver with one principal per role,
// keyed by a token equal to the role name, for local exploration without
// a real identity provider wired in.
func NewDemoResolver() *StaticResolver {
	r := NewStaticResolver()
	r.Register("viewer", &session.Principal{UserID: "demo-viewer", DisplayName: "Viewer", Role: authority.RoleViewer})
	r.Register("operator", &session.Principal{UserID: "demo-operator", DisplayName: "Operator", Role: authority.RoleOperator})
	r.Register("admin", &session.Principal{UserID: "demo-admin", DisplayName: "Admin", Role: authority.RoleAdmin})
	r.Register("owner", &session.Principal{UserID: "demo-owner", DisplayName: "Owner", Role: authority.RoleOwner})
	return r
}
