// Package identity models the authentication/session collaborator: who is
// signed in, under which display label, and with which role.
package identity

import (
	"context"
	"errors"
	"time"
)

// Role is the access level of a user account.
type Role string

const (
	// RoleAdmin may change the catalog.
	RoleAdmin Role = "admin"
	// RoleUser may read the catalog and build tickets.
	RoleUser Role = "user"
)

// fallbackLabel is shown when an identity has neither display name nor e-mail.
const fallbackLabel = "Unbekannt"

var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrUnknownSession     = errors.New("identity: unknown session")
	ErrEmailTaken         = errors.New("identity: e-mail already registered")
)

// Identity is the signed-in user as seen by the lock and catalog components.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Label returns the name shown to other users, e.g. as lock owner.
func (i Identity) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	if i.Email != "" {
		return i.Email
	}
	return fallbackLabel
}

// Session binds an opaque token to an identity.
type Session struct {
	Token     string    `json:"token"`
	Identity  Identity  `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider is the authentication backend.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (Identity, error)
	SignOut(ctx context.Context, token string) error
	// Current resolves a session token.
	Current(ctx context.Context, token string) (Session, error)
	Role(ctx context.Context, userID string) (Role, error)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by NewContext, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
