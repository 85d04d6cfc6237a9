// Package identity supplies the authenticated session for an actor.
package identity

import (
	"context"
	"errors"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

// Session is an authenticated identity. It carries no entitlement data.
type Session struct {
	ActorID   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Provider is the identity collaborator consumed by the session store.
// OnSessionChange handlers receive nil on sign-out or expiry.
type Provider interface {
	CurrentSession(ctx context.Context) (*Session, error)
	OnSessionChange(fn func(*Session)) (unsubscribe func())
}

type sessionContextKey struct{}

func WithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(Session)
	return session, ok
}
