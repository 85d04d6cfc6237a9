package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TokenSource is a Provider backed by a verified bearer token. Callers sign
// in, refresh and sign out; listeners see each change in order.
type TokenSource struct {
	verifier *Verifier
	Now      func() time.Time

	mu        sync.Mutex
	session   *Session
	listeners map[int]func(*Session)
	nextID    int
	notifyMu  sync.Mutex
}

func NewTokenSource(verifier *Verifier) *TokenSource {
	return &TokenSource{
		verifier:  verifier,
		Now:       func() time.Time { return time.Now().UTC() },
		listeners: make(map[int]func(*Session)),
	}
}

// CurrentSession returns the active session, or nil when signed out or the
// token has expired.
func (s *TokenSource) CurrentSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	if !s.session.ExpiresAt.IsZero() && !s.session.ExpiresAt.After(s.Now()) {
		return nil, nil
	}
	out := *s.session
	return &out, nil
}

func (s *TokenSource) OnSessionChange(fn func(*Session)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// SignIn verifies token and makes it the current session.
func (s *TokenSource) SignIn(token string) (Session, error) {
	if s.verifier == nil {
		return Session{}, errors.New("token source has no verifier")
	}
	session, err := s.verifier.Verify(token)
	if err != nil {
		return Session{}, err
	}
	s.set(&session)
	return session, nil
}

// Refresh replaces the current token. A refreshed token for the same actor
// is still announced so listeners can observe the new expiry.
func (s *TokenSource) Refresh(token string) (Session, error) {
	return s.SignIn(token)
}

func (s *TokenSource) SignOut() {
	s.set(nil)
}

func (s *TokenSource) set(session *Session) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if session == nil && s.session == nil {
		s.mu.Unlock()
		return
	}
	s.session = session
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		if session == nil {
			fn(nil)
			continue
		}
		out := *session
		fn(&out)
	}
}

// RevocationFeed announces server-side session revocations for an actor.
type RevocationFeed interface {
	OnSessionRevoked(ctx context.Context, actorID string, fn func()) (func(), error)
}

// WatchRevocations signs src out when the feed revokes the current actor's
// sessions. It must be called after SignIn.
func WatchRevocations(ctx context.Context, feed RevocationFeed, src *TokenSource, logger zerolog.Logger) (func(), error) {
	current, err := src.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrUnauthorized
	}
	actorID := current.ActorID
	return feed.OnSessionRevoked(ctx, actorID, func() {
		session, err := src.CurrentSession(context.Background())
		if err != nil || session == nil || session.ActorID != actorID {
			return
		}
		logger.Info().Str("actor_id", actorID).Msg("session revoked")
		src.SignOut()
	})
}
