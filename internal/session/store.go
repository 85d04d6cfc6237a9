// Package session tracks whether an authenticated session exists and whether
// the first lookup against the identity provider has completed.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"paygate/internal/identity"
	"paygate/internal/watch"
)

// Hooks run on session transitions. OnAcquired fires when a session appears
// or the actor changes; OnCleared fires when the session goes away. Token
// refreshes for the same actor fire neither. Hooks run serialized and must
// not block.
type Hooks struct {
	OnAcquired func(actorID string)
	OnCleared  func()
}

type Store struct {
	provider identity.Provider
	hooks    Hooks
	logger   zerolog.Logger

	// transitionMu orders transitions and their hooks; mu guards the cells.
	transitionMu sync.Mutex
	mu           sync.Mutex
	current      *identity.Session
	initializing bool
	sawEvent     bool
	started      bool
	unsubscribe  func()

	changes watch.Signal
}

func New(provider identity.Provider, hooks Hooks, logger zerolog.Logger) *Store {
	return &Store{
		provider:     provider,
		hooks:        hooks,
		logger:       logger,
		initializing: true,
	}
}

// Start subscribes to session changes and performs the initial lookup.
// Initializing reports false once the lookup returns, whatever its outcome.
// A lookup failure counts as no session.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	unsubscribe := s.provider.OnSessionChange(s.handleChange)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	current, err := s.provider.CurrentSession(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session lookup failed")
		current = nil
	}

	s.transitionMu.Lock()
	s.mu.Lock()
	// A change pushed while the lookup was running is newer than its result.
	stale := s.sawEvent
	s.mu.Unlock()
	if !stale {
		s.transition(current)
	}
	s.mu.Lock()
	s.initializing = false
	s.mu.Unlock()
	s.transitionMu.Unlock()

	s.changes.Notify()
}

func (s *Store) handleChange(next *identity.Session) {
	s.transitionMu.Lock()
	s.mu.Lock()
	s.sawEvent = true
	s.mu.Unlock()
	s.transition(next)
	s.transitionMu.Unlock()

	s.changes.Notify()
}

// transition must be called with transitionMu held.
func (s *Store) transition(next *identity.Session) {
	if next != nil {
		copied := *next
		next = &copied
	}

	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	switch {
	case next != nil && (prev == nil || prev.ActorID != next.ActorID):
		s.logger.Debug().Str("actor_id", next.ActorID).Msg("session acquired")
		if s.hooks.OnAcquired != nil {
			s.hooks.OnAcquired(next.ActorID)
		}
	case next == nil && prev != nil:
		s.logger.Debug().Str("actor_id", prev.ActorID).Msg("session cleared")
		if s.hooks.OnCleared != nil {
			s.hooks.OnCleared()
		}
	}
}

func (s *Store) HasSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Store) Initializing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializing
}

// Current returns a copy of the current session, or nil.
func (s *Store) Current() *identity.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	out := *s.current
	return &out
}

func (s *Store) ActorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.ActorID
}

// Changes returns a channel closed on the next session change or when the
// initial lookup completes.
func (s *Store) Changes() <-chan struct{} {
	return s.changes.C()
}

func (s *Store) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
