// Package engine wires the session store, profile cache and classifier into
// one explicitly constructed context shared by the gate and the poller.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paygate/internal/entitlement"
	"paygate/internal/identity"
	"paygate/internal/observability"
	"paygate/internal/profile"
	"paygate/internal/reconcile"
	"paygate/internal/session"
)

var ErrNoSession = errors.New("no session")

type Deps struct {
	Identity  identity.Provider
	Profiles  profile.Reader
	Feed      profile.ChangeFeed
	Policy    entitlement.Policy
	Reconcile reconcile.Config
	Observer  *observability.Observer
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Context struct {
	Session   *session.Store
	Profile   *profile.Cache
	Policy    entitlement.Policy
	Reconcile reconcile.Config
	Observer  *observability.Observer
	Logger    zerolog.Logger
	Now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	stopWatch func()
	closed    bool
}

// New builds a context whose background work ends with parent or Close.
func New(parent context.Context, deps Deps) *Context {
	ctx, cancel := context.WithCancel(parent)
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	c := &Context{
		Profile:   profile.NewCache(deps.Profiles, deps.Feed, deps.Observer, deps.Logger),
		Policy:    deps.Policy,
		Reconcile: deps.Reconcile,
		Observer:  deps.Observer,
		Logger:    deps.Logger,
		Now:       now,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.Session = session.New(deps.Identity, session.Hooks{
		OnAcquired: c.sessionAcquired,
		OnCleared:  c.sessionCleared,
	}, deps.Logger)
	return c
}

// Start performs the initial session lookup.
func (c *Context) Start(ctx context.Context) {
	c.Session.Start(ctx)
}

func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Session.Close()
	c.stopWatching()
	c.cancel()
	c.wg.Wait()
}

// sessionAcquired runs inside the session transition, so the cache switches
// actors in the same order as the session does. The fetch does not wait for
// the change feed to connect.
func (c *Context) sessionAcquired(actorID string) {
	c.stopWatching()
	c.Profile.Select(actorID)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(2)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.watch(actorID)
	}()
	go func() {
		defer c.wg.Done()
		if c.Session.ActorID() != actorID {
			return
		}
		// Observer already records failures; the cache stays as it was.
		_ = c.Profile.Fetch(c.ctx, actorID)
	}()
}

func (c *Context) sessionCleared() {
	c.stopWatching()
	c.Profile.Clear()
}

func (c *Context) watch(actorID string) {
	stop, err := c.Profile.Watch(c.ctx, actorID)
	if err != nil {
		c.Logger.Warn().Err(err).Str("actor_id", actorID).Msg("profile change feed unavailable")
		return
	}
	c.mu.Lock()
	if c.closed || c.stopWatch != nil || c.Session.ActorID() != actorID {
		c.mu.Unlock()
		stop()
		return
	}
	c.stopWatch = stop
	c.mu.Unlock()
}

func (c *Context) stopWatching() {
	c.mu.Lock()
	stop := c.stopWatch
	c.stopWatch = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Context) ActorID() string {
	return c.Session.ActorID()
}

// Classify evaluates the current actor's entitlement at c.Now(). It is never
// cached. Without a session the actor is Unauthenticated; a profile not yet
// loaded for the current actor is Unknown.
func (c *Context) Classify() entitlement.State {
	actorID := c.Session.ActorID()
	if actorID == "" {
		return entitlement.State{Kind: entitlement.Unauthenticated}
	}
	if c.Profile.ActorID() != actorID {
		return entitlement.State{Kind: entitlement.Unknown}
	}
	rec, _ := c.Profile.Snapshot()
	return c.Policy.Classify(rec, c.Now())
}

// Ready reports whether the gate has everything it can wait for: the initial
// session lookup is done and, with a session, the profile fetch completed.
func (c *Context) Ready() bool {
	if c.Session.Initializing() {
		return false
	}
	actorID := c.Session.ActorID()
	if actorID == "" {
		return true
	}
	_, loaded := c.Profile.Snapshot()
	return loaded && c.Profile.ActorID() == actorID
}

// WaitReady blocks until Ready or ctx ends.
func (c *Context) WaitReady(ctx context.Context) error {
	for {
		sessionChanged := c.Session.Changes()
		profileChanged := c.Profile.Changes()
		if c.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sessionChanged:
		case <-profileChanged:
		}
	}
}

// Refresh re-reads the current actor's profile.
func (c *Context) Refresh(ctx context.Context) error {
	actorID := c.Session.ActorID()
	if actorID == "" {
		return ErrNoSession
	}
	return c.Profile.Refresh(ctx, actorID)
}

// NewPoller builds an idle reconciliation poller for actorID that refreshes
// through this context's cache.
func (c *Context) NewPoller(actorID string) *reconcile.Poller {
	return reconcile.New(reconcile.Options{
		ActorID:   actorID,
		Refresher: c.Profile,
		Classify:  c.Classify,
		Wake:      c.Profile.Changes,
		Config:    c.Reconcile,
		Observer:  c.Observer,
		Logger:    c.Logger,
	})
}
