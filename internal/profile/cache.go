// Package profile holds the subscription record of the current actor.
//
// The current actor is chosen with Select; reads for any other actor are
// discarded. Cache allows at most one in-flight read per actor: overlapping
// Fetch calls for the same actor are dropped rather than queued, and the most
// recent completed read overwrites the slot. The optional change feed applies
// partial updates directly, bypassing the store.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paygate/internal/entitlement"
	"paygate/internal/observability"
	"paygate/internal/store"
	"paygate/internal/watch"
)

var ErrProfileFetch = errors.New("profile fetch failed")

// Reader is the profile store read contract. A missing profile is reported
// as store.ErrNotFound.
type Reader interface {
	ReadSubscription(ctx context.Context, actorID string) (*entitlement.SubscriptionRecord, error)
}

// ChangeFeed pushes record updates for one actor until unsubscribed.
type ChangeFeed interface {
	OnRecordChanged(ctx context.Context, actorID string, fn func(Update)) (func(), error)
}

// Update is a partial overwrite of a record. Nil fields are left untouched.
type Update struct {
	ActorID       string
	Tier          *entitlement.Tier
	Status        *entitlement.Status
	TrialEnd      *time.Time
	ClearTrialEnd bool
	ChangedAt     time.Time
}

// FullUpdate describes every field of rec, so applying it replaces the
// cached record.
func FullUpdate(rec entitlement.SubscriptionRecord) Update {
	tier := rec.Tier
	status := rec.Status
	upd := Update{
		ActorID:   rec.ActorID,
		Tier:      &tier,
		Status:    &status,
		ChangedAt: rec.UpdatedAt,
	}
	if rec.TrialEnd != nil {
		end := *rec.TrialEnd
		upd.TrialEnd = &end
	} else {
		upd.ClearTrialEnd = true
	}
	return upd
}

type Cache struct {
	reader   Reader
	feed     ChangeFeed
	observer *observability.Observer
	logger   zerolog.Logger

	mu         sync.Mutex
	actorID    string
	record     *entitlement.SubscriptionRecord
	loaded     bool
	generation uint64
	inflight   map[string]struct{}

	changes watch.Signal
}

// NewCache builds a cache over reader. feed may be nil when the profile store
// offers no push channel.
func NewCache(reader Reader, feed ChangeFeed, observer *observability.Observer, logger zerolog.Logger) *Cache {
	return &Cache{
		reader:   reader,
		feed:     feed,
		observer: observer,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Select makes actorID the current actor. Switching to a different actor
// drops the cached record and discards reads still in flight; selecting the
// current actor again is a no-op.
func (c *Cache) Select(actorID string) {
	c.mu.Lock()
	if c.actorID == actorID {
		c.mu.Unlock()
		return
	}
	c.actorID = actorID
	c.record = nil
	c.loaded = false
	c.generation++
	c.mu.Unlock()
	c.changes.Notify()
}

// Fetch reads the record for actorID and replaces the cached value. It is a
// no-op while another fetch for the same actor is running, and for any actor
// other than the selected one. Failures leave the cache untouched and are
// returned wrapped in ErrProfileFetch.
func (c *Cache) Fetch(ctx context.Context, actorID string) error {
	if actorID == "" {
		return fmt.Errorf("%w: missing actor id", ErrProfileFetch)
	}

	c.mu.Lock()
	if c.actorID != actorID {
		c.mu.Unlock()
		c.observer.RecordFetch(actorID, "stale", nil)
		return nil
	}
	if _, busy := c.inflight[actorID]; busy {
		c.mu.Unlock()
		c.observer.RecordFetch(actorID, "skipped", nil)
		return nil
	}
	c.inflight[actorID] = struct{}{}
	gen := c.generation
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, actorID)
		c.mu.Unlock()
	}()

	rec, err := c.reader.ReadSubscription(ctx, actorID)
	notFound := errors.Is(err, store.ErrNotFound)
	if err != nil && !notFound {
		c.observer.RecordFetch(actorID, "error", err)
		return fmt.Errorf("%w: %w", ErrProfileFetch, err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.observer.RecordFetch(actorID, "stale", nil)
		return nil
	}
	if notFound {
		c.record = nil
	} else {
		c.record = rec.Clone()
	}
	c.loaded = true
	c.mu.Unlock()

	if notFound {
		c.observer.RecordFetch(actorID, "not_found", nil)
	} else {
		c.observer.RecordFetch(actorID, "ok", nil)
	}
	c.changes.Notify()
	return nil
}

// Refresh is Fetch under the name used by manual retries and the
// reconciliation poller.
func (c *Cache) Refresh(ctx context.Context, actorID string) error {
	return c.Fetch(ctx, actorID)
}

// Apply overwrites the fields present in upd when it targets the current
// actor. It reports whether the cache changed.
func (c *Cache) Apply(upd Update) bool {
	c.mu.Lock()
	if upd.ActorID == "" || upd.ActorID != c.actorID {
		c.mu.Unlock()
		return false
	}

	next := entitlement.SubscriptionRecord{ActorID: upd.ActorID}
	if c.record != nil {
		next = *c.record.Clone()
	}
	if upd.Tier != nil {
		next.Tier = *upd.Tier
	}
	if upd.Status != nil {
		next.Status = *upd.Status
	}
	switch {
	case upd.ClearTrialEnd:
		next.TrialEnd = nil
	case upd.TrialEnd != nil:
		end := *upd.TrialEnd
		next.TrialEnd = &end
	}
	if !upd.ChangedAt.IsZero() {
		next.UpdatedAt = upd.ChangedAt
	}
	c.record = &next
	c.loaded = true
	c.mu.Unlock()

	c.logger.Debug().Str("actor_id", upd.ActorID).Msg("profile updated from change feed")
	c.changes.Notify()
	return true
}

// Watch subscribes the cache to the change feed for actorID. Without a feed
// it returns a no-op unsubscribe.
func (c *Cache) Watch(ctx context.Context, actorID string) (func(), error) {
	if c.feed == nil {
		return func() {}, nil
	}
	return c.feed.OnRecordChanged(ctx, actorID, func(upd Update) {
		c.Apply(upd)
	})
}

// Clear drops the cached record. Reads still in flight are discarded when
// they complete.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.actorID = ""
	c.record = nil
	c.loaded = false
	c.generation++
	c.mu.Unlock()
	c.changes.Notify()
}

// Snapshot returns a copy of the cached record and whether a fetch has
// completed for the current actor. A loaded cache may still hold a nil
// record when the actor has no profile.
func (c *Cache) Snapshot() (*entitlement.SubscriptionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Clone(), c.loaded
}

func (c *Cache) ActorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actorID
}

// Changes returns a channel closed on the next cache change.
func (c *Cache) Changes() <-chan struct{} {
	return c.changes.C()
}
