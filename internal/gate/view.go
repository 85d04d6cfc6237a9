package gate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paygate/internal/engine"
	"paygate/internal/reconcile"
	"paygate/internal/watch"
)

type Gate struct {
	engine *engine.Context
	cfg    Config
	logger zerolog.Logger
}

func New(ec *engine.Context, cfg Config) *Gate {
	return &Gate{engine: ec, cfg: cfg, logger: ec.Logger}
}

// Evaluate decides once for nav without mounting a view. A checkout signal
// yields ShowVerifying but starts no poller.
func (g *Gate) Evaluate(nav Navigation) Decision {
	ec := g.engine
	d := Evaluate(g.cfg, Inputs{
		Initializing:    ec.Session.Initializing(),
		HasSession:      ec.Session.HasSession(),
		Entitlement:     ec.Classify(),
		Destination:     nav.Destination,
		CheckoutSuccess: nav.CheckoutSuccess,
	})
	ec.Observer.RecordDecision(ec.ActorID(), string(d.Kind), d.Reason)
	return d
}

// View is one mounted navigation. It owns the minimum-loading timer and at
// most one reconciliation poller; Close releases both.
type View struct {
	ID string

	gate *Gate
	nav  Navigation
	ctx  context.Context

	mu            sync.Mutex
	cancel        context.CancelFunc
	floorTimer    *time.Timer
	floorElapsed  bool
	floor         watch.Signal
	signalUsed    bool
	poller        *reconcile.Poller
	pollerActorID string
	last          Decision
	closed        bool
	stopAfter     func() bool
}

// Mount starts a view for nav. The view closes itself when ctx ends.
func (g *Gate) Mount(ctx context.Context, nav Navigation) *View {
	viewCtx, cancel := context.WithCancel(ctx)
	v := &View{
		ID:     uuid.NewString(),
		gate:   g,
		nav:    nav,
		ctx:    viewCtx,
		cancel: cancel,
	}
	if g.cfg.MinLoading > 0 {
		v.floorTimer = time.AfterFunc(g.cfg.MinLoading, v.floorDone)
	} else {
		v.floorElapsed = true
	}
	stopAfter := context.AfterFunc(viewCtx, v.Close)
	v.mu.Lock()
	v.stopAfter = stopAfter
	v.mu.Unlock()
	return v
}

func (v *View) floorDone() {
	v.mu.Lock()
	v.floorElapsed = true
	v.mu.Unlock()
	v.floor.Notify()
}

// Decide evaluates the view. The first ShowVerifying arms a poller for this
// navigation; while it is active the view never falls back to the paywall.
func (v *View) Decide() Decision {
	ec := v.gate.engine

	v.mu.Lock()
	actorID := ec.ActorID()
	in := Inputs{
		Initializing:    ec.Session.Initializing(),
		HasSession:      ec.Session.HasSession(),
		Entitlement:     ec.Classify(),
		Destination:     v.nav.Destination,
		CheckoutSuccess: v.nav.CheckoutSuccess && !v.signalUsed,
	}

	var cancelPoller *reconcile.Poller
	var timedOut bool
	if v.poller != nil {
		switch v.poller.State() {
		case reconcile.StateActive:
			if actorID == v.pollerActorID {
				in.Verifying = true
			} else {
				cancelPoller = v.poller
			}
		case reconcile.StateTimedOut:
			timedOut = true
		}
	}

	d := Evaluate(v.gate.cfg, in)
	if d.Kind == Redirect && in.Verifying {
		cancelPoller = v.poller
	}
	if d.Kind == Redirect && d.Reason == ReasonUnpaid && timedOut {
		d.Reason = ReasonTimedOut
	}

	var startPoller *reconcile.Poller
	if d.Kind == ShowVerifying && v.poller == nil && !v.closed {
		v.signalUsed = true
		v.poller = ec.NewPoller(actorID)
		v.pollerActorID = actorID
		startPoller = v.poller
	}

	if !v.floorElapsed {
		d = Decision{Kind: ShowLoading, Reason: ReasonMinLoading, Entitlement: d.Entitlement}
	}
	changed := d != v.last
	v.last = d
	v.mu.Unlock()

	if cancelPoller != nil {
		cancelPoller.Cancel()
	}
	if startPoller != nil {
		if err := startPoller.Start(v.ctx); err != nil {
			v.gate.logger.Warn().Err(err).Str("view_id", v.ID).Msg("start reconcile poller")
		}
	}
	if changed {
		ec.Observer.RecordDecision(actorID, string(d.Kind), d.Reason)
	}
	return d
}

// Next blocks until the decision differs from prev, then returns it.
func (v *View) Next(ctx context.Context, prev Decision) (Decision, error) {
	ec := v.gate.engine
	for {
		sessionChanged := ec.Session.Changes()
		profileChanged := ec.Profile.Changes()
		floorChanged := v.floor.C()
		var pollerChanged <-chan struct{}
		if p := v.Poller(); p != nil {
			pollerChanged = p.Changes()
		}

		d := v.Decide()
		if d != prev {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-v.ctx.Done():
			return d, context.Canceled
		case <-sessionChanged:
		case <-profileChanged:
		case <-floorChanged:
		case <-pollerChanged:
		}
	}
}

func (v *View) Poller() *reconcile.Poller {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.poller
}

func (v *View) Navigation() Navigation {
	return v.nav
}

// Close stops the minimum-loading timer and cancels the poller.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	if v.floorTimer != nil {
		v.floorTimer.Stop()
	}
	poller := v.poller
	stopAfter := v.stopAfter
	v.mu.Unlock()

	if poller != nil {
		poller.Cancel()
	}
	if stopAfter != nil {
		stopAfter()
	}
	v.cancel()
}
