// Package reconcile polls the profile store after a checkout until the
// billing change lands, the view goes away or the retry budget runs out.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"paygate/internal/config"
	"paygate/internal/entitlement"
	"paygate/internal/observability"
	"paygate/internal/watch"
)

type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateResolved  State = "resolved"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

func (s State) Terminal() bool {
	return s == StateResolved || s == StateCancelled || s == StateTimedOut
}

var ErrNotIdle = errors.New("poller already started")

// Refresher re-reads the profile for an actor.
type Refresher interface {
	Refresh(ctx context.Context, actorID string) error
}

// Config bounds the polling schedule. The first wait is Interval; later
// waits double up to MaxInterval. MaxAttempts of zero polls until cancelled.
type Config struct {
	Interval    time.Duration
	MaxInterval time.Duration
	MaxAttempts int
	Jitter      time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Interval:    cfg.Reconcile.Interval,
		MaxInterval: cfg.Reconcile.MaxInterval,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		Jitter:      cfg.Reconcile.Jitter,
	}
}

func (c Config) backoff() retry.Backoff {
	interval := c.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b := retry.NewExponential(interval)
	if c.MaxInterval > 0 {
		b = retry.WithCappedDuration(c.MaxInterval, b)
	}
	if c.Jitter > 0 {
		b = retry.WithJitter(c.Jitter, b)
	}
	if c.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(c.MaxAttempts), b)
	}
	return b
}

type Options struct {
	ActorID   string
	Refresher Refresher
	// Classify reads the current entitlement; it is re-run after every tick.
	Classify func() entitlement.State
	// Wake returns a channel closed when the profile changes, letting a
	// pushed update resolve the poller before the next tick.
	Wake     func() <-chan struct{}
	Config   Config
	Observer *observability.Observer
	Logger   zerolog.Logger
}

type Poller struct {
	opts Options

	mu       sync.Mutex
	state    State
	attempts int
	cancel   context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	changes  watch.Signal
}

func New(opts Options) *Poller {
	if opts.Classify == nil {
		opts.Classify = func() entitlement.State { return entitlement.State{Kind: entitlement.Unknown} }
	}
	return &Poller{
		opts:  opts,
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// Start moves an idle poller to Active and begins ticking. Ending ctx
// cancels the poller.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return ErrNotIdle
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.state = StateActive
	p.cancel = cancel
	p.mu.Unlock()

	p.opts.Logger.Debug().Str("actor_id", p.opts.ActorID).Msg("reconcile started")
	p.changes.Notify()
	go p.run(runCtx)
	return nil
}

// Cancel stops polling immediately. A refresh already in flight may finish
// but cannot change the poller's state.
func (p *Poller) Cancel() {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	wasActive := p.state == StateActive
	p.state = StateCancelled
	cancel := p.cancel
	attempts := p.attempts
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasActive {
		p.opts.Observer.RecordPollOutcome(p.opts.ActorID, string(StateCancelled), attempts)
	}
	p.closeDone()
	p.changes.Notify()
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Done is closed once the poller reaches a terminal state.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Changes returns a channel closed on the next state change.
func (p *Poller) Changes() <-chan struct{} {
	return p.changes.C()
}

func (p *Poller) run(ctx context.Context) {
	backoff := p.opts.Config.backoff()
	for {
		delay, stop := backoff.Next()
		if stop {
			p.finish(StateTimedOut)
			return
		}

		resolved, ok := p.wait(ctx, delay)
		if !ok {
			p.Cancel()
			return
		}
		if resolved {
			p.opts.Observer.RecordPollTick(p.opts.ActorID, p.Attempts(), "pushed", nil)
			p.finish(StateResolved)
			return
		}

		if p.tick(ctx) {
			p.finish(StateResolved)
			return
		}
		if ctx.Err() != nil {
			p.Cancel()
			return
		}
	}
}

// wait sleeps for delay. It returns early with resolved=true when a pushed
// profile change already entitles the actor, and ok=false when ctx ends.
func (p *Poller) wait(ctx context.Context, delay time.Duration) (resolved bool, ok bool) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		var wake <-chan struct{}
		if p.opts.Wake != nil {
			wake = p.opts.Wake()
			if p.opts.Classify().Entitled() {
				return true, true
			}
		}
		select {
		case <-ctx.Done():
			return false, false
		case <-timer.C:
			return false, true
		case <-wake:
		}
	}
}

func (p *Poller) tick(ctx context.Context) bool {
	p.mu.Lock()
	p.attempts++
	attempt := p.attempts
	p.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout())
	err := p.opts.Refresher.Refresh(fetchCtx, p.opts.ActorID)
	cancel()
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		p.opts.Observer.RecordPollTick(p.opts.ActorID, attempt, "error", err)
		return false
	}
	if p.opts.Classify().Entitled() {
		p.opts.Observer.RecordPollTick(p.opts.ActorID, attempt, "entitled", nil)
		return true
	}
	p.opts.Observer.RecordPollTick(p.opts.ActorID, attempt, "pending", nil)
	return false
}

func (p *Poller) fetchTimeout() time.Duration {
	if p.opts.Config.MaxInterval > 0 {
		return p.opts.Config.MaxInterval
	}
	if p.opts.Config.Interval > 0 {
		return p.opts.Config.Interval
	}
	return 5 * time.Second
}

// finish moves an Active poller to a terminal state. Any other state wins.
func (p *Poller) finish(state State) {
	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	p.state = state
	attempts := p.attempts
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.opts.Observer.RecordPollOutcome(p.opts.ActorID, string(state), attempts)
	p.closeDone()
	p.changes.Notify()
}

func (p *Poller) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}
