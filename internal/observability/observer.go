package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Observer records gate decisions, profile fetches and reconciliation
// progress as log lines and prometheus counters. A nil *Observer is valid and
// records nothing.
type Observer struct {
	logger zerolog.Logger

	decisions    *prometheus.CounterVec
	fetches      *prometheus.CounterVec
	pollTicks    *prometheus.CounterVec
	pollOutcomes *prometheus.CounterVec

	now           func() time.Time
	mu            sync.Mutex
	paywallCounts map[string]*paywallBounces
	lastSweep     time.Time
}

// Bounce counters untouched for this long are dropped.
const paywallIdle = time.Hour

type paywallBounces struct {
	count int64
	last  time.Time
}

func NewObserver(logger zerolog.Logger, reg prometheus.Registerer) *Observer {
	o := &Observer{
		logger: logger,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Access gate decisions by kind and reason.",
		}, []string{"decision", "reason"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "profile",
			Name:      "fetches_total",
			Help:      "Subscription profile fetches by result.",
		}, []string{"result"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "reconcile",
			Name:      "ticks_total",
			Help:      "Reconciliation poll ticks by result.",
		}, []string{"result"}),
		pollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "reconcile",
			Name:      "outcomes_total",
			Help:      "Reconciliation cycles by terminal state.",
		}, []string{"state"}),
		now:           func() time.Time { return time.Now().UTC() },
		paywallCounts: make(map[string]*paywallBounces),
	}
	if reg != nil {
		reg.MustRegister(o.decisions, o.fetches, o.pollTicks, o.pollOutcomes)
	}
	return o
}

func (o *Observer) RecordDecision(actorID, decision, reason string) {
	if o == nil {
		return
	}
	o.decisions.WithLabelValues(decision, reason).Inc()
	o.logger.Debug().Str("actor_id", actorID).Str("decision", decision).Str("reason", reason).Msg("gate decision")

	if actorID == "" {
		return
	}
	now := o.now()
	o.mu.Lock()
	if now.Sub(o.lastSweep) >= paywallIdle {
		for id, b := range o.paywallCounts {
			if now.Sub(b.last) >= paywallIdle {
				delete(o.paywallCounts, id)
			}
		}
		o.lastSweep = now
	}
	if reason != "unpaid" {
		if reason == "entitled" {
			delete(o.paywallCounts, actorID)
		}
		o.mu.Unlock()
		return
	}
	b, ok := o.paywallCounts[actorID]
	if !ok {
		b = &paywallBounces{}
		o.paywallCounts[actorID] = b
	}
	b.count++
	b.last = now
	count := b.count
	o.mu.Unlock()

	// Repeated paywall bounces usually mean a webhook never landed.
	if count%10 == 0 {
		o.logger.Warn().Str("actor_id", actorID).Int64("paywall_redirects", count).Msg("repeated paywall redirects")
	}
}

func (o *Observer) RecordFetch(actorID, result string, err error) {
	if o == nil {
		return
	}
	o.fetches.WithLabelValues(result).Inc()
	if err != nil {
		o.logger.Warn().Err(err).Str("actor_id", actorID).Msg("profile fetch failed")
		return
	}
	o.logger.Debug().Str("actor_id", actorID).Str("result", result).Msg("profile fetch")
}

func (o *Observer) RecordPollTick(actorID string, attempt int, result string, err error) {
	if o == nil {
		return
	}
	o.pollTicks.WithLabelValues(result).Inc()
	o.logger.Debug().Err(err).Str("actor_id", actorID).Int("attempt", attempt).Str("result", result).Msg("reconcile tick")
}

func (o *Observer) RecordPollOutcome(actorID, state string, attempts int) {
	if o == nil {
		return
	}
	o.pollOutcomes.WithLabelValues(state).Inc()
	o.logger.Info().Str("actor_id", actorID).Str("state", state).Int("attempts", attempts).Msg("reconcile finished")
}
