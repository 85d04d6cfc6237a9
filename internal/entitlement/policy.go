package entitlement

import (
	"fmt"
	"math"
	"time"
)

type Kind string

const (
	Unauthenticated Kind = "unauthenticated"
	Paid            Kind = "paid"
	TrialActive     Kind = "trial_active"
	Unpaid          Kind = "unpaid"
	Unknown         Kind = "unknown"
)

// State is the derived access state for one actor at one instant. It is
// never persisted.
type State struct {
	Kind          Kind
	DaysRemaining int
}

func (s State) Entitled() bool {
	return s.Kind == Paid || s.Kind == TrialActive
}

func (s State) String() string {
	if s.Kind == TrialActive {
		return fmt.Sprintf("%s(%d)", s.Kind, s.DaysRemaining)
	}
	return string(s.Kind)
}

// Policy holds the tie-break rules for classification.
type Policy struct {
	// StatusWinsOverTrial keeps a "trialing" status entitled even after the
	// locally known trial window has passed.
	StatusWinsOverTrial bool
}

func DefaultPolicy() Policy {
	return Policy{StatusWinsOverTrial: true}
}

// Classify applies the default policy.
func Classify(record *SubscriptionRecord, now time.Time) State {
	return DefaultPolicy().Classify(record, now)
}

func (p Policy) Classify(record *SubscriptionRecord, now time.Time) State {
	if record == nil {
		return State{Kind: Unknown}
	}

	status := NormalizeStatus(string(record.Status))
	trialActive := record.TrialEnd != nil && record.TrialEnd.After(now)

	switch status {
	case StatusActive:
		return State{Kind: Paid}
	case StatusTrialing:
		if p.StatusWinsOverTrial || record.TrialEnd == nil || trialActive {
			return State{Kind: Paid}
		}
		return State{Kind: Unpaid}
	case StatusCanceled, StatusPastDue, StatusUnpaid:
		return State{Kind: Unpaid}
	}

	if trialActive {
		return State{Kind: TrialActive, DaysRemaining: daysUntil(*record.TrialEnd, now)}
	}
	return State{Kind: Unpaid}
}

func daysUntil(end, now time.Time) int {
	days := int(math.Ceil(float64(end.Sub(now)) / float64(24*time.Hour)))
	if days < 0 {
		return 0
	}
	return days
}
