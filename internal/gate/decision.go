// Package gate decides what a protected navigation shows: a loading state,
// a redirect, the destination itself or a verifying screen while a checkout
// is reconciled.
package gate

import (
	"strings"
	"time"

	"paygate/internal/config"
	"paygate/internal/entitlement"
)

type Kind string

const (
	ShowLoading   Kind = "show_loading"
	Redirect      Kind = "redirect"
	Render        Kind = "render"
	ShowVerifying Kind = "show_verifying"
)

const (
	ReasonInitializing   = "initializing"
	ReasonNoSession      = "no_session"
	ReasonProfileLoading = "profile_loading"
	ReasonPaywallView    = "paywall_view"
	ReasonEntitled       = "entitled"
	ReasonReconciling    = "reconciling"
	ReasonCheckoutReturn = "checkout_return"
	ReasonUnpaid         = "unpaid"
	ReasonMinLoading     = "min_loading"
	ReasonTimedOut       = "reconciliation_timeout"
)

type Decision struct {
	Kind        Kind              `json:"decision"`
	Target      string            `json:"target,omitempty"`
	Reason      string            `json:"reason"`
	Entitlement entitlement.State `json:"-"`
}

type Navigation struct {
	Destination     string
	CheckoutSuccess bool
}

type Config struct {
	LoginPath   string
	PaywallPath string
	MinLoading  time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		LoginPath:   cfg.Gate.LoginPath,
		PaywallPath: cfg.Gate.PaywallPath,
		MinLoading:  cfg.Gate.MinLoading,
	}
}

// Inputs is everything one evaluation looks at.
type Inputs struct {
	Initializing    bool
	HasSession      bool
	Entitlement     entitlement.State
	Destination     string
	CheckoutSuccess bool
	// Verifying is set while a reconciliation poller for this navigation is
	// active.
	Verifying bool
}

// Evaluate applies the decision table. The first matching row wins.
func Evaluate(cfg Config, in Inputs) Decision {
	state := in.Entitlement
	switch {
	case in.Initializing:
		return Decision{Kind: ShowLoading, Reason: ReasonInitializing, Entitlement: state}
	case !in.HasSession || state.Kind == entitlement.Unauthenticated:
		return Decision{Kind: Redirect, Target: cfg.LoginPath, Reason: ReasonNoSession, Entitlement: state}
	case state.Kind == entitlement.Unknown:
		return Decision{Kind: ShowLoading, Reason: ReasonProfileLoading, Entitlement: state}
	case samePath(in.Destination, cfg.PaywallPath):
		return Decision{Kind: Render, Target: in.Destination, Reason: ReasonPaywallView, Entitlement: state}
	case state.Entitled():
		return Decision{Kind: Render, Target: in.Destination, Reason: ReasonEntitled, Entitlement: state}
	case in.Verifying:
		return Decision{Kind: ShowVerifying, Reason: ReasonReconciling, Entitlement: state}
	case in.CheckoutSuccess:
		return Decision{Kind: ShowVerifying, Reason: ReasonCheckoutReturn, Entitlement: state}
	default:
		return Decision{Kind: Redirect, Target: cfg.PaywallPath, Reason: ReasonUnpaid, Entitlement: state}
	}
}

func samePath(a, b string) bool {
	a = strings.TrimRight(strings.TrimSpace(a), "/")
	b = strings.TrimRight(strings.TrimSpace(b), "/")
	return a != "" && a == b
}
