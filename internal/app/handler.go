package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"paygate/internal/billing"
	"paygate/internal/config"
	"paygate/internal/engine"
	"paygate/internal/entitlement"
	"paygate/internal/gate"
	"paygate/internal/identity"
	"paygate/internal/observability"
	"paygate/internal/profile"
	"paygate/internal/reconcile"
	"paygate/internal/store"
)

type BillingWebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

// Handler serves protected views, the verifying stream, manual refreshes and
// the billing webhook. Feed, Revocations and Publisher are optional.
type Handler struct {
	Config      config.Config
	Verifier    *identity.Verifier
	Profiles    profile.Reader
	Feed        profile.ChangeFeed
	Revocations identity.RevocationFeed
	Publisher   billing.Publisher
	Billing     BillingWebhookProcessor
	Limiter     *entitlement.RateLimiter
	Observer    *observability.Observer
	Gatherer    prometheus.Gatherer
	Ready       func(ctx context.Context) error
	Logger      zerolog.Logger
	Now         func() time.Time
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /app/stream", h.handleStream)
	mux.Handle("POST /app/refresh", h.requireSession(http.HandlerFunc(h.handleRefresh)))
	mux.HandleFunc("GET /app/{view...}", h.handleProtected)
	if paywall := strings.TrimRight(h.Config.Gate.PaywallPath, "/"); paywall != "" && !strings.HasPrefix(paywall, "/app/") {
		mux.HandleFunc("GET "+paywall, h.handleProtected)
	}
	mux.HandleFunc("POST /webhooks/stripe", h.handleStripeWebhook)
	return mux
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// newEngine builds a per-request entitlement context for the caller's token.
// An invalid or missing token leaves the context without a session.
func (h *Handler) newEngine(ctx context.Context, token string, watch bool) (*engine.Context, *identity.TokenSource) {
	src := identity.NewTokenSource(h.Verifier)
	if h.Now != nil {
		src.Now = h.Now
	}
	if token != "" {
		if _, err := src.SignIn(token); err != nil {
			h.Logger.Debug().Err(err).Msg("rejected session token")
		}
	}
	deps := engine.Deps{
		Identity:  src,
		Profiles:  h.Profiles,
		Policy:    entitlement.Policy{StatusWinsOverTrial: h.Config.Entitlement.StatusWinsOverTrial},
		Reconcile: reconcile.ConfigFrom(h.Config),
		Observer:  h.Observer,
		Logger:    h.Logger,
		Now:       h.Now,
	}
	if watch {
		deps.Feed = h.Feed
	}
	return engine.New(ctx, deps), src
}

func (h *Handler) handleProtected(w http.ResponseWriter, r *http.Request) {
	nav := gate.Navigation{
		Destination:     r.URL.Path,
		CheckoutSuccess: checkoutSignal(r.URL.Query(), h.Config.Gate.CheckoutParam),
	}

	ec, _ := h.newEngine(r.Context(), sessionToken(r, h.Config.Auth.CookieName), false)
	defer ec.Close()
	ec.Start(r.Context())

	waitCtx, cancel := context.WithTimeout(r.Context(), h.Config.Gate.RenderTimeout)
	defer cancel()
	if err := ec.WaitReady(waitCtx); err != nil {
		h.Logger.Debug().Err(err).Str("destination", nav.Destination).Msg("profile not ready before render timeout")
	}

	d := gate.New(ec, gate.ConfigFrom(h.Config)).Evaluate(nav)
	h.writeDecision(w, r, nav, d)
}

type decisionResponse struct {
	Decision      string `json:"decision"`
	Target        string `json:"target,omitempty"`
	Reason        string `json:"reason"`
	Entitlement   string `json:"entitlement"`
	DaysRemaining int    `json:"days_remaining,omitempty"`
	ViewID        string `json:"view_id,omitempty"`
	Reconcile     string `json:"reconcile,omitempty"`
}

func newDecisionResponse(d gate.Decision) decisionResponse {
	return decisionResponse{
		Decision:      string(d.Kind),
		Target:        d.Target,
		Reason:        d.Reason,
		Entitlement:   string(d.Entitlement.Kind),
		DaysRemaining: d.Entitlement.DaysRemaining,
	}
}

func (h *Handler) writeDecision(w http.ResponseWriter, r *http.Request, nav gate.Navigation, d gate.Decision) {
	status := http.StatusAccepted
	switch d.Kind {
	case gate.Redirect:
		status = http.StatusFound
	case gate.Render:
		status = http.StatusOK
	}

	if wantsJSON(r) {
		if d.Kind == gate.Redirect {
			w.Header().Set("Location", d.Target)
		}
		writeJSON(w, status, newDecisionResponse(d))
		return
	}
	if d.Kind == gate.Redirect {
		http.Redirect(w, r, d.Target, http.StatusFound)
		return
	}

	dest := html.EscapeString(nav.Destination)
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	switch d.Kind {
	case gate.Render:
		_, _ = fmt.Fprintf(w, "<html><body><h1>%s</h1><p>Access: %s</p></body></html>", dest, html.EscapeString(d.Entitlement.String()))
	case gate.ShowVerifying:
		stream := streamURL(nav, h.Config.Gate.CheckoutParam)
		_, _ = fmt.Fprintf(w, "<html><body data-stream=\"%s\"><h1>Verifying your payment</h1><p>This page updates when billing confirms.</p></body></html>", html.EscapeString(stream))
	default:
		_, _ = fmt.Fprintf(w, "<html><head><meta http-equiv=\"refresh\" content=\"2\"></head><body><p>Loading %s</p></body></html>", dest)
	}
}

type refreshResponse struct {
	ActorID       string `json:"actor_id"`
	Entitlement   string `json:"entitlement"`
	DaysRemaining int    `json:"days_remaining,omitempty"`
}

// handleRefresh re-reads the caller's profile and fans the result out to
// open streams. It backs the manual retry affordance.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	session, ok := identity.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.Limiter != nil {
		var rateErr *entitlement.RateLimitError
		if err := h.Limiter.Check(session.ActorID, h.Config.Metering.RefreshRPM); errors.As(err, &rateErr) {
			w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":               "rate_limited",
				"retry_after_seconds": rateErr.RetryAfterSeconds,
			})
			return
		}
	}

	rec, err := h.Profiles.ReadSubscription(r.Context(), session.ActorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = nil
	case err != nil:
		h.Observer.RecordFetch(session.ActorID, "error", err)
		http.Error(w, "profile unavailable", http.StatusServiceUnavailable)
		return
	}
	if rec != nil && h.Publisher != nil {
		if err := h.Publisher.PublishRecordChanged(r.Context(), profile.FullUpdate(*rec)); err != nil {
			h.Logger.Warn().Err(err).Str("actor_id", session.ActorID).Msg("publish refreshed record")
		}
	}

	policy := entitlement.Policy{StatusWinsOverTrial: h.Config.Entitlement.StatusWinsOverTrial}
	state := policy.Classify(rec, h.now())
	writeJSON(w, http.StatusOK, refreshResponse{
		ActorID:       session.ActorID,
		Entitlement:   string(state.Kind),
		DaysRemaining: state.DaysRemaining,
	})
}

// requireSession rejects requests without a valid token and stores the
// verified session in the request context.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.Verifier.Verify(sessionToken(r, h.Config.Auth.CookieName))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithSession(r.Context(), session)))
	})
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Billing == nil {
		http.Error(w, "billing not configured", http.StatusInternalServerError)
		return
	}
	payload, err := ioReadAll(r)
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	if err := h.Billing.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.Logger.Warn().Err(err).Msg("stripe webhook rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func sessionToken(r *http.Request, cookieName string) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		return header
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil {
			return cookie.Value
		}
	}
	return ""
}

func checkoutSignal(query url.Values, param string) bool {
	if param == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(query.Get(param))) {
	case "success", "true", "1":
		return true
	default:
		return false
	}
}

func streamURL(nav gate.Navigation, param string) string {
	q := url.Values{}
	q.Set("dest", nav.Destination)
	if nav.CheckoutSuccess && param != "" {
		q.Set(param, "success")
	}
	return "/app/stream?" + q.Encode()
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func ioReadAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
