package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/config"
	"paygate/internal/entitlement"
	"paygate/internal/identity"
	"paygate/internal/observability"
	"paygate/internal/profile"
	"paygate/internal/store"
)

type memoryProfiles struct {
	mu      sync.Mutex
	records map[string]entitlement.SubscriptionRecord
}

func newMemoryProfiles() *memoryProfiles {
	return &memoryProfiles{records: make(map[string]entitlement.SubscriptionRecord)}
}

func (m *memoryProfiles) put(rec entitlement.SubscriptionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ActorID] = rec
}

func (m *memoryProfiles) ReadSubscription(_ context.Context, actorID string) (*entitlement.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[actorID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []profile.Update
}

func (p *recordingPublisher) PublishRecordChanged(_ context.Context, upd profile.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, upd)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

type stubBilling struct {
	err     error
	payload []byte
	sig     string
}

func (s *stubBilling) ProcessWebhook(_ context.Context, payload []byte, sig string) error {
	s.payload = payload
	s.sig = sig
	return s.err
}

type testEnv struct {
	handler  *Handler
	profiles *memoryProfiles
	pub      *recordingPublisher
	billing  *stubBilling
	issuer   *identity.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.SigningKey = "test-signing-key"
	cfg.Gate.MinLoading = 0
	cfg.Gate.RenderTimeout = time.Second
	cfg.Reconcile.Interval = 10 * time.Millisecond
	cfg.Reconcile.MaxInterval = 20 * time.Millisecond
	cfg.Reconcile.MaxAttempts = 0
	cfg.Metering.RefreshRPM = 1

	registry := prometheus.NewRegistry()
	env := &testEnv{
		profiles: newMemoryProfiles(),
		pub:      &recordingPublisher{},
		billing:  &stubBilling{},
		issuer:   identity.NewIssuer(cfg),
	}
	env.handler = &Handler{
		Config:    cfg,
		Verifier:  identity.NewVerifier(cfg),
		Profiles:  env.profiles,
		Publisher: env.pub,
		Billing:   env.billing,
		Limiter:   entitlement.NewRateLimiter(),
		Observer:  observability.NewObserver(zerolog.Nop(), registry),
		Gatherer:  registry,
		Logger:    zerolog.Nop(),
	}
	return env
}

func (e *testEnv) token(t *testing.T, actorID string) string {
	t.Helper()
	token, _, err := e.issuer.Issue(actorID)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeDecision(t *testing.T, body string) decisionResponse {
	t.Helper()
	var out decisionResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestProtectedPageDecisions(t *testing.T) {
	future := time.Now().Add(72 * time.Hour)
	tests := []struct {
		name       string
		record     *entitlement.SubscriptionRecord
		signedIn   bool
		path       string
		wantStatus int
		wantKind   string
		wantReason string
		wantTarget string
	}{
		{name: "no session", path: "/app/reports", wantStatus: http.StatusFound, wantKind: "redirect", wantReason: "no_session", wantTarget: "/login"},
		{name: "missing profile", signedIn: true, path: "/app/reports", wantStatus: http.StatusAccepted, wantKind: "show_loading", wantReason: "profile_loading"},
		{name: "active", signedIn: true, record: &entitlement.SubscriptionRecord{Status: entitlement.StatusActive}, path: "/app/reports", wantStatus: http.StatusOK, wantKind: "render", wantReason: "entitled", wantTarget: "/app/reports"},
		{name: "trial window", signedIn: true, record: &entitlement.SubscriptionRecord{TrialEnd: &future}, path: "/app/reports", wantStatus: http.StatusOK, wantKind: "render", wantReason: "entitled", wantTarget: "/app/reports"},
		{name: "canceled", signedIn: true, record: &entitlement.SubscriptionRecord{Status: entitlement.StatusCanceled}, path: "/app/reports", wantStatus: http.StatusFound, wantKind: "redirect", wantReason: "unpaid", wantTarget: "/pricing"},
		{name: "checkout return", signedIn: true, record: &entitlement.SubscriptionRecord{Status: entitlement.StatusCanceled}, path: "/app/reports?checkout=success", wantStatus: http.StatusAccepted, wantKind: "show_verifying", wantReason: "checkout_return"},
		{name: "paywall while unpaid", signedIn: true, record: &entitlement.SubscriptionRecord{Status: entitlement.StatusUnpaid}, path: "/pricing", wantStatus: http.StatusOK, wantKind: "render", wantReason: "paywall_view", wantTarget: "/pricing"},
		{name: "paywall without session", path: "/pricing", wantStatus: http.StatusFound, wantKind: "redirect", wantReason: "no_session", wantTarget: "/login"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			req.Header.Set("Accept", "application/json")
			if tc.signedIn {
				req.Header.Set("Authorization", "Bearer "+env.token(t, "actor-1"))
			}
			if tc.record != nil {
				rec := *tc.record
				rec.ActorID = "actor-1"
				env.profiles.put(rec)
			}

			resp := env.do(req)
			require.Equal(t, tc.wantStatus, resp.Code, resp.Body.String())
			got := decodeDecision(t, resp.Body.String())
			assert.Equal(t, tc.wantKind, got.Decision)
			assert.Equal(t, tc.wantReason, got.Reason)
			assert.Equal(t, tc.wantTarget, got.Target)
			if tc.wantKind == "redirect" {
				assert.Equal(t, tc.wantTarget, resp.Header().Get("Location"))
			}
			assert.Empty(t, got.Reconcile, "page requests never arm a poller")
		})
	}
}

func TestProtectedPageHTMLRedirectAndCookie(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.put(entitlement.SubscriptionRecord{ActorID: "actor-1", Status: entitlement.StatusPastDue})

	resp := env.do(httptest.NewRequest(http.MethodGet, "/app/", nil))
	assert.Equal(t, http.StatusFound, resp.Code)
	assert.Equal(t, "/login", resp.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/app/settings", nil)
	req.AddCookie(&http.Cookie{Name: env.handler.Config.Auth.CookieName, Value: env.token(t, "actor-1")})
	resp = env.do(req)
	assert.Equal(t, http.StatusFound, resp.Code)
	assert.Equal(t, "/pricing", resp.Header().Get("Location"))
}

func TestVerifyingPageLinksStream(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.put(entitlement.SubscriptionRecord{ActorID: "actor-1", Status: entitlement.StatusCanceled})

	req := httptest.NewRequest(http.MethodGet, "/app/reports?checkout=success", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "actor-1"))
	resp := env.do(req)

	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Contains(t, resp.Body.String(), "/app/stream?checkout=success&amp;dest=%2Fapp%2Freports")
}

func TestRefreshRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(httptest.NewRequest(http.MethodPost, "/app/refresh", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestRefreshPublishesAndRateLimits(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.put(entitlement.SubscriptionRecord{ActorID: "actor-1", Status: entitlement.StatusActive})
	token := env.token(t, "actor-1")

	req := httptest.NewRequest(http.MethodPost, "/app/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := env.do(req)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body refreshResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "actor-1", body.ActorID)
	assert.Equal(t, "paid", body.Entitlement)
	assert.Equal(t, 1, env.pub.count())

	req = httptest.NewRequest(http.MethodPost, "/app/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = env.do(req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
	assert.Equal(t, 1, env.pub.count())
}

func TestRefreshMissingProfileReportsUnknown(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/app/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "actor-2"))
	resp := env.do(req)
	require.Equal(t, http.StatusOK, resp.Code)

	var body refreshResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "unknown", body.Entitlement)
	assert.Equal(t, 0, env.pub.count())
}

func TestStripeWebhookRoute(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	resp := env.do(req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, `{"id":"evt_1"}`, string(env.billing.payload))
	assert.Equal(t, "t=1,v1=abc", env.billing.sig)

	env.billing.err = errors.New("invalid stripe signature")
	resp = env.do(httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHealthReadyAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, resp.Code)

	env.handler.Ready = func(context.Context) error { return errors.New("database down") }
	resp = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	env.handler.Observer.RecordDecision("actor-1", "render", "entitled")
	resp = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "paygate_gate_decisions_total")
}

func TestStreamResolvesAfterCheckout(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.put(entitlement.SubscriptionRecord{ActorID: "actor-1", Status: entitlement.StatusCanceled})

	srv := httptest.NewServer(env.handler.Routes())
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, "actor-1"))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/stream?dest=/app/reports&checkout=success"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	readUntil := func(kind string) decisionResponse {
		t.Helper()
		for {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			var msg decisionResponse
			require.NoError(t, conn.ReadJSON(&msg))
			if msg.Decision == kind {
				return msg
			}
			require.Contains(t, []string{"show_loading", "show_verifying"}, msg.Decision, "unexpected decision %+v", msg)
		}
	}

	verifying := readUntil("show_verifying")
	assert.NotEmpty(t, verifying.ViewID)
	assert.Equal(t, "active", verifying.Reconcile)

	env.profiles.put(entitlement.SubscriptionRecord{ActorID: "actor-1", Status: entitlement.StatusActive})

	rendered := readUntil("render")
	assert.Equal(t, "/app/reports", rendered.Target)
	assert.Equal(t, verifying.ViewID, rendered.ViewID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamWithoutSessionRedirectsToLogin(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler.Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/stream?dest=/app/reports"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg decisionResponse
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "redirect", msg.Decision)
	assert.Equal(t, "/login", msg.Target)
}

func TestCheckOrigin(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.handler.Config.Dev.Mode)

	req := httptest.NewRequest(http.MethodGet, "http://paygate.test/app/stream", nil)
	req.Host = "paygate.test"
	assert.True(t, env.handler.checkOrigin(req))

	req.Header.Set("Origin", "https://paygate.test")
	assert.True(t, env.handler.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.test")
	assert.False(t, env.handler.checkOrigin(req), "dev mode does not admit foreign origins")

	env.handler.Config.HTTP.AllowedOrigins = []string{"https://app.paygate.test/"}
	req.Header.Set("Origin", "https://app.paygate.test")
	assert.True(t, env.handler.checkOrigin(req))
}

func TestStreamRejectsCrossSiteUpgrade(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler.Routes())
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.test")
	header.Set("Cookie", env.handler.Config.Auth.CookieName+"="+env.token(t, "actor-1"))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/stream?dest=/app/reports"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
