package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/entitlement"
	"paygate/internal/profile"
)

func TestRecordChangedRoundTrip(t *testing.T) {
	status := entitlement.StatusActive
	tier := entitlement.TierPro
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	payload, err := EncodeRecordChanged(profile.Update{ActorID: "u1", Tier: &tier, Status: &status, TrialEnd: &end})
	require.NoError(t, err)

	upd, err := DecodeRecordChanged(payload)
	require.NoError(t, err)
	assert.Equal(t, "u1", upd.ActorID)
	require.NotNil(t, upd.Status)
	assert.Equal(t, entitlement.StatusActive, *upd.Status)
	require.NotNil(t, upd.Tier)
	assert.Equal(t, entitlement.TierPro, *upd.Tier)
	require.NotNil(t, upd.TrialEnd)
	assert.True(t, end.Equal(*upd.TrialEnd))
}

func TestEncodeClearTrialEndDropsTimestamp(t *testing.T) {
	end := time.Now()
	payload, err := EncodeRecordChanged(profile.Update{ActorID: "u1", TrialEnd: &end, ClearTrialEnd: true})
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "trial_end\":\"")

	upd, err := DecodeRecordChanged(payload)
	require.NoError(t, err)
	assert.True(t, upd.ClearTrialEnd)
	assert.Nil(t, upd.TrialEnd)
}

func TestEncodeRequiresActor(t *testing.T) {
	_, err := EncodeRecordChanged(profile.Update{})
	require.Error(t, err)
}

func TestDecodeRecordChangedRejects(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"missing actor":  `{"status":"active"}`,
		"empty actor":    `{"actor_id":""}`,
		"unknown status": `{"actor_id":"u1","status":"gold"}`,
		"unknown tier":   `{"actor_id":"u1","tier":"platinum"}`,
		"bad trial end":  `{"actor_id":"u1","trial_end":"next tuesday"}`,
		"extra property": `{"actor_id":"u1","plan":"pro"}`,
		"non bool clear": `{"actor_id":"u1","clear_trial_end":"yes"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecordChanged([]byte(payload))
			require.Error(t, err)
		})
	}
}

func TestSessionRevokedSchema(t *testing.T) {
	require.NoError(t, validatePayload(sessionRevokedSchema, []byte(`{"actor_id":"u1","revoked_at":"2026-01-01T00:00:00Z"}`)))
	require.Error(t, validatePayload(sessionRevokedSchema, []byte(`{"actor_id":"u1"}`)))
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	url := os.Getenv("PAYGATE_TEST_REDIS_URL")
	if url == "" {
		url = "redis://127.0.0.1:6379/0"
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	bus := NewWithClient(redis.NewClient(opt), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Ping(ctx); err != nil {
		_ = bus.Close()
		t.Skipf("redis unavailable for notify tests: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishRecordChangedDeliversToSubscriber(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	actorID := uuid.NewString()

	got := make(chan profile.Update, 1)
	stop, err := bus.OnRecordChanged(ctx, actorID, func(upd profile.Update) { got <- upd })
	require.NoError(t, err)
	defer stop()

	status := entitlement.StatusActive
	require.NoError(t, bus.PublishRecordChanged(ctx, profile.Update{ActorID: actorID, Status: &status}))

	select {
	case upd := <-got:
		require.NotNil(t, upd.Status)
		assert.Equal(t, entitlement.StatusActive, *upd.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("record change not delivered")
	}
}

func TestSessionRevokedDelivered(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	actorID := uuid.NewString()

	fired := make(chan struct{}, 1)
	stop, err := bus.OnSessionRevoked(ctx, actorID, func() { fired <- struct{}{} })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, bus.PublishSessionRevoked(ctx, actorID, time.Now()))
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("revocation not delivered")
	}
}
