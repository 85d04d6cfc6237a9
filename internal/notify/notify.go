// Package notify carries profile changes and session revocations over
// Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"paygate/internal/entitlement"
	"paygate/internal/profile"
)

const channelPrefix = "paygate:"

type Bus struct {
	client *redis.Client
	logger zerolog.Logger
}

func New(url string, logger zerolog.Logger) (*Bus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewWithClient(redis.NewClient(opt), logger), nil
}

func NewWithClient(client *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}

func recordChannel(actorID string) string {
	return channelPrefix + "profile:" + actorID
}

func sessionChannel(actorID string) string {
	return channelPrefix + "session:" + actorID
}

type recordChanged struct {
	ActorID       string     `json:"actor_id"`
	Tier          *string    `json:"tier,omitempty"`
	Status        *string    `json:"status,omitempty"`
	TrialEnd      *time.Time `json:"trial_end,omitempty"`
	ClearTrialEnd bool       `json:"clear_trial_end,omitempty"`
	ChangedAt     *time.Time `json:"changed_at,omitempty"`
}

type sessionRevoked struct {
	ActorID   string    `json:"actor_id"`
	RevokedAt time.Time `json:"revoked_at"`
}

func EncodeRecordChanged(upd profile.Update) ([]byte, error) {
	if strings.TrimSpace(upd.ActorID) == "" {
		return nil, errors.New("record change requires actor id")
	}
	msg := recordChanged{ActorID: upd.ActorID, ClearTrialEnd: upd.ClearTrialEnd}
	if upd.Tier != nil {
		tier := string(*upd.Tier)
		msg.Tier = &tier
	}
	if upd.Status != nil {
		status := string(*upd.Status)
		msg.Status = &status
	}
	if upd.TrialEnd != nil && !upd.ClearTrialEnd {
		end := upd.TrialEnd.UTC()
		msg.TrialEnd = &end
	}
	if !upd.ChangedAt.IsZero() {
		changed := upd.ChangedAt.UTC()
		msg.ChangedAt = &changed
	}
	return json.Marshal(msg)
}

// DecodeRecordChanged validates payload against the record change schema.
func DecodeRecordChanged(payload []byte) (profile.Update, error) {
	if err := validatePayload(recordChangedSchema, payload); err != nil {
		return profile.Update{}, err
	}
	var msg recordChanged
	if err := json.Unmarshal(payload, &msg); err != nil {
		return profile.Update{}, err
	}
	upd := profile.Update{
		ActorID:       msg.ActorID,
		TrialEnd:      msg.TrialEnd,
		ClearTrialEnd: msg.ClearTrialEnd,
	}
	if msg.Tier != nil {
		tier := entitlement.NormalizeTier(*msg.Tier)
		upd.Tier = &tier
	}
	if msg.Status != nil {
		status := entitlement.NormalizeStatus(*msg.Status)
		upd.Status = &status
	}
	if msg.ChangedAt != nil {
		upd.ChangedAt = *msg.ChangedAt
	}
	return upd, nil
}

func (b *Bus) PublishRecordChanged(ctx context.Context, upd profile.Update) error {
	payload, err := EncodeRecordChanged(upd)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, recordChannel(upd.ActorID), payload).Err()
}

// OnRecordChanged implements profile.ChangeFeed.
func (b *Bus) OnRecordChanged(ctx context.Context, actorID string, fn func(profile.Update)) (func(), error) {
	return b.subscribe(ctx, recordChannel(actorID), func(payload string) {
		upd, err := DecodeRecordChanged([]byte(payload))
		if err != nil {
			b.logger.Warn().Err(err).Str("actor_id", actorID).Msg("dropping invalid record change")
			return
		}
		if upd.ActorID != actorID {
			return
		}
		fn(upd)
	})
}

func (b *Bus) PublishSessionRevoked(ctx context.Context, actorID string, at time.Time) error {
	if strings.TrimSpace(actorID) == "" {
		return errors.New("session revocation requires actor id")
	}
	payload, err := json.Marshal(sessionRevoked{ActorID: actorID, RevokedAt: at.UTC()})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, sessionChannel(actorID), payload).Err()
}

// OnSessionRevoked implements identity.RevocationFeed.
func (b *Bus) OnSessionRevoked(ctx context.Context, actorID string, fn func()) (func(), error) {
	return b.subscribe(ctx, sessionChannel(actorID), func(payload string) {
		if err := validatePayload(sessionRevokedSchema, []byte(payload)); err != nil {
			b.logger.Warn().Err(err).Str("actor_id", actorID).Msg("dropping invalid session revocation")
			return
		}
		fn()
	})
}

// subscribe delivers messages on channel until the returned func is called
// or ctx ends. No handler starts after unsubscribe returns.
func (b *Bus) subscribe(ctx context.Context, channel string, handle func(string)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	var stopped atomic.Bool
	stop := make(chan struct{})
	go func() {
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if stopped.Load() {
					return
				}
				handle(msg.Payload)
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			stopped.Store(true)
			close(stop)
			if err := pubsub.Close(); err != nil {
				b.logger.Debug().Err(err).Str("channel", channel).Msg("close subscription")
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-stop:
		}
	}()
	return unsubscribe, nil
}
