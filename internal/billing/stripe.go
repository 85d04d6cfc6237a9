// Package billing receives Stripe webhooks and writes the resulting
// subscription record. It never decides access.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"paygate/internal/config"
	"paygate/internal/entitlement"
	"paygate/internal/profile"
	"paygate/internal/store"
)

const stripeProvider = "stripe"

var ErrInvalidSignature = errors.New("invalid stripe signature")

// Store is the profile writer used by webhook processing.
type Store interface {
	InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error)
	UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, lastError string) error
	UpsertSubscription(ctx context.Context, rec entitlement.SubscriptionRecord) error
	UpdateStatus(ctx context.Context, actorID string, status entitlement.Status) error
	LinkBillingCustomer(ctx context.Context, actorID, customerID string) error
	FindActorByBillingCustomer(ctx context.Context, customerID string) (string, error)
}

// Publisher announces record changes to running sessions.
type Publisher interface {
	PublishRecordChanged(ctx context.Context, upd profile.Update) error
}

type StripeService struct {
	Secret    string
	Tolerance time.Duration
	Store     Store
	Publisher Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

func NewStripeService(cfg config.Config, st Store, pub Publisher, logger zerolog.Logger) *StripeService {
	return &StripeService{
		Secret:    strings.TrimSpace(cfg.Billing.StripeWebhookSecret),
		Tolerance: cfg.Billing.SignatureTolerance,
		Store:     st,
		Publisher: pub,
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Metadata          map[string]string `json:"metadata"`
}

type stripePrice struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	TrialEnd int64             `json:"trial_end"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price stripePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// ProcessWebhook verifies and applies one event. Replays of an already
// processed event are accepted without reapplying it.
func (s *StripeService) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if s == nil || s.Store == nil {
		return errors.New("stripe service not configured")
	}
	if err := s.verifySignature(payload, signatureHeader); err != nil {
		return err
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	if event.ID == "" || event.Type == "" {
		return errors.New("invalid stripe event payload")
	}

	inserted, existingStatus, err := s.Store.InsertWebhookEventIfAbsent(ctx, stripeProvider, event.ID, event.Type, sha256Hex(payload))
	if err != nil {
		return err
	}
	if !inserted && existingStatus == "processed" {
		return nil
	}

	upd, err := s.applyEvent(ctx, event)
	if err != nil {
		_ = s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "failed", err.Error())
		return err
	}
	if err := s.Store.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "processed", ""); err != nil {
		return err
	}
	if upd != nil {
		s.publish(ctx, *upd)
	}
	return nil
}

// applyEvent writes the record change for event and returns the update to
// announce, or nil when nothing entitlement-relevant changed.
func (s *StripeService) applyEvent(ctx context.Context, event stripeEvent) (*profile.Update, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return nil, err
		}
		actorID := strings.TrimSpace(session.ClientReferenceID)
		if actorID == "" {
			actorID = strings.TrimSpace(session.Metadata["actor_id"])
		}
		if actorID == "" {
			return nil, errors.New("checkout session missing client_reference_id actor mapping")
		}
		if strings.TrimSpace(session.Customer) == "" {
			return nil, nil
		}
		if err := s.Store.LinkBillingCustomer(ctx, actorID, session.Customer); err != nil {
			return nil, err
		}
		// Completion grants nothing; the subscription event carries the
		// status. The empty update tells watchers the profile row exists.
		return &profile.Update{ActorID: actorID, ChangedAt: s.Now()}, nil
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return nil, err
		}
		return s.applySubscriptionSnapshot(ctx, sub, event.Type == "customer.subscription.deleted")
	case "invoice.paid":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return nil, err
		}
		return s.applyInvoiceStatus(ctx, invoice, entitlement.StatusActive)
	case "invoice.payment_failed":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return nil, err
		}
		return s.applyInvoiceStatus(ctx, invoice, entitlement.StatusPastDue)
	default:
		return nil, nil
	}
}

func (s *StripeService) applySubscriptionSnapshot(ctx context.Context, sub stripeSubscription, deleted bool) (*profile.Update, error) {
	actorID, err := s.resolveActorID(ctx, sub.Metadata["actor_id"], sub.Customer)
	if err != nil {
		return nil, err
	}
	if sub.Customer != "" {
		if err := s.Store.LinkBillingCustomer(ctx, actorID, sub.Customer); err != nil {
			return nil, err
		}
	}

	rec := entitlement.SubscriptionRecord{
		ActorID:   actorID,
		Tier:      extractTier(sub),
		Status:    normalizeSubscriptionStatus(sub.Status, deleted),
		UpdatedAt: s.Now(),
	}
	if sub.TrialEnd > 0 && !deleted {
		end := time.Unix(sub.TrialEnd, 0).UTC()
		rec.TrialEnd = &end
	}
	if err := s.Store.UpsertSubscription(ctx, rec); err != nil {
		return nil, err
	}
	upd := profile.FullUpdate(rec)
	return &upd, nil
}

func (s *StripeService) applyInvoiceStatus(ctx context.Context, invoice stripeInvoice, status entitlement.Status) (*profile.Update, error) {
	actorID, err := s.resolveActorID(ctx, "", invoice.Customer)
	if err != nil {
		return nil, err
	}
	if err := s.Store.UpdateStatus(ctx, actorID, status); err != nil {
		return nil, err
	}
	return &profile.Update{ActorID: actorID, Status: &status, ChangedAt: s.Now()}, nil
}

func (s *StripeService) resolveActorID(ctx context.Context, directActorID, customerID string) (string, error) {
	if actorID := strings.TrimSpace(directActorID); actorID != "" {
		return actorID, nil
	}
	if customerID != "" {
		actorID, err := s.Store.FindActorByBillingCustomer(ctx, customerID)
		if err == nil {
			return actorID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	return "", errors.New("unable to resolve actor for stripe event")
}

func (s *StripeService) publish(ctx context.Context, upd profile.Update) {
	if s.Publisher == nil {
		return
	}
	// Subscribers that miss this still converge through polling.
	if err := s.Publisher.PublishRecordChanged(ctx, upd); err != nil {
		s.Logger.Warn().Err(err).Str("actor_id", upd.ActorID).Msg("publish record change")
	}
}

func (s *StripeService) verifySignature(payload []byte, signatureHeader string) error {
	if s.Secret == "" {
		return errors.New("stripe webhook secret not configured")
	}

	timestamp, signatures, err := parseStripeSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))
	matched := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrInvalidSignature
	}

	tsInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	if delta := s.Now().Sub(time.Unix(tsInt, 0)); delta > tolerance || delta < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	return nil
}

// parseStripeSignatureHeader returns the timestamp and every v1 signature;
// Stripe sends several while a secret is being rolled.
func parseStripeSignatureHeader(header string) (string, []string, error) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" || len(sigs) == 0 {
		return "", nil, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	return ts, sigs, nil
}

func extractTier(sub stripeSubscription) entitlement.Tier {
	if len(sub.Items.Data) == 0 {
		return ""
	}
	price := sub.Items.Data[0].Price
	if tier := entitlement.NormalizeTier(price.LookupKey); tier != "" {
		return tier
	}
	return entitlement.NormalizeTier(price.ID)
}

func normalizeSubscriptionStatus(status string, deleted bool) entitlement.Status {
	if deleted {
		return entitlement.StatusCanceled
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "incomplete_expired":
		return entitlement.StatusCanceled
	case "incomplete", "paused":
		return entitlement.StatusUnpaid
	}
	if normalized := entitlement.NormalizeStatus(status); normalized != "" {
		return normalized
	}
	return entitlement.StatusUnpaid
}

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
