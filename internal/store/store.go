package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"paygate/internal/entitlement"
)

var ErrNotFound = errors.New("subscription profile not found")

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReadSubscription returns the billing snapshot for actorID, or ErrNotFound
// when the actor has no profile row.
func (s *Store) ReadSubscription(ctx context.Context, actorID string) (*entitlement.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT actor_id, tier, status, trial_end, updated_at
		FROM subscription_profiles WHERE actor_id = $1`, actorID)

	var (
		rec      entitlement.SubscriptionRecord
		tier     sql.NullString
		status   sql.NullString
		trialEnd sql.NullTime
	)
	if err := row.Scan(&rec.ActorID, &tier, &status, &trialEnd, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if tier.Valid {
		rec.Tier = entitlement.NormalizeTier(tier.String)
	}
	if status.Valid {
		rec.Status = entitlement.NormalizeStatus(status.String)
	}
	if trialEnd.Valid {
		end := trialEnd.Time.UTC()
		rec.TrialEnd = &end
	}
	return &rec, nil
}

// UpsertSubscription overwrites tier, status and trial_end for rec.ActorID.
func (s *Store) UpsertSubscription(ctx context.Context, rec entitlement.SubscriptionRecord) error {
	if strings.TrimSpace(rec.ActorID) == "" {
		return errors.New("missing actor id")
	}
	var trialEnd sql.NullTime
	if rec.TrialEnd != nil {
		trialEnd = sql.NullTime{Time: rec.TrialEnd.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO subscription_profiles (actor_id, tier, status, trial_end, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (actor_id) DO UPDATE
		SET tier = EXCLUDED.tier, status = EXCLUDED.status, trial_end = EXCLUDED.trial_end, updated_at = now()`,
		rec.ActorID, nullString(string(rec.Tier)), nullString(string(rec.Status)), trialEnd)
	return err
}

// UpdateStatus changes only the billing status of an existing profile.
func (s *Store) UpdateStatus(ctx context.Context, actorID string, status entitlement.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscription_profiles SET status = $2, updated_at = now() WHERE actor_id = $1`,
		actorID, nullString(string(status)))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkBillingCustomer records the billing provider's customer id for an
// actor, creating an empty profile row when none exists yet.
func (s *Store) LinkBillingCustomer(ctx context.Context, actorID, customerID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO subscription_profiles (actor_id, billing_customer_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (actor_id) DO UPDATE SET billing_customer_id = EXCLUDED.billing_customer_id, updated_at = now()`,
		actorID, customerID)
	return err
}

func (s *Store) FindActorByBillingCustomer(ctx context.Context, customerID string) (string, error) {
	var actorID string
	err := s.db.QueryRowContext(ctx, `SELECT actor_id FROM subscription_profiles WHERE billing_customer_id = $1`, customerID).Scan(&actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return actorID, err
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
