package store

import (
	"context"
	"database/sql"
	"errors"
)

// InsertWebhookEventIfAbsent records a provider event. When the event was
// seen before it reports inserted=false together with its stored status.
func (s *Store) InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO webhook_events (provider, external_event_id, event_type, payload_hash, status)
		VALUES ($1, $2, $3, $4, 'received')
		ON CONFLICT (provider, external_event_id) DO NOTHING`, provider, eventID, eventType, payloadHash)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n == 1 {
		return true, "received", nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM webhook_events WHERE provider = $1 AND external_event_id = $2`,
		provider, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", ErrNotFound
	}
	return false, status, err
}

func (s *Store) UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_events SET status = $3, last_error = $4, processed_at = now()
		WHERE provider = $1 AND external_event_id = $2`, provider, eventID, status, nullString(lastError))
	return err
}
