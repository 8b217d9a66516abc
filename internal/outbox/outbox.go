// Package outbox delivers webhook notifications reliably. Items are written to webhooks_outbox
// and dispatched by whoever claims them, with exponential backoff between attempts.
package outbox

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"cirunner/internal/models"
)

const DefaultMaxRetries = 5

var ErrItemNotActive = errors.New("outbox item not found or already terminal")

type Outbox struct {
	db     *sqlx.DB
	client *http.Client
}

// New creates an outbox. A nil client gets a plain client with a 10s timeout.
func New(db *sqlx.DB, client *http.Client) *Outbox {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Outbox{db: db, client: client}
}

// Backoff is the wait before the next attempt of an item that has failed retryCount times so far
func Backoff(retryCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(retryCount+1))) * time.Second
}

// Enqueue stores a notification that becomes due immediately
func (o *Outbox) Enqueue(ctx context.Context, eventType string, payload any, url string, maxRetries int) (*models.OutboxItem, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s payload: %w", eventType, err)
	}

	var item models.OutboxItem
	err = o.db.GetContext(ctx, &item, `
INSERT INTO webhooks_outbox (event_type, payload, webhook_url, max_retries, next_retry_at)
VALUES ($1, $2::JSONB, $3, $4, NOW())
RETURNING *
`, eventType, string(data), url, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("could not enqueue %s: %w", eventType, err)
	}
	return &item, nil
}

// ClaimNext takes the oldest due item and marks it processing. Items locked by another
// dispatcher are skipped. Returns nil, nil when nothing is due.
func (o *Outbox) ClaimNext(ctx context.Context) (*models.OutboxItem, error) {
	var item models.OutboxItem
	err := o.db.GetContext(ctx, &item, `
UPDATE webhooks_outbox
SET status     = 'processing',
	claimed_at = NOW()
WHERE id = (
	SELECT id
	FROM webhooks_outbox
	WHERE status = 'pending'
	  AND next_retry_at <= NOW()
	ORDER BY next_retry_at, created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING *
`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not claim outbox item: %w", err)
	}
	return &item, nil
}

func (o *Outbox) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	res, err := o.db.ExecContext(ctx, `
UPDATE webhooks_outbox
SET status       = 'processed',
	processed_at = NOW(),
	claimed_at   = NULL
WHERE id = $1
  AND status IN ('pending', 'processing')
`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrItemNotActive
	}
	return nil
}

// MarkFailed records a failed attempt. The item waits 2^(retries+1) seconds before it is due
// again, or becomes failed once the retry budget is spent.
func (o *Outbox) MarkFailed(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error) {
	var item models.OutboxItem
	err := o.db.GetContext(ctx, &item, `
UPDATE webhooks_outbox
SET status        = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
	next_retry_at = CASE
		WHEN retry_count + 1 >= max_retries THEN next_retry_at
		ELSE GREATEST(next_retry_at, NOW() + MAKE_INTERVAL(secs => POWER(2, retry_count + 1)))
	END,
	retry_count   = retry_count + 1,
	claimed_at    = NULL
WHERE id = $1
  AND status IN ('pending', 'processing')
RETURNING *
`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotActive
	} else if err != nil {
		return nil, fmt.Errorf("could not record outbox failure: %w", err)
	}
	return &item, nil
}

// ProcessOne claims and delivers a single item. It reports whether an item was found, which is
// true even when delivery failed, since the failure has been recorded.
func (o *Outbox) ProcessOne(ctx context.Context) (bool, error) {
	item, err := o.ClaimNext(ctx)
	if err != nil || item == nil {
		return false, err
	}

	if err := o.deliver(ctx, item); err != nil {
		failed, markErr := o.MarkFailed(ctx, item.ID)
		if markErr != nil {
			return true, markErr
		}
		event := log.Warn()
		if failed.Status == models.OutboxFailed {
			event = log.Error()
		}
		event.
			Err(err).
			Str("outbox_id", item.ID.String()).
			Str("event_type", item.EventType).
			Int("retry_count", failed.RetryCount).
			Str("status", string(failed.Status)).
			Time("next_retry_at", failed.NextRetryAt).
			Msg("Webhook delivery failed")
		return true, nil
	}

	if err := o.MarkProcessed(ctx, item.ID); err != nil {
		return true, err
	}
	log.Debug().
		Str("outbox_id", item.ID.String()).
		Str("event_type", item.EventType).
		Msg("Webhook delivered")
	return true, nil
}

// Drain processes items until none is due or ctx ends, returning how many were handled
func (o *Outbox) Drain(ctx context.Context) (int, error) {
	handled := 0
	for ctx.Err() == nil {
		found, err := o.ProcessOne(ctx)
		if err != nil {
			return handled, err
		}
		if !found {
			return handled, nil
		}
		handled++
	}
	return handled, ctx.Err()
}

// ReclaimStale returns items left in processing by a dispatcher that died mid-delivery
func (o *Outbox) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := o.db.ExecContext(ctx, `
UPDATE webhooks_outbox
SET status     = 'pending',
	claimed_at = NULL
WHERE status = 'processing'
  AND claimed_at < NOW() - MAKE_INTERVAL(secs => $1)
`, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("could not reclaim stale outbox items: %w", err)
	}
	return res.RowsAffected()
}

// Get returns one item, for inspection
func (o *Outbox) Get(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error) {
	var item models.OutboxItem
	if err := o.db.GetContext(ctx, &item, `SELECT * FROM webhooks_outbox WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &item, nil
}

func (o *Outbox) deliver(ctx context.Context, item *models.OutboxItem) error {
	body, err := deliveryBody(item)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", item.EventType)
	req.Header.Set("X-Delivery-ID", item.ID.String())

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded with %s", resp.Status)
	}
	return nil
}

// deliveryBody is the stored payload with event_type added. Payloads that are not JSON objects
// are nested under "payload".
func deliveryBody(item *models.OutboxItem) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item.Payload, &fields); err != nil || fields == nil {
		fields = map[string]json.RawMessage{"payload": item.Payload}
	}

	eventType, err := json.Marshal(item.EventType)
	if err != nil {
		return nil, err
	}
	fields["event_type"] = eventType
	return json.Marshal(fields)
}
