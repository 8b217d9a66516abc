package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the channel the job_logs insert trigger notifies on
const NotifyChannel = "job_logs"

// PGListener is a Source backed by LISTEN on a connection taken out of the pool for good
type PGListener struct {
	pool           *pgxpool.Pool
	reconnectDelay time.Duration
}

func NewPGListener(pool *pgxpool.Pool, reconnectDelay time.Duration) *PGListener {
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	return &PGListener{pool: pool, reconnectDelay: reconnectDelay}
}

func (l *PGListener) Listen(ctx context.Context, deliver func(Event)) error {
	return listenLoop(ctx, "postgres", l.reconnectDelay, func(ctx context.Context) error {
		return l.listenOnce(ctx, deliver)
	})
}

func (l *PGListener) listenOnce(ctx context.Context, deliver func(Event)) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire listener connection: %w", err)
	}
	// the session carries LISTEN state, so it never goes back to the pool
	conn := pooled.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("could not listen on %s: %w", NotifyChannel, err)
	}
	log.Info().Str("channel", NotifyChannel).Msg("Listening for log notifications")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		deliverPayload(notification.Payload, deliver)
	}
}

func deliverPayload(payload string, deliver func(Event)) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Error().Err(err).Str("payload", payload).Msg("Could not parse log notification")
		return
	}
	deliver(event)
}

// listenLoop keeps a subscription alive: whenever once returns while ctx is still live it waits
// delay and starts again
func listenLoop(ctx context.Context, backend string, delay time.Duration, once func(ctx context.Context) error) error {
	for {
		err := once(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().
			Err(err).
			Str("backend", backend).
			Dur("retry_in", delay).
			Msg("Log stream connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
