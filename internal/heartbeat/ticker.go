// Package heartbeat keeps running jobs visibly alive and frees the ones whose worker went away.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Beater interface {
	UpdateHeartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error
}

// Start refreshes the heartbeat of jobID on behalf of workerID every interval until the returned stop function is
// called or ctx ends. A failed beat is logged and retried on the next tick. stop blocks until the
// ticking goroutine is gone, so no beat lands after it returns.
func Start(ctx context.Context, beater Beater, jobID uuid.UUID, workerID string, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := beater.UpdateHeartbeat(ctx, jobID, workerID); err != nil && ctx.Err() == nil {
					log.Error().
						Err(err).
						Str("job_id", jobID.String()).
						Str("worker_id", workerID).
						Msg("Could not update job heartbeat")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
