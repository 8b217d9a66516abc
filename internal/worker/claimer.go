package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"cirunner/internal/models"
)

// JobStore is the part of the job queue a worker drives
type JobStore interface {
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, jobID uuid.UUID, workerID string, exitCode int) (*models.Job, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, workerID string, exitCode int) (*models.Job, error)
	UpdateHeartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error
}

// Claimer turns "no job available" into waiting. OnIdle, when set, runs before every wait.
type Claimer struct {
	jobs         JobStore
	workerID     string
	pollInterval time.Duration
	OnIdle       func(ctx context.Context)
}

func NewClaimer(jobs JobStore, workerID string, pollInterval time.Duration) *Claimer {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Claimer{jobs: jobs, workerID: workerID, pollInterval: pollInterval}
}

// ClaimNextOrWait blocks until a job is claimed, the store fails, or ctx ends. Cancellation
// returns ctx.Err() promptly, even in the middle of a wait.
func (c *Claimer) ClaimNextOrWait(ctx context.Context) (*models.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := c.jobs.ClaimNext(ctx, c.workerID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		if c.OnIdle != nil {
			c.OnIdle(ctx)
		}
		if err := sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
