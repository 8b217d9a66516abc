package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"cirunner/internal/models"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotActive = errors.New("job is not running under this claim")
)

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// NewJob describes one step of a triggered run. StageOrder and StepOrder are the 0-based
// positions that define the execution order inside the run.
type NewJob struct {
	RunID      uuid.UUID
	Stage      string
	StageOrder int
	StepName   string
	StepOrder  int
	Command    string
	Priority   int
	MaxRetries int
}

// JobQueue is the job table plus the claim protocol on top of it. All coordination between
// workers happens through row locks taken here.
type JobQueue struct {
	db *sqlx.DB
}

func NewJobQueue(db *sqlx.DB) *JobQueue {
	return &JobQueue{db: db}
}

// Insert creates a pending job
func (q *JobQueue) Insert(ctx context.Context, job NewJob) (*models.Job, error) {
	return q.InsertWith(ctx, q.db, job)
}

// InsertWith creates a pending job using ext, which lets a caller seed a whole run inside its
// own transaction
func (q *JobQueue) InsertWith(ctx context.Context, ext sqlx.QueryerContext, job NewJob) (*models.Job, error) {
	if job.MaxRetries <= 0 {
		job.MaxRetries = DefaultMaxRetries
	}

	var dest models.Job
	err := sqlx.GetContext(ctx, ext, &dest, `
INSERT INTO jobs (pipeline_run_id, stage, stage_order, step_name, step_order, command, priority, max_retries)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING *
`, job.RunID, job.Stage, job.StageOrder, job.StepName, job.StepOrder, job.Command, job.Priority, job.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("could not insert job %s/%s: %w", job.Stage, job.StepName, err)
	}
	return &dest, nil
}

// ClaimNext atomically moves the next eligible job to running on behalf of workerID. A job is
// eligible when it is pending and no sibling in the same run with an earlier (stage, step)
// position is still open. Rows locked by concurrent claimants are skipped, so two workers never
// receive the same job. Returns nil, nil when nothing is claimable.
func (q *JobQueue) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	var dest models.Job
	err := q.db.GetContext(ctx, &dest, `
UPDATE jobs
SET status       = 'running',
	claimed_by   = $1,
	claimed_at   = NOW(),
	heartbeat_at = NOW(),
	started_at   = NOW()
WHERE id = (
	SELECT j.id
	FROM jobs j
	WHERE j.status = 'pending'
	  AND NOT EXISTS (
		SELECT 1
		FROM jobs prev
		WHERE prev.pipeline_run_id = j.pipeline_run_id
		  AND (prev.stage_order, prev.step_order) < (j.stage_order, j.step_order)
		  AND prev.status NOT IN ('success', 'failed', 'cancelled')
	  )
	ORDER BY j.stage_order, j.step_order, j.priority DESC, j.created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING *
`, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not claim job: %w", err)
	}
	return &dest, nil
}

// MarkCompleted records a successful exit. Only the worker holding the claim may record it; a
// job that was reclaimed in the meantime returns ErrJobNotActive.
func (q *JobQueue) MarkCompleted(ctx context.Context, jobID uuid.UUID, workerID string, exitCode int) (*models.Job, error) {
	var dest models.Job
	err := q.db.GetContext(ctx, &dest, `
UPDATE jobs
SET status       = 'success',
	exit_code    = $2,
	completed_at = NOW()
WHERE id = $1
  AND status = 'running'
  AND claimed_by = $3
RETURNING *
`, jobID, exitCode, workerID)
	return q.marked(&dest, err)
}

// MarkFailed records a failed attempt. The job goes back to pending with its claim cleared, so
// any worker may pick it up, unless this attempt used up the retry budget, in which case it
// becomes failed. As with MarkCompleted, workerID must still hold the claim.
func (q *JobQueue) MarkFailed(ctx context.Context, jobID uuid.UUID, workerID string, exitCode int) (*models.Job, error) {
	var dest models.Job
	err := q.db.GetContext(ctx, &dest, `
UPDATE jobs
SET status       = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
	completed_at = CASE WHEN retry_count + 1 >= max_retries THEN NOW() END,
	retry_count  = retry_count + 1,
	exit_code    = $2,
	claimed_by   = NULL,
	claimed_at   = NULL,
	heartbeat_at = NULL
WHERE id = $1
  AND status = 'running'
  AND claimed_by = $3
RETURNING *
`, jobID, exitCode, workerID)
	return q.marked(&dest, err)
}

func (q *JobQueue) marked(job *models.Job, err error) (*models.Job, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotActive
	} else if err != nil {
		return nil, fmt.Errorf("could not record job outcome: %w", err)
	}
	return job, nil
}

// UpdateHeartbeat refreshes the liveness timestamp of a job workerID is running. It returns
// ErrJobNotActive once the claim is lost.
func (q *JobQueue) UpdateHeartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs
SET heartbeat_at = NOW()
WHERE id = $1
  AND status = 'running'
  AND claimed_by = $2
`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("could not update heartbeat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotActive
	}
	return nil
}

// ReclaimStuck returns running jobs whose heartbeat is older than staleAfter to the pending pool,
// consuming one retry each. The staleness check and the update are one statement, so a heartbeat
// that lands first always wins. Jobs without retries left stay running for an operator to look at.
func (q *JobQueue) ReclaimStuck(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs
SET status       = 'pending',
	claimed_by   = NULL,
	claimed_at   = NULL,
	heartbeat_at = NULL,
	retry_count  = retry_count + 1
WHERE status = 'running'
  AND heartbeat_at < NOW() - MAKE_INTERVAL(secs => $1)
  AND retry_count < max_retries
`, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("could not reclaim stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

func (q *JobQueue) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var dest models.Job
	err := q.db.GetContext(ctx, &dest, `SELECT * FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, err
	}
	return &dest, nil
}

// ListByRun returns the jobs of a run in execution order
func (q *JobQueue) ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Job, error) {
	jobs := []models.Job{}
	err := q.db.SelectContext(ctx, &jobs, `
SELECT *
FROM jobs
WHERE pipeline_run_id = $1
ORDER BY stage_order, step_order, created_at
`, runID)
	return jobs, err
}
