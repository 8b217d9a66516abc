package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"cirunner/internal/models"
	"cirunner/internal/queue"
)

var ErrRunNotFound = errors.New("run not found")

const (
	TriggerManual  = "manual"
	TriggerGitPush = "git_push"
)

// Runs creates pipeline runs and seeds their jobs
type Runs struct {
	db        *sqlx.DB
	pipelines *Store
	jobs      *queue.JobQueue
}

func NewRuns(db *sqlx.DB, pipelines *Store, jobs *queue.JobQueue) *Runs {
	return &Runs{db: db, pipelines: pipelines, jobs: jobs}
}

// RunWithJobs is a run together with its jobs in execution order
type RunWithJobs struct {
	models.PipelineRun
	Jobs []models.Job `json:"jobs"`
}

// TriggerRun creates a run of pipelineID with one pending job per step. The run and all its jobs
// are written in one transaction, so workers never see a partially seeded run.
func (r *Runs) TriggerRun(ctx context.Context, pipelineID uuid.UUID, triggerType string, metadata any) (*models.PipelineRun, error) {
	p, err := r.pipelines.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	config, err := DecodeConfig(p)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("could not encode trigger metadata: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollbackTx(tx)

	var run models.PipelineRun
	err = tx.GetContext(ctx, &run, `
INSERT INTO pipeline_runs (pipeline_id, trigger_type, trigger_metadata, status)
VALUES ($1, $2, $3::JSONB, 'pending')
RETURNING *
`, pipelineID, triggerType, string(meta))
	if err != nil {
		return nil, fmt.Errorf("could not create run: %w", err)
	}

	for stageIndex, stage := range config.Stages {
		for stepIndex, step := range stage.Steps {
			priority := queue.DefaultPriority
			if step.Priority != nil {
				priority = *step.Priority
			}
			_, err := r.jobs.InsertWith(ctx, tx, queue.NewJob{
				RunID:      run.ID,
				Stage:      stage.Name,
				StageOrder: stageIndex,
				StepName:   step.Name,
				StepOrder:  stepIndex,
				Command:    step.Command,
				Priority:   priority,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Info().
		Str("pipeline_id", pipelineID.String()).
		Str("run_id", run.ID.String()).
		Str("trigger_type", triggerType).
		Int("jobs", config.NumJobs()).
		Msg("Triggered pipeline run")
	return &run, nil
}

func (r *Runs) Get(ctx context.Context, runID uuid.UUID) (*RunWithJobs, error) {
	var dest RunWithJobs
	err := r.db.GetContext(ctx, &dest.PipelineRun, `SELECT * FROM pipeline_runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	} else if err != nil {
		return nil, err
	}

	dest.Jobs, err = r.jobs.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &dest, nil
}

// List returns the latest runs, of one pipeline or of all when pipelineID is uuid.Nil
func (r *Runs) List(ctx context.Context, pipelineID uuid.UUID, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}
	runs := []models.PipelineRun{}
	err := r.db.SelectContext(ctx, &runs, `
SELECT *
FROM pipeline_runs
WHERE $1 = '00000000-0000-0000-0000-000000000000'::UUID OR pipeline_id = $1
ORDER BY created_at DESC
LIMIT $2
`, pipelineID, limit)
	return runs, err
}

func rollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("Could not rollback transaction")
	}
}
