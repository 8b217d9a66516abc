package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

// This file contains the models backing the job queue: pipelines, their runs and the jobs of a run

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status will never be claimed again
func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Pipeline is a model representing the `pipelines` table
type Pipeline struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Repository string    `db:"repository" json:"repository"`
	Config     []byte    `db:"config" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// PipelineRun is a model representing the `pipeline_runs` table. Status is derived by the
// store from the statuses of the run's jobs.
type PipelineRun struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PipelineID      uuid.UUID `db:"pipeline_id" json:"pipelineId"`
	TriggerType     string    `db:"trigger_type" json:"triggerType"`
	TriggerMetadata []byte    `db:"trigger_metadata" json:"-"`
	Status          RunStatus `db:"status" json:"status"`
	StartedAt       null.Time `db:"started_at" json:"startedAt"`
	CompletedAt     null.Time `db:"completed_at" json:"completedAt"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Job is a model representing the `jobs` table. One row per pipeline step.
type Job struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	PipelineRunID uuid.UUID   `db:"pipeline_run_id" json:"pipelineRunId"`
	Stage         string      `db:"stage" json:"stage"`
	StageOrder    int         `db:"stage_order" json:"stageOrder"`
	StepName      string      `db:"step_name" json:"stepName"`
	StepOrder     int         `db:"step_order" json:"stepOrder"`
	Command       string      `db:"command" json:"command"`
	Status        JobStatus   `db:"status" json:"status"`
	Priority      int         `db:"priority" json:"priority"`
	ClaimedBy     null.String `db:"claimed_by" json:"claimedBy"`
	ClaimedAt     null.Time   `db:"claimed_at" json:"claimedAt"`
	HeartbeatAt   null.Time   `db:"heartbeat_at" json:"heartbeatAt"`
	RetryCount    int         `db:"retry_count" json:"retryCount"`
	MaxRetries    int         `db:"max_retries" json:"maxRetries"`
	ExitCode      null.Int    `db:"exit_code" json:"exitCode"`
	StartedAt     null.Time   `db:"started_at" json:"startedAt"`
	CompletedAt   null.Time   `db:"completed_at" json:"completedAt"`
	CreatedAt     time.Time   `db:"created_at" json:"createdAt"`
}
