package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cirunner/internal/heartbeat"
	"cirunner/internal/locks"
	"cirunner/internal/models"
)

const (
	// ExitCodeLockBusy is returned without running anything when another job holds the deploy
	// lock of the environment. The attempt is recorded as a failure so the job is retried.
	ExitCodeLockBusy = 75
	// ExitCodeKilled is returned when the command was killed because the worker shut down
	ExitCodeKilled = 137
)

// LogAppender persists a line of job output
type LogAppender interface {
	Append(ctx context.Context, jobID uuid.UUID, line string, level models.LogLevel) error
}

// Lease is a held or lost attempt at a deploy lock
type Lease interface {
	Held() bool
	Release(ctx context.Context) error
}

type DeployLocker interface {
	TryAcquire(ctx context.Context, environment, holder string) (Lease, error)
}

// LockManager adapts locks.Manager to DeployLocker
func LockManager(m *locks.Manager) DeployLocker {
	return lockManager{m: m}
}

type lockManager struct {
	m *locks.Manager
}

func (l lockManager) TryAcquire(ctx context.Context, environment, holder string) (Lease, error) {
	lease, err := l.m.TryAcquire(ctx, environment, holder)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

type ExecutorConfig struct {
	WorkerID          string
	HeartbeatInterval time.Duration
	DeployStages      []string
	Environments      []string
}

// Executor runs one job's command and streams its output into the job log
type Executor struct {
	jobs   heartbeat.Beater
	logs   LogAppender
	locker DeployLocker
	config ExecutorConfig
}

func NewExecutor(jobs heartbeat.Beater, logs LogAppender, locker DeployLocker, config ExecutorConfig) *Executor {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if len(config.DeployStages) == 0 {
		config.DeployStages = DefaultDeployStages
	}
	if len(config.Environments) == 0 {
		config.Environments = DefaultEnvironments
	}
	return &Executor{jobs: jobs, logs: logs, locker: locker, config: config}
}

// Execute runs job and returns its exit code. Deploy jobs first take the deploy lock of their
// environment and return ExitCodeLockBusy when it is taken. The heartbeat runs for as long as
// the command does. Cancelling ctx kills the command.
func (e *Executor) Execute(ctx context.Context, job *models.Job) int {
	logger := log.With().
		Str("worker_id", e.config.WorkerID).
		Str("job_id", job.ID.String()).
		Str("run_id", job.PipelineRunID.String()).
		Logger()

	// output after a kill is still worth keeping
	logCtx := context.WithoutCancel(ctx)

	if IsDeployStage(job.Stage, e.config.DeployStages) {
		env := GuessEnvironment(job.Command, e.config.Environments)
		lease, err := e.locker.TryAcquire(ctx, env, job.PipelineRunID.String())
		if err != nil {
			logger.Error().Err(err).Str("environment", env).Msg("Could not try deploy lock")
			e.append(logCtx, job.ID, fmt.Sprintf("Could not check deploy lock for %s: %v", env, err), models.LogError)
			return ExitCodeLockBusy
		}
		if !lease.Held() {
			logger.Info().Str("environment", env).Msg("Deploy lock busy")
			e.append(logCtx, job.ID, fmt.Sprintf("Deploy lock busy for %s; skipping", env), models.LogWarn)
			return ExitCodeLockBusy
		}
		defer func() {
			if err := lease.Release(logCtx); err != nil {
				logger.Error().Err(err).Str("environment", env).Msg("Could not release deploy lock")
			}
		}()
		e.append(logCtx, job.ID, fmt.Sprintf("Acquired deploy lock for %s", env), models.LogInfo)
	}

	stop := heartbeat.Start(ctx, e.jobs, job.ID, e.config.WorkerID, e.config.HeartbeatInterval)
	defer stop()

	e.append(logCtx, job.ID, fmt.Sprintf("worker=%s exec: %s", e.config.WorkerID, job.Command), models.LogInfo)
	logger.Info().Str("command", job.Command).Msg("Executing job")

	stdout := newLineWriter(func(line string) { e.append(logCtx, job.ID, line, models.LogInfo) })
	stderr := newLineWriter(func(line string) { e.append(logCtx, job.ID, line, models.LogError) })

	cmd := exec.CommandContext(ctx, "sh", "-c", job.Command)
	cmd.Env = os.Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// children that keep the pipes open must not hang the worker after a kill
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			exitCode = ExitCodeKilled
			e.append(logCtx, job.ID, "Command killed: worker is shutting down", models.LogError)
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
			if exitCode < 0 {
				exitCode = 1
			}
		default:
			exitCode = 1
			e.append(logCtx, job.ID, fmt.Sprintf("Execution error: %v", err), models.LogError)
		}
	}

	logger.Info().Int("exit_code", exitCode).Msg("Job command finished")
	return exitCode
}

// append writes to the job log. A lost line is logged, never fatal to the job.
func (e *Executor) append(ctx context.Context, jobID uuid.UUID, line string, level models.LogLevel) {
	if err := e.logs.Append(ctx, jobID, line, level); err != nil {
		log.Error().
			Err(err).
			Str("job_id", jobID.String()).
			Msg("Could not append job log")
	}
}
