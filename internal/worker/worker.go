package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cirunner/internal/models"
	"cirunner/internal/queue"
)

type State string

const (
	StateIdle      State = "idle"
	StateClaiming  State = "claiming"
	StateExecuting State = "executing"
	StateRecording State = "recording"
	StateDraining  State = "draining"
)

const (
	EventJobSucceeded = "job.succeeded"
	EventJobRetrying  = "job.retrying"
	EventJobFailed    = "job.failed"
)

// Runner executes a claimed job and returns its exit code
type Runner interface {
	Execute(ctx context.Context, job *models.Job) int
}

// OutboxDrainer delivers every due webhook notification
type OutboxDrainer interface {
	Drain(ctx context.Context) (int, error)
}

type Notifier interface {
	Notify(ctx context.Context, eventType string, payload any) error
}

type Options struct {
	PollInterval  time.Duration
	ShutdownGrace time.Duration // how long an in-flight command may run on after shutdown
	RecordRetries int           // attempts at writing a job outcome before giving up
	RecordBackoff time.Duration // base wait between those attempts
	// MaxClaimBackoff caps the wait after consecutive claim errors, which doubles from PollInterval
	MaxClaimBackoff time.Duration
}

// Worker claims jobs one at a time, runs them and records the outcome. When there is nothing to
// claim it drains the webhook outbox and waits a poll interval.
type Worker struct {
	ID       string
	jobs     JobStore
	runner   Runner
	outbox   OutboxDrainer // optional
	notifier Notifier      // optional
	claimer  *Claimer
	options  Options
	state    atomic.Value
}

func New(id string, jobs JobStore, runner Runner, outbox OutboxDrainer, notifier Notifier, options Options) *Worker {
	if options.ShutdownGrace <= 0 {
		options.ShutdownGrace = 30 * time.Second
	}
	if options.RecordRetries <= 0 {
		options.RecordRetries = 5
	}
	if options.RecordBackoff <= 0 {
		options.RecordBackoff = time.Second
	}
	if options.MaxClaimBackoff <= 0 {
		options.MaxClaimBackoff = 30 * time.Second
	}

	w := &Worker{
		ID:       id,
		jobs:     jobs,
		runner:   runner,
		outbox:   outbox,
		notifier: notifier,
		options:  options,
	}
	w.claimer = NewClaimer(jobs, id, options.PollInterval)
	w.claimer.OnIdle = w.drainOutbox
	w.setState(StateIdle)
	return w
}

func (w *Worker) State() State {
	return w.state.Load().(State)
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
}

// Run is a blocking function. It processes jobs until ctx is cancelled. A job in flight at that
// moment may run for ShutdownGrace more before its command is killed; its outcome is recorded
// either way.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Str("worker_id", w.ID).Msg("Worker started")

	failures := 0
	for {
		w.setState(StateClaiming)
		job, err := w.claimer.ClaimNextOrWait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.setState(StateDraining)
				log.Info().Str("worker_id", w.ID).Msg("Worker stopped")
				return nil
			}
			failures++
			wait := claimBackoff(w.claimer.pollInterval, w.options.MaxClaimBackoff, failures)
			log.Error().Err(err).
				Str("worker_id", w.ID).
				Int("failures", failures).
				Dur("retry_in", wait).
				Msg("Could not claim job")
			w.setState(StateIdle)
			if sleep(ctx, wait) != nil {
				w.setState(StateDraining)
				return nil
			}
			continue
		}
		failures = 0

		w.process(ctx, job)
		w.setState(StateIdle)
	}
}

// claimBackoff doubles base for every consecutive failure after the first, up to limit
func claimBackoff(base, limit time.Duration, failures int) time.Duration {
	wait := base
	for i := 1; i < failures && wait < limit; i++ {
		wait *= 2
	}
	return min(wait, limit)
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	execCtx, cancel := w.execContext(ctx)
	defer cancel()

	w.setState(StateExecuting)
	exitCode := w.runner.Execute(execCtx, job)

	w.setState(StateRecording)
	// the outcome must be written even while shutting down
	w.record(context.WithoutCancel(ctx), job, exitCode)
}

// execContext outlives ctx by the shutdown grace period
func (w *Worker) execContext(ctx context.Context) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-execCtx.Done():
			return
		case <-ctx.Done():
		}

		log.Warn().
			Str("worker_id", w.ID).
			Dur("grace", w.options.ShutdownGrace).
			Msg("Shutdown requested, waiting for running job")

		timer := time.NewTimer(w.options.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-execCtx.Done():
		case <-timer.C:
			log.Warn().Str("worker_id", w.ID).Msg("Shutdown grace exceeded, killing job")
			cancel()
		}
	}()
	return execCtx, cancel
}

func (w *Worker) record(ctx context.Context, job *models.Job, exitCode int) {
	logger := log.With().
		Str("worker_id", w.ID).
		Str("job_id", job.ID.String()).
		Int("exit_code", exitCode).
		Logger()

	var updated *models.Job
	_, err := tryRun(w.options.RecordRetries, w.options.RecordBackoff, func() error {
		var err error
		if exitCode == 0 {
			updated, err = w.jobs.MarkCompleted(ctx, job.ID, w.ID, exitCode)
		} else {
			updated, err = w.jobs.MarkFailed(ctx, job.ID, w.ID, exitCode)
		}
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Could not record job outcome")
		return
	}

	event := outcomeEvent(updated)
	logEvent(logger, updated).Str("status", string(updated.Status)).Msg("Recorded job outcome")

	if w.notifier == nil {
		return
	}
	payload := map[string]any{
		"job_id":      job.ID,
		"run_id":      job.PipelineRunID,
		"stage":       job.Stage,
		"step":        job.StepName,
		"exit_code":   exitCode,
		"retry_count": updated.RetryCount,
		"worker_id":   w.ID,
	}
	if err := w.notifier.Notify(ctx, event, payload); err != nil {
		logger.Error().Err(err).Str("event_type", event).Msg("Could not enqueue notification")
	}
}

func outcomeEvent(job *models.Job) string {
	switch job.Status {
	case models.JobSuccess:
		return EventJobSucceeded
	case models.JobFailed:
		return EventJobFailed
	default:
		return EventJobRetrying
	}
}

func logEvent(logger zerolog.Logger, job *models.Job) *zerolog.Event {
	switch job.Status {
	case models.JobSuccess:
		return logger.Info()
	case models.JobFailed:
		return logger.Error()
	default:
		return logger.Warn()
	}
}

func (w *Worker) drainOutbox(ctx context.Context) {
	if w.outbox == nil {
		return
	}
	w.setState(StateIdle)
	n, err := w.outbox.Drain(ctx)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("worker_id", w.ID).Msg("Could not drain webhook outbox")
	} else if n > 0 {
		log.Debug().Str("worker_id", w.ID).Int("count", n).Msg("Drained webhook outbox")
	}
}

// tryRun attempts to run a function up to maxAttempts times, waiting a little longer after each
// failure. A job that is no longer active is not retried.
func tryRun(maxAttempts int, backoff time.Duration, f func() error) (numAttempts int, lastErr error) {
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err := f()
		if err == nil {
			return attempts, nil
		}
		if errors.Is(err, queue.ErrJobNotActive) {
			return attempts, err
		}
		lastErr = err
		if attempts < maxAttempts {
			time.Sleep(time.Duration(attempts) * backoff)
		}
	}
	return maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
