package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

type Reclaimer interface {
	ReclaimStuck(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// OutboxReclaimer returns webhook deliveries stuck in processing to the pending pool
type OutboxReclaimer interface {
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

type SweepOptions struct {
	Schedule         string        // cron spec, "@every 15s" by default
	StaleAfter       time.Duration // heartbeat age after which a running job is reclaimed
	OutboxStaleAfter time.Duration // time an outbox item may stay in processing
}

// Sweeper periodically reclaims jobs with stale heartbeats. Every process may run one: the
// reclaim is a single conditional update, so concurrent sweeps never double count a job.
type Sweeper struct {
	jobs    Reclaimer
	outbox  OutboxReclaimer // optional
	options SweepOptions
	cron    *cron.Cron

	isRunning  bool
	context    context.Context
	cancelFunc context.CancelFunc
}

func NewSweeper(jobs Reclaimer, outbox OutboxReclaimer, options SweepOptions) (*Sweeper, error) {
	if options.Schedule == "" {
		options.Schedule = "@every 15s"
	}
	if options.StaleAfter <= 0 {
		options.StaleAfter = 30 * time.Second
	}
	if options.OutboxStaleAfter <= 0 {
		options.OutboxStaleAfter = 5 * time.Minute
	}

	logger := cronLogger{}
	s := &Sweeper{
		jobs:    jobs,
		outbox:  outbox,
		options: options,
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}

	if _, err := s.cron.AddFunc(options.Schedule, func() { s.Sweep(s.context) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", options.Schedule, err)
	}
	return s, nil
}

// Start runs the sweep on its schedule in the background
func (s *Sweeper) Start(ctx context.Context) {
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.context, s.cancelFunc = context.WithCancel(ctx)
	s.cron.Start()

	log.Info().
		Str("schedule", s.options.Schedule).
		Dur("stale_after", s.options.StaleAfter).
		Msg("Heartbeat sweep started")
}

// Stop halts the schedule and waits for a sweep in progress to finish
func (s *Sweeper) Stop() {
	if !s.isRunning {
		return
	}
	s.cancelFunc()
	<-s.cron.Stop().Done()
	s.isRunning = false
}

// Sweep performs one reclaim pass. Store errors are logged, the next pass tries again.
func (s *Sweeper) Sweep(ctx context.Context) {
	n, err := s.jobs.ReclaimStuck(ctx, s.options.StaleAfter)
	if err != nil {
		log.Error().Err(err).Msg("Could not reclaim stuck jobs")
	} else if n > 0 {
		log.Warn().Int64("count", n).Msg("Reclaimed jobs with stale heartbeats")
	}

	if s.outbox == nil {
		return
	}
	n, err = s.outbox.ReclaimStale(ctx, s.options.OutboxStaleAfter)
	if err != nil {
		log.Error().Err(err).Msg("Could not reclaim stale outbox items")
	} else if n > 0 {
		log.Warn().Int64("count", n).Msg("Returned stale outbox items to pending")
	}
}

// cronLogger routes cron's own messages into zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
