package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cirunner/internal/config"
	"cirunner/internal/locks"
	"cirunner/internal/outbox"
	"cirunner/internal/queue"
	"cirunner/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker process",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		id := worker.Identity(conf.Worker.ID)
		log.Info().Str("worker_id", id).Msg("Running worker process")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		db := mustDatabase(conf)
		pool := mustPool(ctx, conf)
		bus := mustRedisBus(conf)
		defer closeAll(db, pool, bus)

		jobs := queue.NewJobQueue(db)
		logs := newLogService(conf, db, pool, bus)
		executor := worker.NewExecutor(jobs, logs, worker.LockManager(locks.NewManager(pool, conf.Worker.LockTTL)), worker.ExecutorConfig{
			WorkerID:          id,
			HeartbeatInterval: conf.Worker.HeartbeatInterval,
			DeployStages:      conf.Worker.DeployStages,
			Environments:      conf.Worker.Environments,
		})

		var drainer worker.OutboxDrainer
		var notifier worker.Notifier
		ob := newOutbox(conf, db)
		if ob != nil {
			drainer = ob
			notifier = outbox.NewNotifier(ob, conf.Outbox.WebhookURL, conf.Outbox.Events, conf.Outbox.MaxRetries)
		}

		sweeper := mustStartSweeper(ctx, conf, jobs, ob)
		defer sweeper.Stop()

		wrk := worker.New(id, jobs, executor, drainer, notifier, worker.Options{
			PollInterval:  conf.Worker.PollInterval,
			ShutdownGrace: conf.Worker.ShutdownGrace,
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- wrk.Run(ctx)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().
				Str("worker_id", wrk.ID).
				Dur("shutdown_grace", conf.Worker.ShutdownGrace).
				Msgf("Received signal %v, shutting down...", sig)
			cancel()
			// the in-flight job, if any, is recorded before Run returns
			if err := <-errCh; err != nil {
				log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Worker stopped with error")
			}
		}
	},
}
