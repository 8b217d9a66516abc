package runcmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cirunner/internal/api"
	"cirunner/internal/config"
	"cirunner/internal/database"
	"cirunner/internal/pipeline"
	"cirunner/internal/queue"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Runs the API server with live log streaming",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running server process")
		conf := config.FromCobraCmd(cmd)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		db := mustDatabase(conf)
		pool := mustPool(ctx, conf)
		bus := mustRedisBus(conf)
		defer closeAll(db, pool, bus)

		if conf.Database.AutoMigrate {
			if err := database.Migrate(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("Could not migrate database")
			}
		}

		jobs := queue.NewJobQueue(db)
		pipelines := pipeline.NewStore(db)
		logs := newLogService(conf, db, pool, bus)
		ob := newOutbox(conf, db)

		sweeper := mustStartSweeper(ctx, conf, jobs, ob)
		defer sweeper.Stop()

		go func() {
			if err := logs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Log stream stopped")
			}
		}()

		srv := &http.Server{
			Addr: fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port),
			Handler: api.New(api.Services{
				DB:        db,
				Pipelines: pipelines,
				Runs:      pipeline.NewRuns(db, pipelines, jobs),
				Logs:      logs,
			}),
			// live streams end with the process
			BaseContext:       func(net.Listener) context.Context { return ctx },
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("API server listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("API server failed")
			}
		case <-ctx.Done():
			log.Info().Msg("Received signal, shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Could not shut down API server cleanly")
			}
		}
	},
}
