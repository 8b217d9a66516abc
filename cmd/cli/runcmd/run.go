package runcmd

import (
	"context"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cirunner/internal/config"
	"cirunner/internal/database"
	"cirunner/internal/heartbeat"
	"cirunner/internal/logstream"
	"cirunner/internal/outbox"
	"cirunner/internal/queue"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(serverCmd)
}

func mustDatabase(conf *config.CIConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}
	return db
}

func mustPool(ctx context.Context, conf *config.CIConfig) *pgxpool.Pool {
	pool, err := database.NewPool(ctx, conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create connection pool")
	}
	return pool
}

// mustRedisBus connects to redis when it is the configured stream backend and returns nil otherwise
func mustRedisBus(conf *config.CIConfig) *logstream.RedisBus {
	if !strings.EqualFold(conf.Stream.Backend, "redis") {
		return nil
	}
	redis := conf.Stream.Redis
	bus, err := logstream.NewRedisBus(redis.Host, redis.Password, redis.DB, conf.Stream.ReconnectDelay)
	if err != nil {
		log.Fatal().Err(err).Str("host", redis.Host).Msg("Could not connect to redis stream backend")
	}
	return bus
}

// newLogService builds the log service for the configured backend. Postgres notifies on insert by
// itself, redis needs every append published.
func newLogService(conf *config.CIConfig, db *sqlx.DB, pool *pgxpool.Pool, bus *logstream.RedisBus) *logstream.Service {
	broker := logstream.NewBroker(conf.Stream.BufferSize)
	if bus != nil {
		return logstream.NewService(db, broker, bus, bus)
	}
	return logstream.NewService(db, broker, logstream.NewPGListener(pool, conf.Stream.ReconnectDelay), nil)
}

// newOutbox returns nil when no webhook is configured
func newOutbox(conf *config.CIConfig, db *sqlx.DB) *outbox.Outbox {
	if conf.Outbox.WebhookURL == "" {
		return nil
	}
	return outbox.New(db, &http.Client{Timeout: conf.Outbox.RequestTimeout})
}

func mustStartSweeper(ctx context.Context, conf *config.CIConfig, jobs *queue.JobQueue, ob *outbox.Outbox) *heartbeat.Sweeper {
	var outboxReclaimer heartbeat.OutboxReclaimer
	if ob != nil {
		outboxReclaimer = ob
	}

	sweeper, err := heartbeat.NewSweeper(jobs, outboxReclaimer, heartbeat.SweepOptions{
		Schedule:         conf.Sweep.Schedule,
		StaleAfter:       conf.Sweep.StaleAfter,
		OutboxStaleAfter: conf.Sweep.OutboxStaleAfter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create sweeper")
	}
	sweeper.Start(ctx)
	return sweeper
}

func closeAll(db *sqlx.DB, pool *pgxpool.Pool, bus *logstream.RedisBus) {
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close redis cleanly on shutdown")
		}
	}
	pool.Close()
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
	}
}
