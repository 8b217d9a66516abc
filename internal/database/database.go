package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"cirunner/internal/config"
)

// New opens the shared sqlx handle used for row-level queue, outbox and log operations.
func New(conf *config.CIConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", conf.GetDatabaseURL())
	if err != nil {
		return nil, err
	}
	if conf.Database.MaxConns > 0 {
		db.SetMaxOpenConns(int(conf.Database.MaxConns))
	}
	return db, nil
}

// NewPool opens a pgx pool. Session-scoped primitives (advisory locks, LISTEN) need a
// connection that is held for the lifetime of the lock or subscription, which the pool
// hands out through Acquire.
func NewPool(ctx context.Context, conf *config.CIConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(conf.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if conf.Database.MaxConns > 0 {
		poolConfig.MaxConns = conf.Database.MaxConns
	}
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("database", poolConfig.ConnConfig.Database).
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("Connected to PostgreSQL")

	return pool, nil
}
