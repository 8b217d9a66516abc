// Package dbtest holds the helpers shared by the store-backed tests. They run against the
// database named by the regular config (CIR_DATABASE_* or config.yaml) and are skipped when it is
// unreachable.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"cirunner/internal/config"
	"cirunner/internal/database"
)

// packageLockKey serializes test packages sharing one database, since `go test ./...` runs
// packages in parallel and every package truncates the same tables
const packageLockKey = 727_002

// Connect opens and migrates the test database and takes a session lock that keeps other test
// packages out until the returned close function runs. db is nil when no database is reachable so
// that TestMain can still run the tests that do not need one.
func Connect() (db *sqlx.DB, conf *config.CIConfig, closeFn func()) {
	closeFn = func() {}

	conf, err := config.LoadConfig()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read in config")
		return nil, nil, closeFn
	}

	db, err = database.New(conf)
	if err != nil {
		log.Warn().Err(err).Msg("Test database unreachable, store tests will be skipped")
		return nil, conf, closeFn
	}

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, conf, closeFn
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, packageLockKey); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, conf, closeFn
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := database.Migrate(migrateCtx, db); err != nil {
		log.Warn().Err(err).Msg("Could not migrate test database, store tests will be skipped")
		_ = conn.Close()
		_ = db.Close()
		return nil, conf, closeFn
	}

	closeFn = func() {
		// closing the pool ends the locking session
		_ = conn.Close()
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Error encountered when closing test database")
		}
	}
	return db, conf, closeFn
}

// Require skips the test when there is no database or the run is -short, and clears all tables
func Require(t *testing.T, db *sqlx.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping store test in short mode")
	}
	if db == nil {
		t.Skip("no test database available")
	}
	Truncate(t, db)
}

// Truncate clears the test database
func Truncate(t *testing.T, db *sqlx.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE TABLE job_logs, jobs, pipeline_runs, pipelines, deployment_locks, webhooks_outbox CASCADE`)
	require.NoError(t, err)
}

// SeedPipeline inserts a pipeline with an empty config and returns its id
func SeedPipeline(t *testing.T, db *sqlx.DB, repository string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := db.QueryRow(`
		INSERT INTO pipelines (name, repository, config)
		VALUES ($1, $2, '{"stages": []}'::jsonb)
		RETURNING id
	`, "pipeline "+repository, repository).Scan(&id)
	require.NoError(t, err, "Could not insert pipeline. repository=%q", repository)
	return id
}

// SeedRun inserts a pipeline and a pending run and returns the run id
func SeedRun(t *testing.T, db *sqlx.DB) uuid.UUID {
	t.Helper()
	pipelineID := SeedPipeline(t, db, "acme/"+uuid.NewString()[:8])

	var id uuid.UUID
	err := db.QueryRow(`
		INSERT INTO pipeline_runs (pipeline_id, trigger_type)
		VALUES ($1, 'manual')
		RETURNING id
	`, pipelineID).Scan(&id)
	require.NoError(t, err, "Could not insert run for pipeline %s", pipelineID)
	return id
}
