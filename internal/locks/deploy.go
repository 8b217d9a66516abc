// Package locks serializes deployments per environment with Postgres session advisory locks.
//
// The advisory lock lives as long as the session that took it, so a lease pins one pooled
// connection until it is released. If the holder dies the server drops the session and the lock
// with it. The deployment_locks row only makes the holder visible and may go stale.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"cirunner/internal/models"
)

type Manager struct {
	pool *pgxpool.Pool
	ttl  time.Duration // only used to stamp expires_at on the visibility row
}

func NewManager(pool *pgxpool.Pool, ttl time.Duration) *Manager {
	return &Manager{pool: pool, ttl: ttl}
}

// Lease is the result of a lock attempt. Release must be called once the deployment finishes,
// on every path. It is safe to call more than once and a no-op when the lock was not acquired.
type Lease struct {
	Environment string
	Holder      string
	Acquired    bool

	conn *pgxpool.Conn
	once sync.Once
	err  error
}

func lockKey(environment string) string {
	return "deploy:" + environment
}

// TryAcquire attempts to take the deploy lock for environment without waiting. A busy lock is
// not an error: the lease comes back with Acquired false.
func (m *Manager) TryAcquire(ctx context.Context, environment, holder string) (*Lease, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not acquire connection for deploy lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, lockKey(environment)).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("could not try deploy lock %q: %w", environment, err)
	}

	lease := &Lease{Environment: environment, Holder: holder}
	if !acquired {
		conn.Release()
		return lease, nil
	}
	lease.Acquired = true
	lease.conn = conn

	expiresAt := null.NewTime(time.Now().Add(m.ttl), m.ttl > 0)
	if _, err := conn.Exec(ctx, `
INSERT INTO deployment_locks (environment, locked_by, locked_at, expires_at)
VALUES ($1, $2, NOW(), $3)
ON CONFLICT (environment) DO UPDATE
	SET locked_by  = EXCLUDED.locked_by,
		locked_at  = EXCLUDED.locked_at,
		expires_at = EXCLUDED.expires_at
`, environment, holder, expiresAt); err != nil {
		// the advisory lock is held, only visibility is lost
		log.Warn().Err(err).Str("environment", environment).Msg("Could not record deploy lock holder")
	}

	return lease, nil
}

// Held reports whether this lease owns the lock
func (l *Lease) Held() bool {
	return l != nil && l.Acquired
}

// Release clears the visibility row, frees the advisory lock and hands the connection back
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || !l.Acquired {
		return nil
	}
	l.once.Do(func() {
		l.err = l.release(ctx)
	})
	return l.err
}

func (l *Lease) release(ctx context.Context) error {
	var errs []error
	if _, err := l.conn.Exec(ctx, `DELETE FROM deployment_locks WHERE environment = $1 AND locked_by = $2`, l.Environment, l.Holder); err != nil {
		errs = append(errs, fmt.Errorf("could not clear deploy lock row: %w", err))
	}

	var unlocked bool
	err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, lockKey(l.Environment)).Scan(&unlocked)
	if err != nil || !unlocked {
		if err == nil {
			err = errors.New("advisory lock was not held by this session")
		}
		errs = append(errs, fmt.Errorf("could not unlock %q: %w", l.Environment, err))

		// a session in an unknown lock state must not go back to the pool; closing it ends the
		// session and the server drops the lock
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.conn.Conn().Close(closeCtx); err != nil {
			log.Error().Err(err).Str("environment", l.Environment).Msg("Could not close deploy lock session")
		}
	}

	l.conn.Release()
	return errors.Join(errs...)
}

// List returns the current visibility rows. Rows left behind by crashed holders are included.
func List(ctx context.Context, db *sqlx.DB) ([]models.DeploymentLock, error) {
	locks := []models.DeploymentLock{}
	err := db.SelectContext(ctx, &locks, `SELECT * FROM deployment_locks ORDER BY environment`)
	return locks, err
}
