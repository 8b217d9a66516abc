package logstream_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cirunner/internal/database"
	"cirunner/internal/dbtest"
	"cirunner/internal/logstream"
	"cirunner/internal/models"
	"cirunner/internal/queue"
)

var (
	db   *sqlx.DB
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	d, conf, closeDB := dbtest.Connect()
	db = d
	if db != nil {
		if p, err := database.NewPool(context.Background(), conf); err == nil {
			pool = p
		}
	}

	code := m.Run()
	if pool != nil {
		pool.Close()
	}
	closeDB()
	os.Exit(code)
}

func seedJob(t *testing.T) uuid.UUID {
	job, err := queue.NewJobQueue(db).Insert(context.Background(), queue.NewJob{
		RunID:    dbtest.SeedRun(t, db),
		Stage:    "build",
		StepName: "compile",
		Command:  "make",
	})
	require.NoError(t, err)
	return job.ID
}

// startService runs a postgres-backed service until the test ends
func startService(t *testing.T) *logstream.Service {
	dbtest.Require(t, db)
	if pool == nil {
		t.Skip("no connection pool available")
	}

	svc := logstream.NewService(db, logstream.NewBroker(64), logstream.NewPGListener(pool, 50*time.Millisecond), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return svc
}

// appendUntilSeen keeps appending until the subscription sees a line, covering the time the
// listener needs to (re)connect
func appendUntilSeen(t *testing.T, svc *logstream.Service, sub *logstream.Subscription, jobID uuid.UUID, line string) logstream.Event {
	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, svc.Append(ctx, jobID, line, models.LogInfo))
		wait := time.After(100 * time.Millisecond)
	drain:
		for {
			select {
			case e := <-sub.C:
				// earlier attempts may still be buffered
				if strings.HasPrefix(line, strings.TrimSuffix(e.Line, "…")) {
					return e
				}
			case <-wait:
				break drain
			case <-deadline:
				t.Fatal("log line never reached the subscriber")
			}
		}
	}
}

func TestService_AppendAndList(t *testing.T) {
	dbtest.Require(t, db)
	svc := logstream.NewService(db, logstream.NewBroker(1), nil, nil)
	ctx := context.Background()
	jobID := seedJob(t)

	require.NoError(t, svc.Append(ctx, jobID, "first", models.LogInfo))
	require.NoError(t, svc.Append(ctx, jobID, "second", models.LogError))
	require.NoError(t, svc.Append(ctx, jobID, "third", ""))

	records, err := svc.List(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "first", records[0].LogLine)
	assert.Equal(t, models.LogError, records[1].LogLevel)
	assert.Equal(t, models.LogInfo, records[2].LogLevel)

	empty, err := svc.List(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestService_LiveDelivery(t *testing.T) {
	svc := startService(t)
	jobID := seedJob(t)

	sub := svc.Subscribe(jobID)
	defer sub.Close()
	other := svc.Subscribe(uuid.Nil)
	defer other.Close()

	event := appendUntilSeen(t, svc, sub, jobID, "hello")
	assert.Equal(t, jobID, event.JobID)
	assert.Equal(t, "hello", event.Line)
	assert.Equal(t, models.LogInfo, event.Level)
	assert.NotZero(t, event.RecordID)
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Minute)

	// the record is queryable by the time the event arrives
	records, err := svc.List(context.Background(), jobID)
	require.NoError(t, err)
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, event.RecordID)

	select {
	case e := <-other.C:
		assert.Equal(t, jobID, e.JobID)
	case <-time.After(time.Second):
		t.Fatal("global subscriber missed the event")
	}
}

func TestService_LongLinesAreTruncatedInNotification(t *testing.T) {
	svc := startService(t)

	tests := []struct {
		name string
		line string
	}{
		{"ascii", strings.Repeat("x", 9000)},
		{"multibyte", strings.Repeat("━", 3000)},
		{"escaped", strings.Repeat(`"\`, 3000)},
		{"control characters", strings.Repeat("\x01", 2500)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobID := seedJob(t)
			sub := svc.Subscribe(jobID)
			defer sub.Close()

			event := appendUntilSeen(t, svc, sub, jobID, tt.line)
			assert.True(t, strings.HasSuffix(event.Line, "…"))
			assert.Less(t, len(event.Line), len(tt.line))
			assert.True(t, strings.HasPrefix(tt.line, strings.TrimSuffix(event.Line, "…")))

			records, err := svc.List(context.Background(), jobID)
			require.NoError(t, err)
			require.NotEmpty(t, records)
			for _, r := range records {
				assert.Equal(t, tt.line, r.LogLine, "the stored line is kept whole")
			}
		})
	}
}

func TestService_ShortLinesAreNotTruncated(t *testing.T) {
	svc := startService(t)
	jobID := seedJob(t)
	sub := svc.Subscribe(jobID)
	defer sub.Close()

	line := strings.Repeat("x", 7000)
	event := appendUntilSeen(t, svc, sub, jobID, line)
	assert.Equal(t, line, event.Line)
}

func TestPGListener_Reconnects(t *testing.T) {
	svc := startService(t)
	jobID := seedJob(t)
	sub := svc.Subscribe(jobID)
	defer sub.Close()

	appendUntilSeen(t, svc, sub, jobID, "before")

	_, err := db.Exec(`
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE query = 'LISTEN job_logs'
		  AND pid <> pg_backend_pid()
	`)
	require.NoError(t, err)

	event := appendUntilSeen(t, svc, sub, jobID, "after")
	assert.Equal(t, "after", event.Line)
}
