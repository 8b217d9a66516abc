// Package logstream persists job output and streams it live to any number of viewers.
//
// Writers only insert rows. A trigger on job_logs turns every insert into a NOTIFY on the
// job_logs channel, which a Source relays into the in-process Broker. With the redis backend the
// service publishes to redis itself after the insert and the Source is a redis subscription.
package logstream

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"cirunner/internal/models"
)

// Source feeds live events into deliver until ctx ends, reconnecting on its own when the
// underlying connection drops. Events published while disconnected are not replayed.
type Source interface {
	Listen(ctx context.Context, deliver func(Event)) error
}

// Publisher pushes an event to a Source for backends that have no store-side notification
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Service struct {
	db        *sqlx.DB
	broker    *Broker
	source    Source
	publisher Publisher // nil when the store notifies on insert
}

func NewService(db *sqlx.DB, broker *Broker, source Source, publisher Publisher) *Service {
	return &Service{db: db, broker: broker, source: source, publisher: publisher}
}

// Append persists one log line for jobID
func (s *Service) Append(ctx context.Context, jobID uuid.UUID, line string, level models.LogLevel) error {
	if level == "" {
		level = models.LogInfo
	}

	var record models.JobLog
	err := s.db.GetContext(ctx, &record, `
INSERT INTO job_logs (job_id, log_line, log_level)
VALUES ($1, $2, $3)
RETURNING *
`, jobID, line, level)
	if err != nil {
		return fmt.Errorf("could not append log for job %s: %w", jobID, err)
	}

	if s.publisher != nil {
		return s.publisher.Publish(ctx, EventFromRecord(record))
	}
	return nil
}

// List returns the persisted log of a job in the order it was written
func (s *Service) List(ctx context.Context, jobID uuid.UUID) ([]models.JobLog, error) {
	records := []models.JobLog{}
	err := s.db.SelectContext(ctx, &records, `
SELECT *
FROM job_logs
WHERE job_id = $1
ORDER BY timestamp, id
`, jobID)
	return records, err
}

// Subscribe starts a live view of one job, or of every job with uuid.Nil. Callers must Close it.
func (s *Service) Subscribe(jobID uuid.UUID) *Subscription {
	return s.broker.Subscribe(jobID)
}

// Run relays the Source into the broker until ctx ends
func (s *Service) Run(ctx context.Context) error {
	return s.source.Listen(ctx, s.broker.Deliver)
}

func EventFromRecord(r models.JobLog) Event {
	return Event{
		JobID:     r.JobID,
		Line:      r.LogLine,
		Level:     r.LogLevel,
		Timestamp: r.Timestamp,
		RecordID:  r.ID,
	}
}
