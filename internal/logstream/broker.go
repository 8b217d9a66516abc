package logstream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cirunner/internal/models"
)

// Event is one live log line as it travels from the store to viewers
type Event struct {
	JobID     uuid.UUID       `json:"job_id"`
	Line      string          `json:"line"`
	Level     models.LogLevel `json:"level"`
	Timestamp time.Time       `json:"timestamp"`
	RecordID  int64           `json:"record_id"`
}

// Broker fans events out to in-process subscribers. Each subscriber owns a buffered channel; a
// subscriber that falls behind loses events rather than stalling the others.
type Broker struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Broker{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

type Subscription struct {
	C <-chan Event

	ch     chan Event
	jobID  uuid.UUID // uuid.Nil receives every job
	broker *Broker
	once   sync.Once
}

// Subscribe registers a new subscriber. Pass uuid.Nil to receive events for all jobs.
func (b *Broker) Subscribe(jobID uuid.UUID) *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch, jobID: jobID, broker: b}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Close unregisters the subscription and closes its channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		close(s.ch)
		s.broker.mu.Unlock()
	})
}

// Deliver hands e to every matching subscriber without blocking
func (b *Broker) Deliver(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.jobID != uuid.Nil && sub.jobID != e.JobID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			log.Warn().
				Str("job_id", e.JobID.String()).
				Int64("record_id", e.RecordID).
				Msg("Log subscriber is full, dropping event")
		}
	}
}

// Subscribers returns the number of live subscriptions
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
