package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLog is a model representing the append-only `job_logs` table
type JobLog struct {
	ID        int64     `db:"id" json:"id"`
	JobID     uuid.UUID `db:"job_id" json:"jobId"`
	LogLine   string    `db:"log_line" json:"line"`
	LogLevel  LogLevel  `db:"log_level" json:"level"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// DeploymentLock is the visibility row of a held deploy lock. The advisory lock is the source of
// truth; a row may outlive a crashed holder until the next acquire overwrites it.
type DeploymentLock struct {
	Environment string      `db:"environment" json:"environment"`
	LockedBy    null.String `db:"locked_by" json:"lockedBy"`
	LockedAt    time.Time   `db:"locked_at" json:"lockedAt"`
	ExpiresAt   null.Time   `db:"expires_at" json:"expiresAt"`
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxProcessed  OutboxStatus = "processed"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxItem is a model representing the `webhooks_outbox` table
type OutboxItem struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	EventType   string       `db:"event_type" json:"eventType"`
	Payload     []byte       `db:"payload" json:"-"`
	WebhookURL  string       `db:"webhook_url" json:"webhookUrl"`
	Status      OutboxStatus `db:"status" json:"status"`
	RetryCount  int          `db:"retry_count" json:"retryCount"`
	MaxRetries  int          `db:"max_retries" json:"maxRetries"`
	NextRetryAt time.Time    `db:"next_retry_at" json:"nextRetryAt"`
	ClaimedAt   null.Time    `db:"claimed_at" json:"claimedAt"`
	CreatedAt   time.Time    `db:"created_at" json:"createdAt"`
	ProcessedAt null.Time    `db:"processed_at" json:"processedAt"`
}
