package jobs

import (
	"context"
	"time"

	"github.com/dvloznov/expense-assistant/internal/amqp"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed and will not be retried.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// PublishJob delivers one parsed batch to bulk persistence.
type PublishJob struct {
	JobID   string
	Message *amqp.TransactionsParsedMessage

	Status     JobStatus
	CreatedAt  time.Time
	Error      string
	RetryCount int
	MaxRetries int
}

// Handler delivers a job. A returned error schedules a retry while
// RetryCount < MaxRetries.
type Handler func(ctx context.Context, job *PublishJob) error

// Deliverer is the synchronous publisher a Handler usually wraps.
type Deliverer interface {
	PublishTransactionsParsed(ctx context.Context, msg *amqp.TransactionsParsedMessage) error
}

// DeliverWith returns a Handler that publishes through d.
func DeliverWith(d Deliverer) Handler {
	return func(ctx context.Context, job *PublishJob) error {
		return d.PublishTransactionsParsed(ctx, job.Message)
	}
}
