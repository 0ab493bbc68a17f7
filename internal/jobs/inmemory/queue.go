package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/expense-assistant/internal/amqp"
	"github.com/dvloznov/expense-assistant/internal/jobs"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"github.com/google/uuid"
)

// Queue decouples request handling from message delivery.
// It is safe for concurrent use and suitable for single-instance deployments.
type Queue struct {
	jobChan    chan *jobs.PublishJob
	closeChan  chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	maxRetries int
	backoff    func(retry int) time.Duration

	// onDone observes finished jobs.
	onDone func(job *jobs.PublishJob)
}

// NewQueue creates a queue holding up to bufferSize pending jobs.
func NewQueue(bufferSize, maxRetries int) *Queue {
	return &Queue{
		jobChan:    make(chan *jobs.PublishJob, bufferSize),
		closeChan:  make(chan struct{}),
		maxRetries: maxRetries,
		backoff: func(retry int) time.Duration {
			return time.Duration(retry) * time.Second
		},
	}
}

// PublishTransactionsParsed enqueues msg for asynchronous delivery.
func (q *Queue) PublishTransactionsParsed(ctx context.Context, msg *amqp.TransactionsParsedMessage) error {
	return q.enqueue(ctx, &jobs.PublishJob{
		JobID:      uuid.NewString(),
		Message:    msg,
		Status:     jobs.JobStatusPending,
		CreatedAt:  time.Now(),
		MaxRetries: q.maxRetries,
	})
}

func (q *Queue) enqueue(ctx context.Context, job *jobs.PublishJob) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return fmt.Errorf("queue is closed")
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start launches workerCount workers running handler.
func (q *Queue) Start(ctx context.Context, handler jobs.Handler, workerCount int) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	if workerCount < 1 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}

	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob runs one delivery attempt and schedules a retry on failure.
func (q *Queue) processJob(ctx context.Context, job *jobs.PublishJob, handler jobs.Handler) {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("exchange_id", job.Message.ExchangeID).
		Logger()

	job.Status = jobs.JobStatusRunning
	err := handler(ctx, job)

	if err == nil {
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		q.done(job)
		return
	}

	job.Error = err.Error()
	if job.RetryCount >= job.MaxRetries {
		job.Status = jobs.JobStatusFailed
		log.Error().Err(err).Int("retries", job.RetryCount).Msg("Giving up on publish job")
		q.done(job)
		return
	}

	job.RetryCount++
	job.Status = jobs.JobStatusRetrying
	log.Warn().Err(err).Int("retry", job.RetryCount).Msg("Publish job failed, retrying")

	time.AfterFunc(q.backoff(job.RetryCount), func() {
		job.Status = jobs.JobStatusPending
		if err := q.enqueue(ctx, job); err != nil {
			job.Status = jobs.JobStatusFailed
			job.Error = err.Error()
			q.done(job)
		}
	})
}

func (q *Queue) done(job *jobs.PublishJob) {
	if q.onDone != nil {
		q.onDone(job)
	}
}

// Stop closes the queue and waits for in-flight jobs.
// Jobs still buffered are dropped.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
