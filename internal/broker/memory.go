package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

var ErrQueueClosed = errors.New("queue closed")

// DeadLetter is a job that exhausted its retries
type DeadLetter struct {
	Job      models.FulfillmentJob
	Attempts int
	Err      error
}

// MemoryQueue is an in-process JobQueue and JobSource. Several Consume calls
// may share one queue; each job is delivered to one of them.
type MemoryQueue struct {
	jobs   chan models.FulfillmentJob
	policy RetryPolicy
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	dead     []DeadLetter
	enqueued []models.FulfillmentJob

	closeOnce sync.Once
	closed    chan struct{}
}

var (
	_ ports.JobQueue  = (*MemoryQueue)(nil)
	_ ports.JobSource = (*MemoryQueue)(nil)
)

func NewMemoryQueue(capacity int, policy RetryPolicy) *MemoryQueue {
	if capacity < 1 {
		capacity = 1024
	}
	return &MemoryQueue{
		jobs:   make(chan models.FulfillmentJob, capacity),
		policy: policy,
		logger: util.GetLogger(),
		now:    time.Now,
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.FulfillmentJob) (string, error) {
	job = stampJob(job, q.now)

	select {
	case <-q.closed:
		return "", ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.closed:
		return "", ErrQueueClosed
	}

	q.mu.Lock()
	q.enqueued = append(q.enqueued, job)
	q.mu.Unlock()
	return job.JobID, nil
}

// Consume delivers jobs to handler until ctx is done or the queue is closed
func (q *MemoryQueue) Consume(ctx context.Context, handler ports.JobHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.closed:
			return nil
		case job := <-q.jobs:
			if ctx.Err() != nil {
				q.requeue(job)
				return nil
			}
			q.deliver(ctx, job, handler)
		}
	}
}

func (q *MemoryQueue) deliver(ctx context.Context, job models.FulfillmentJob, handler ports.JobHandler) {
	attempts, err := q.policy.Run(ctx, func() error {
		return handler(ctx, job)
	}, func(err error, attempt int, wait time.Duration) {
		q.logger.Warn("Fulfillment job failed, retrying",
			zap.String("job_id", job.JobID),
			zap.Int64("order_id", job.OrderID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		q.requeue(job)
		return
	}

	util.FulfillmentJobsTotal.WithLabelValues("dead_lettered").Inc()
	q.logger.Error("Fulfillment job dead-lettered",
		zap.String("job_id", job.JobID),
		zap.Int64("order_id", job.OrderID),
		zap.Int("attempts", attempts),
		zap.Error(err))

	q.mu.Lock()
	q.dead = append(q.dead, DeadLetter{Job: job, Attempts: attempts, Err: err})
	q.mu.Unlock()
}

// requeue puts back a job interrupted by shutdown so a later consumer of the
// same queue picks it up. Jobs are kept in memory only and die with the process.
func (q *MemoryQueue) requeue(job models.FulfillmentJob) {
	select {
	case q.jobs <- job:
		q.logger.Info("Fulfillment job requeued", zap.String("job_id", job.JobID), zap.Int64("order_id", job.OrderID))
	default:
		q.logger.Warn("Queue full, dropping interrupted fulfillment job",
			zap.String("job_id", job.JobID),
			zap.Int64("order_id", job.OrderID))
	}
}

// Pending returns the number of jobs waiting for a consumer
func (q *MemoryQueue) Pending() int {
	return len(q.jobs)
}

// Enqueued returns every job accepted so far
func (q *MemoryQueue) Enqueued() []models.FulfillmentJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.FulfillmentJob(nil), q.enqueued...)
}

// DeadLetters returns the jobs that exhausted their retries
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Close stops every consumer. It is safe to call more than once.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
