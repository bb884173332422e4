package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DeadLetterSuffix is appended to a topic to name its dead-letter topic
const DeadLetterSuffix = ".dlq"

// Headers set on dead-lettered messages
const (
	HeaderError    = "x-error"
	HeaderAttempts = "x-attempts"
	HeaderSource   = "x-source-topic"
)

// FulfillmentQueue publishes fulfillment jobs keyed by order id, so every job
// of one order lands on the same partition.
type FulfillmentQueue struct {
	producer *Producer
	now      func() time.Time
}

var _ ports.JobQueue = (*FulfillmentQueue)(nil)

func NewFulfillmentQueue(producer *Producer) *FulfillmentQueue {
	return &FulfillmentQueue{producer: producer, now: time.Now}
}

// Enqueue assigns a job id when missing and publishes the job
func (q *FulfillmentQueue) Enqueue(ctx context.Context, job models.FulfillmentJob) (string, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentQueue.Enqueue")
	defer span.End()

	job = stampJob(job, q.now)
	if err := q.producer.PublishEvent(ctx, strconv.FormatInt(job.OrderID, 10), job); err != nil {
		util.RecordError(span, err)
		return "", err
	}
	return job.JobID, nil
}

func stampJob(job models.FulfillmentJob, now func() time.Time) models.FulfillmentJob {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now().UTC()
	}
	return job
}

// DecodeJob parses a job envelope. Malformed payloads are permanent failures.
func DecodeJob(value []byte) (models.FulfillmentJob, error) {
	var job models.FulfillmentJob
	if err := json.Unmarshal(value, &job); err != nil {
		return job, Permanent(fmt.Errorf("malformed fulfillment job: %w", err))
	}
	if job.OrderID <= 0 {
		return job, Permanent(fmt.Errorf("fulfillment job %q has no order id", job.JobID))
	}
	return job, nil
}

// JobConsumer is a JobSource backed by one Kafka consumer-group member. Failed
// jobs are retried in place per the policy, then written to the dead-letter
// topic and committed. A job is never committed before it reached the
// dead-letter topic.
type JobConsumer struct {
	consumer   *Consumer
	deadLetter MessagePublisher
	policy     RetryPolicy
	logger     *zap.Logger
}

var _ ports.JobSource = (*JobConsumer)(nil)

func NewJobConsumer(consumer *Consumer, deadLetter MessagePublisher, policy RetryPolicy) *JobConsumer {
	return &JobConsumer{
		consumer:   consumer,
		deadLetter: deadLetter,
		policy:     policy,
		logger:     util.GetLogger(),
	}
}

// Consume blocks until ctx is done. If the member has to stop on a message it
// could neither handle nor dead-letter, the reader is closed so the group
// reassigns the partition and the message is redelivered.
func (c *JobConsumer) Consume(ctx context.Context, handler ports.JobHandler) error {
	err := c.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		job, err := DecodeJob(msg.Value)
		attempts := 0
		if err == nil {
			attempts, err = c.policy.Run(ctx, func() error {
				return handler(ctx, job)
			}, func(err error, attempt int, wait time.Duration) {
				c.logger.Warn("Fulfillment job failed, retrying",
					zap.String("job_id", job.JobID),
					zap.Int64("order_id", job.OrderID),
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait),
					zap.Error(err))
			})
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// shutting down; leave uncommitted for redelivery
			return ctx.Err()
		}
		return c.sendToDeadLetter(ctx, msg, attempts, err)
	})
	if err != nil {
		if closeErr := c.consumer.Close(); closeErr != nil {
			return errors.Join(err, closeErr)
		}
	}
	return err
}

// sendToDeadLetter keeps publishing until the dead-letter topic accepts the
// message or ctx is done. Until then the partition does not advance.
func (c *JobConsumer) sendToDeadLetter(ctx context.Context, msg kafka.Message, attempts int, cause error) error {
	util.FulfillmentJobsTotal.WithLabelValues("dead_lettered").Inc()
	c.logger.Error("Fulfillment job dead-lettered",
		zap.ByteString("key", msg.Key),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if c.deadLetter == nil {
		return nil
	}
	dlq := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: append(append([]kafka.Header{}, msg.Headers...),
			kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
			kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
			kafka.Header{Key: HeaderSource, Value: []byte(msg.Topic)},
		),
	}
	err := c.policy.RunUntilDone(ctx, func() error {
		return c.deadLetter.Publish(ctx, dlq)
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("Dead-letter publish failed, retrying",
			zap.ByteString("key", msg.Key),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return errors.Join(cause, fmt.Errorf("dead-letter publish failed: %w", err))
	}
	return nil
}

func (c *JobConsumer) Close() error {
	return c.consumer.Close()
}
