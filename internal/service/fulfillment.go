package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FulfillmentProcessor moves PENDING orders to PROCESSING. Jobs may arrive
// more than once; the order row, not the job payload, decides what happens.
type FulfillmentProcessor struct {
	store  ports.OrderStore
	orders *OrderService
	delay  time.Duration
	logger *zap.Logger
}

func NewFulfillmentProcessor(orders *OrderService, delay time.Duration) *FulfillmentProcessor {
	return &FulfillmentProcessor{
		store:  orders.store,
		orders: orders,
		delay:  delay,
		logger: util.GetLogger(),
	}
}

// HandleJob processes one delivered job. A returned error asks the queue to
// redeliver; duplicates are acknowledged without side effects.
func (p *FulfillmentProcessor) HandleJob(ctx context.Context, job models.FulfillmentJob) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentProcessor.HandleJob",
		attribute.Int64("order_id", job.OrderID),
		attribute.String("job_id", job.JobID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.FulfillmentJobDuration.Observe(time.Since(start).Seconds())
	}()

	order, err := p.store.GetOrderByID(ctx, job.OrderID, false)
	if err != nil {
		util.FulfillmentJobsTotal.WithLabelValues("failed").Inc()
		util.RecordError(span, err)
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("order %d for job %s not found: %w", job.OrderID, job.JobID, err)
		}
		return fmt.Errorf("failed to load order %d: %w", job.OrderID, err)
	}

	if order.Status != models.OrderStatusPending {
		util.FulfillmentJobsTotal.WithLabelValues("duplicate").Inc()
		p.logger.Info("Skipping fulfillment job, order already moved on",
			zap.String("job_id", job.JobID),
			zap.Int64("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return nil
	}

	if err := p.simulateProcessing(ctx); err != nil {
		return err
	}

	updated, swapped, err := p.store.CompareAndSetStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusProcessing)
	if err != nil {
		util.FulfillmentJobsTotal.WithLabelValues("failed").Inc()
		util.RecordError(span, err)
		return fmt.Errorf("failed to mark order %d processing: %w", order.ID, err)
	}
	if !swapped {
		util.FulfillmentJobsTotal.WithLabelValues("duplicate").Inc()
		p.logger.Info("Order changed while processing, nothing to do",
			zap.Int64("order_id", order.ID),
			zap.String("status", string(updated.Status)))
		return nil
	}

	util.FulfillmentJobsTotal.WithLabelValues("processed").Inc()
	p.logger.Info("Order processing started",
		zap.String("job_id", job.JobID),
		zap.Int64("order_id", updated.ID))

	p.orders.afterStatusChange(ctx, updated, "worker")
	return nil
}

func (p *FulfillmentProcessor) simulateProcessing(ctx context.Context) error {
	if p.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
