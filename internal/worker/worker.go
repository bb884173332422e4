package worker

import (
	"context"
	"errors"
	"sync"

	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// FulfillmentWorker drains the fulfillment queue with one goroutine per
// source. With Kafka each source is a separate consumer-group member.
type FulfillmentWorker struct {
	sources []ports.JobSource
	handler ports.JobHandler
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewFulfillmentWorker creates a worker over the given sources
func NewFulfillmentWorker(handler ports.JobHandler, sources ...ports.JobSource) *FulfillmentWorker {
	return &FulfillmentWorker{
		sources: sources,
		handler: handler,
		logger:  util.GetLogger(),
	}
}

// Start launches the consumers and returns immediately
func (w *FulfillmentWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, w.cancel = context.WithCancel(ctx)
	w.logger.Info("Starting fulfillment worker", zap.Int("consumers", len(w.sources)))

	for i, src := range w.sources {
		w.wg.Add(1)
		go func(i int, src ports.JobSource) {
			defer w.wg.Done()
			if err := src.Consume(ctx, w.handler); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("Fulfillment consumer stopped", zap.Int("consumer", i), zap.Error(err))
			}
		}(i, src)
	}
}

// Stop cancels the consumers, waits for in-flight jobs to return and closes
// the sources. Kafka redelivers uncommitted jobs to the next group member;
// the memory queue puts an interrupted job back but loses everything still
// queued when the process exits.
func (w *FulfillmentWorker) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	w.logger.Info("Stopping fulfillment worker...")
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	var errs []error
	for _, src := range w.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
