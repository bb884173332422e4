package service

import (
	"context"
	"testing"
	"time"

	"order-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleJobMovesPendingToProcessing(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Pizza", "5.00", 10)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 2}))
	require.NoError(t, err)

	job := f.queue.Jobs()[0]
	require.NoError(t, f.worker.HandleJob(context.Background(), job))

	got, err := f.svc.Get(context.Background(), user, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, got.Status)
	assert.Equal(t, 8, f.stock(t, p.ID))
}

func TestRedeliveredJobIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Pizza", "5.00", 10)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	job := f.queue.Jobs()[0]
	require.NoError(t, f.worker.HandleJob(context.Background(), job))
	require.NoError(t, f.worker.HandleJob(context.Background(), job))

	got, err := f.svc.Get(context.Background(), admin, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, got.Status)
	assert.Len(t, f.notifier.byEvent(models.EventOrderStatusUpdated), 1)
}

func TestHandleJobSkipsCancelledOrder(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Pizza", "5.00", 10)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(context.Background(), admin, created.ID, "CANCELLED")
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleJob(context.Background(), f.queue.Jobs()[0]))

	got, err := f.svc.Get(context.Background(), admin, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
}

func TestHandleJobMissingOrderIsRetried(t *testing.T) {
	f := newFixture(t, Options{})

	err := f.worker.HandleJob(context.Background(), models.FulfillmentJob{JobID: "j1", OrderID: 404})
	assert.Error(t, err)
}

func TestHandleJobStopsOnCancel(t *testing.T) {
	f := newFixture(t, Options{})
	f.worker = NewFulfillmentProcessor(f.svc, time.Hour)
	p := f.product("Pizza", "5.00", 10)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.worker.HandleJob(ctx, f.queue.Jobs()[0])
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := f.svc.Get(context.Background(), admin, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
}
