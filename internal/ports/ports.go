// Package ports declares the boundaries the order pipeline depends on.
// Adapters live in store, redisclient, cache, broker and notify.
package ports

import (
	"context"
	"time"

	"order-fulfillment/internal/models"
)

// OrderStore is the durable store of products and orders.
type OrderStore interface {
	// InTx runs fn inside one transaction; any error rolls everything back.
	InTx(ctx context.Context, fn func(tx OrderTx) error) error

	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)

	GetOrderByID(ctx context.Context, id int64, withItems bool) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) (*models.OrderPage, error)
	UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) (*models.Order, error)
	CompareAndSetStatus(ctx context.Context, id int64, from, to models.OrderStatus) (*models.Order, bool, error)
	SoftDeleteOrder(ctx context.Context, id int64) error
}

// OrderTx is the transactional scope of order creation.
type OrderTx interface {
	// ReserveStock decrements stock under a row lock and returns the locked
	// product after the decrement.
	ReserveStock(ctx context.Context, productID int64, quantity int) (*models.Product, error)
	// CreateOrderWithItems inserts the order and its items, filling ids and timestamps.
	CreateOrderWithItems(ctx context.Context, order *models.Order) error
}

// KV is a key-value cache with TTL.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// Locker is a short-lived mutual exclusion keyed by name, used to serialize
// creations that share an idempotency key.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// JobQueue is the producer side of the fulfillment queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.FulfillmentJob) (string, error)
}

// JobHandler processes one delivered job. A non-nil error asks the queue to
// redeliver according to its retry policy.
type JobHandler func(ctx context.Context, job models.FulfillmentJob) error

// JobSource is the consumer side of the fulfillment queue.
type JobSource interface {
	Consume(ctx context.Context, handler JobHandler) error
	Close() error
}

// Notifier pushes an event to every current subscriber of a group.
type Notifier interface {
	Publish(ctx context.Context, group, event string, payload interface{}) error
}
