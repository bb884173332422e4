package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/cache"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	maxIdempotencyKeyLen = 255
	idempotencyLockTTL   = 10 * time.Second
)

// Options tunes the order service
type Options struct {
	// AdminStatusOverride lets admins set any status, bypassing the transition table
	AdminStatusOverride bool
	DefaultPageSize     int
	MaxPageSize         int
}

func (o Options) withDefaults() Options {
	if o.DefaultPageSize < 1 {
		o.DefaultPageSize = 10
	}
	if o.MaxPageSize < 1 {
		o.MaxPageSize = 100
	}
	if o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = o.MaxPageSize
	}
	return o
}

// OrderService handles order business logic. The cache, queue, notifier and
// locker are optional; a nil one is skipped.
type OrderService struct {
	store    ports.OrderStore
	cache    *cache.OrderCache
	queue    ports.JobQueue
	notifier ports.Notifier
	locker   ports.Locker
	opts     Options
	logger   *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store ports.OrderStore,
	orderCache *cache.OrderCache,
	queue ports.JobQueue,
	notifier ports.Notifier,
	locker ports.Locker,
	opts Options,
) *OrderService {
	return &OrderService{
		store:    store,
		cache:    orderCache,
		queue:    queue,
		notifier: notifier,
		locker:   locker,
		opts:     opts.withDefaults(),
		logger:   util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Items          []OrderItemRequest `json:"items"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// ListQuery is a listing request. Zero Page or Limit selects the default.
type ListQuery struct {
	Page   int
	Limit  int
	Status string
}

// Create validates the request, reserves stock and persists the order in one
// transaction, then invalidates listings, enqueues fulfillment and tells the
// admins. Post-commit steps never undo the order.
func (s *OrderService) Create(ctx context.Context, principal models.Principal, req CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Create", attribute.Int64("user_id", principal.UserID))
	defer span.End()

	if err := validateItems(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		release, err := s.lockIdempotencyKey(ctx, principal.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		defer release()

		existing, err := s.store.GetOrderByIdempotencyKey(ctx, principal.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, apperr.Infra(fmt.Errorf("failed to check idempotency: %w", err))
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return existing, nil
		}
	}

	quantities, productIDs := aggregateItems(req.Items)

	products, err := s.validateProducts(ctx, productIDs, quantities)
	if err != nil {
		return nil, err
	}

	order, err := s.reserveAndCreate(ctx, principal.UserID, req, productIDs, quantities)
	if err != nil {
		util.RecordError(span, err)
		if req.IdempotencyKey != "" && errors.Is(err, apperr.ErrConflict) {
			// another request with the same key committed first
			if existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, principal.UserID, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for i := range order.Items {
		if p, ok := products[order.Items[i].ProductID]; ok {
			product := *p
			order.Items[i].Product = &product
		}
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	s.afterCreate(ctx, order)
	return order, nil
}

func validateItems(req CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return apperr.Validation("order must contain at least one item")
	}
	for i, item := range req.Items {
		if item.ProductID <= 0 {
			return apperr.Validation("items[%d].product_id must be a positive integer", i)
		}
		if item.Quantity <= 0 {
			return apperr.Validation("items[%d].quantity must be greater than 0", i)
		}
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return apperr.Validation("idempotency key must be at most %d characters", maxIdempotencyKeyLen)
	}
	return nil
}

// aggregateItems sums quantities per product and returns the product ids in
// ascending order, the order in which rows are locked.
func aggregateItems(items []OrderItemRequest) (map[int64]int, []int64) {
	quantities := make(map[int64]int, len(items))
	for _, item := range items {
		quantities[item.ProductID] += item.Quantity
	}
	ids := make([]int64, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return quantities, ids
}

func (s *OrderService) lockIdempotencyKey(ctx context.Context, userID int64, key string) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}

	lockKey := "idempotency:" + strconv.FormatInt(userID, 10) + ":" + key
	acquired, err := s.locker.AcquireLock(ctx, lockKey, idempotencyLockTTL)
	if err != nil {
		// the unique index still protects the key
		s.logger.Warn("Idempotency lock unavailable", zap.String("key", lockKey), zap.Error(err))
		return noop, nil
	}
	if !acquired {
		return nil, apperr.Conflict("a request with this idempotency key is already in progress")
	}
	return func() {
		if err := s.locker.ReleaseLock(context.Background(), lockKey); err != nil {
			s.logger.Warn("Failed to release idempotency lock", zap.String("key", lockKey), zap.Error(err))
		}
	}, nil
}

// validateProducts resolves every product in one round trip and fails fast on
// unknown, inactive or visibly short products. The authoritative stock check
// happens under the row lock.
func (s *OrderService) validateProducts(ctx context.Context, ids []int64, quantities map[int64]int) (map[int64]*models.Product, error) {
	products, err := s.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, apperr.Infra(fmt.Errorf("failed to load products: %w", err))
	}

	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	for _, id := range ids {
		p, ok := productMap[id]
		if !ok {
			util.OrdersFailedTotal.WithLabelValues("product_not_found").Inc()
			return nil, apperr.NotFound("product %d not found", id)
		}
		if !p.IsActive {
			util.OrdersFailedTotal.WithLabelValues("product_inactive").Inc()
			return nil, apperr.Validation("product %d is not available", id)
		}
		if p.Stock < quantities[id] {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return nil, apperr.InsufficientStock("insufficient stock for %s: available=%d, requested=%d",
				p.Name, p.Stock, quantities[id])
		}
	}
	return productMap, nil
}

// reserveAndCreate runs the creation transaction. Any failure rolls back every
// reservation already applied.
func (s *OrderService) reserveAndCreate(
	ctx context.Context,
	userID int64,
	req CreateOrderRequest,
	productIDs []int64,
	quantities map[int64]int,
) (*models.Order, error) {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	order := &models.Order{
		UserID: userID,
		Status: models.OrderStatusPending,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	err := s.store.InTx(ctx, func(tx ports.OrderTx) error {
		prices := make(map[int64]decimal.Decimal, len(productIDs))
		for _, id := range productIDs {
			locked, err := tx.ReserveStock(ctx, id, quantities[id])
			if err != nil {
				return err
			}
			if !locked.IsActive {
				return apperr.Validation("product %d is not available", id)
			}
			prices[id] = locked.Price
		}

		total := decimal.Zero
		order.Items = make([]models.OrderItem, 0, len(req.Items))
		for _, item := range req.Items {
			line := models.OrderItem{
				ProductID:       item.ProductID,
				Quantity:        item.Quantity,
				PriceAtPurchase: prices[item.ProductID],
			}
			total = total.Add(line.Subtotal())
			order.Items = append(order.Items, line)
		}
		order.TotalAmount = total

		return tx.CreateOrderWithItems(ctx, order)
	})
	if err != nil {
		kind := apperr.KindOf(err)
		switch kind {
		case apperr.KindInsufficientStock:
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		case apperr.KindInfra:
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
			util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
			return nil, apperr.Infra(fmt.Errorf("failed to create order: %w", err))
		default:
			util.OrdersFailedTotal.WithLabelValues(string(kind)).Inc()
		}
		return nil, err
	}
	return order, nil
}

func (s *OrderService) afterCreate(ctx context.Context, order *models.Order) {
	s.invalidate(ctx, order.UserID)

	if s.queue != nil {
		jobID, err := s.queue.Enqueue(ctx, models.FulfillmentJob{OrderID: order.ID, Status: order.Status})
		if err != nil {
			util.FulfillmentEnqueueFailedTotal.Inc()
			s.logger.Error("Failed to enqueue fulfillment job", zap.Int64("order_id", order.ID), zap.Error(err))
		} else {
			s.logger.Debug("Fulfillment job enqueued", zap.Int64("order_id", order.ID), zap.String("job_id", jobID))
		}
	}

	s.publish(ctx, models.GroupAdmins, models.EventNewOrder, models.NewOrderEvent{OrderID: order.ID})
}

// Get returns an order with its items. Only the owner or an admin may see it.
func (s *OrderService) Get(ctx context.Context, principal models.Principal, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Get", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID, true)
	if err != nil {
		return nil, classify(err)
	}
	if !principal.IsAdmin() && order.UserID != principal.UserID {
		return nil, apperr.Forbidden("you do not have access to this order")
	}
	return order, nil
}

// List returns one page of orders, newest first. Non-admins only see their own.
func (s *OrderService) List(ctx context.Context, principal models.Principal, q ListQuery) (*models.OrderPage, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.List")
	defer span.End()

	filter, err := s.buildFilter(principal, q)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if page, ok := s.cache.GetPage(ctx, filter); ok {
			return page, nil
		}
	}

	page, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}

	if s.cache != nil {
		s.cache.SetPage(ctx, filter, page)
	}
	return page, nil
}

func (s *OrderService) buildFilter(principal models.Principal, q ListQuery) (models.OrderFilter, error) {
	filter := models.OrderFilter{Page: q.Page, Limit: q.Limit}
	if filter.Page == 0 {
		filter.Page = 1
	}
	if filter.Limit == 0 {
		filter.Limit = s.opts.DefaultPageSize
	}
	if filter.Page < 1 {
		return filter, apperr.Validation("page must be at least 1")
	}
	if filter.Limit < 1 || filter.Limit > s.opts.MaxPageSize {
		return filter, apperr.Validation("limit must be between 1 and %d", s.opts.MaxPageSize)
	}

	if q.Status != "" {
		status, ok := models.ParseOrderStatus(q.Status)
		if !ok {
			return filter, apperr.Validation("unknown order status %q", q.Status)
		}
		filter.Status = &status
	}

	if !principal.IsAdmin() {
		userID := principal.UserID
		filter.UserID = &userID
	}
	return filter, nil
}

// UpdateStatus moves an order to a new status. Admin only.
func (s *OrderService) UpdateStatus(ctx context.Context, principal models.Principal, orderID int64, status string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus", attribute.Int64("order_id", orderID))
	defer span.End()

	if !principal.IsAdmin() {
		return nil, apperr.Forbidden("only admins can update order status")
	}

	target, ok := models.ParseOrderStatus(status)
	if !ok {
		return nil, apperr.Validation("unknown order status %q", status)
	}

	current, err := s.store.GetOrderByID(ctx, orderID, false)
	if err != nil {
		return nil, classify(err)
	}
	if current.Status == target {
		return current, nil
	}

	var updated *models.Order
	if s.opts.AdminStatusOverride {
		updated, err = s.store.UpdateOrderStatus(ctx, orderID, target)
		if err != nil {
			return nil, classify(err)
		}
	} else {
		if !models.CanTransition(current.Status, target) {
			return nil, apperr.Validation("cannot change order status from %s to %s", current.Status, target)
		}
		var swapped bool
		updated, swapped, err = s.store.CompareAndSetStatus(ctx, orderID, current.Status, target)
		if err != nil {
			return nil, classify(err)
		}
		if !swapped {
			return nil, apperr.Conflict("order %d changed status concurrently, now %s", orderID, updated.Status)
		}
	}

	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(updated.Status)),
		zap.Int64("by", principal.UserID))

	s.afterStatusChange(ctx, updated, "admin")
	return updated, nil
}

// Remove soft-deletes an order. Reserved stock is not released.
func (s *OrderService) Remove(ctx context.Context, principal models.Principal, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.Remove", attribute.Int64("order_id", orderID))
	defer span.End()

	if !principal.IsAdmin() {
		return apperr.Forbidden("only admins can remove orders")
	}

	order, err := s.store.GetOrderByID(ctx, orderID, false)
	if err != nil {
		return classify(err)
	}
	if err := s.store.SoftDeleteOrder(ctx, orderID); err != nil {
		return classify(err)
	}

	util.OrdersRemovedTotal.Inc()
	s.logger.Info("Order removed", zap.Int64("order_id", orderID), zap.Int64("by", principal.UserID))
	s.invalidate(ctx, order.UserID)
	return nil
}

// ListProducts returns the catalog
func (s *OrderService) ListProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return products, nil
}

// afterStatusChange invalidates the owner's listings before notifying, so a
// client reacting to the event reads fresh data.
func (s *OrderService) afterStatusChange(ctx context.Context, order *models.Order, source string) {
	util.OrderStatusTransitionsTotal.WithLabelValues(string(order.Status), source).Inc()
	s.invalidate(ctx, order.UserID)
	s.publish(ctx, models.UserGroup(order.UserID), models.EventOrderStatusUpdated,
		models.OrderStatusUpdatedEvent{OrderID: order.ID, Status: order.Status})
}

func (s *OrderService) invalidate(ctx context.Context, ownerID int64) {
	if s.cache != nil {
		s.cache.InvalidateOwner(ctx, ownerID)
	}
}

func (s *OrderService) publish(ctx context.Context, group, event string, payload interface{}) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, group, event, payload); err != nil {
		s.logger.Warn("Failed to publish notification",
			zap.String("group", group),
			zap.String("event", event),
			zap.Error(err))
	}
}

// classify keeps domain errors and wraps everything else as infrastructure
func classify(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Infra(err)
}
