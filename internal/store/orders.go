package store

import (
	"context"
	"fmt"
	"strings"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/jmoiron/sqlx"
)

const orderColumns = "id, user_id, status, total_amount, idempotency_key, created_at, updated_at, deleted_at"

// GetOrderByID retrieves a live (not soft-deleted) order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64, withItems bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Store.GetOrderByID")
	defer span.End()

	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND deleted_at IS NULL", id)
	if isNoRows(err) {
		return nil, apperr.NotFound("order %d not found", id)
	}
	if err != nil {
		return nil, err
	}

	if withItems {
		orders := []models.Order{order}
		if err := s.attachItems(ctx, orders); err != nil {
			return nil, err
		}
		order = orders[0]
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil, nil when no order uses the key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND idempotency_key = $2 AND deleted_at IS NULL",
		userID, key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	orders := []models.Order{order}
	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListOrders returns one page of live orders, newest first, with the total count
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) (*models.OrderPage, error) {
	ctx, span := util.StartSpan(ctx, "Store.ListOrders")
	defer span.End()

	where := []string{"deleted_at IS NULL"}
	args := []interface{}{}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders WHERE "+clause, args...); err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		orderColumns, clause, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset())

	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}

	return &models.OrderPage{Data: orders, Total: total}, nil
}

// UpdateOrderStatus overwrites the status of a live order
func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL RETURNING "+orderColumns,
		status, id)
	if isNoRows(err) {
		return nil, apperr.NotFound("order %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	return &order, nil
}

// CompareAndSetStatus moves a live order from one status to another. It
// reports swapped=false, with the current order, when the status was not from.
func (s *Store) CompareAndSetStatus(ctx context.Context, id int64, from, to models.OrderStatus) (*models.Order, bool, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3 AND deleted_at IS NULL RETURNING "+orderColumns,
		to, id, from)
	if err == nil {
		return &order, true, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("failed to update order status: %w", err)
	}

	current, err := s.GetOrderByID(ctx, id, false)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// SoftDeleteOrder sets deleted_at. Items and reserved stock are left untouched.
func (s *Store) SoftDeleteOrder(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("order %d not found", id)
	}
	return nil
}

// attachItems loads the items of every order, and their products, in two queries
func (s *Store) attachItems(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	orderIDs := make([]int64, len(orders))
	for i := range orders {
		orderIDs[i] = orders[i].ID
	}

	query, args, err := sqlx.In(
		"SELECT id, order_id, product_id, quantity, price FROM order_items WHERE order_id IN (?) ORDER BY id", orderIDs)
	if err != nil {
		return err
	}

	var items []models.OrderItem
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}

	productIDs := make([]int64, 0, len(items))
	seen := make(map[int64]bool)
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			productIDs = append(productIDs, item.ProductID)
		}
	}
	products, err := s.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return fmt.Errorf("failed to load order products: %w", err)
	}
	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	byOrder := make(map[int64][]models.OrderItem, len(orders))
	for _, item := range items {
		item.Product = productMap[item.ProductID]
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}
	return nil
}
