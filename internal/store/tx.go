package store

import (
	"context"
	"errors"
	"fmt"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type pgTx struct {
	tx *sqlx.Tx
}

// ReserveStock locks the product row (FOR UPDATE) and decrements its stock.
// The lock is held until the surrounding transaction ends.
func (t *pgTx) ReserveStock(ctx context.Context, productID int64, quantity int) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", productID)
	if isNoRows(err) {
		return nil, apperr.NotFound("product %d not found", productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product %d: %w", productID, err)
	}

	if product.Stock < quantity {
		return nil, apperr.InsufficientStock("insufficient stock for %s: available=%d, requested=%d",
			product.Name, product.Stock, quantity)
	}

	err = t.tx.GetContext(ctx, &product.Stock,
		"UPDATE products SET stock = stock - $1, updated_at = NOW() WHERE id = $2 RETURNING stock",
		quantity, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
	}

	return &product, nil
}

// CreateOrderWithItems inserts the order row and all of its items
func (t *pgTx) CreateOrderWithItems(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, status, total_amount, idempotency_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	row := t.tx.QueryRowxContext(ctx, query, order.UserID, order.Status, order.TotalAmount, order.IdempotencyKey)
	if err := row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("order with this idempotency key already exists")
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := t.tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.PriceAtPurchase)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
