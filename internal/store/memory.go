package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process OrderStore. Transactions are serialized by a
// single lock and rolled back by restoring the stock they touched.
type MemoryStore struct {
	mu          sync.Mutex
	products    map[int64]*models.Product
	orders      map[int64]*models.Order
	nextProduct int64
	nextOrder   int64
	nextItem    int64
	now         func() time.Time
}

var _ ports.OrderStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[int64]*models.Product),
		orders:   make(map[int64]*models.Order),
		now:      time.Now,
	}
}

// AddProduct inserts a product and returns it with its assigned id
func (m *MemoryStore) AddProduct(p models.Product) models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextProduct++
	p.ID = m.nextProduct
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.products[p.ID] = &p
	return p
}

// SeedProducts loads the demo catalog
func (m *MemoryStore) SeedProducts(_ context.Context) (int, error) {
	catalog := DemoCatalog()
	for _, p := range catalog {
		m.AddProduct(p)
	}
	return len(catalog), nil
}

// SetProductPrice changes a product price. Used by catalog maintenance and tests.
func (m *MemoryStore) SetProductPrice(id int64, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[id]; ok {
		p.Price = price
		p.UpdatedAt = m.now()
	}
}

// Product returns a copy of the product with the given id
func (m *MemoryStore) Product(id int64) (models.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return models.Product{}, false
	}
	return *p, true
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx ports.OrderTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, undo: make(map[int64]int)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) ListProducts(_ context.Context) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	products := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		products = append(products, *p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (m *MemoryStore) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	products := []models.Product{}
	seen := make(map[int64]bool)
	for _, id := range ids {
		if p, ok := m.products[id]; ok && !seen[id] {
			seen[id] = true
			products = append(products, *p)
		}
	}
	return products, nil
}

func (m *MemoryStore) GetOrderByID(_ context.Context, id int64, withItems bool) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return nil, apperr.NotFound("order %d not found", id)
	}
	return m.copyOrder(o, withItems), nil
}

func (m *MemoryStore) GetOrderByIdempotencyKey(_ context.Context, userID int64, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.DeletedAt == nil && o.UserID == userID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return m.copyOrder(o, true), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListOrders(_ context.Context, filter models.OrderFilter) (*models.OrderPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Order
	for _, o := range m.orders {
		if o.DeletedAt != nil {
			continue
		}
		if filter.UserID != nil && o.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := &models.OrderPage{Data: []models.Order{}, Total: len(matched)}
	start := filter.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, o := range matched[start:end] {
		page.Data = append(page.Data, *m.copyOrder(o, true))
	}
	return page, nil
}

func (m *MemoryStore) UpdateOrderStatus(_ context.Context, id int64, status models.OrderStatus) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return nil, apperr.NotFound("order %d not found", id)
	}
	o.Status = status
	o.UpdatedAt = m.now()
	return m.copyOrder(o, false), nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, id int64, from, to models.OrderStatus) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return nil, false, apperr.NotFound("order %d not found", id)
	}
	if o.Status != from {
		return m.copyOrder(o, false), false, nil
	}
	o.Status = to
	o.UpdatedAt = m.now()
	return m.copyOrder(o, false), true, nil
}

func (m *MemoryStore) SoftDeleteOrder(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return apperr.NotFound("order %d not found", id)
	}
	now := m.now()
	o.DeletedAt = &now
	o.UpdatedAt = now
	return nil
}

// copyOrder must be called with m.mu held
func (m *MemoryStore) copyOrder(o *models.Order, withItems bool) *models.Order {
	cp := *o
	cp.Items = nil
	if withItems {
		cp.Items = make([]models.OrderItem, len(o.Items))
		for i, item := range o.Items {
			if p, ok := m.products[item.ProductID]; ok {
				product := *p
				item.Product = &product
			}
			cp.Items[i] = item
		}
	}
	return &cp
}

type memTx struct {
	store   *MemoryStore
	undo    map[int64]int
	pending []*models.Order
}

func (t *memTx) ReserveStock(_ context.Context, productID int64, quantity int) (*models.Product, error) {
	p, ok := t.store.products[productID]
	if !ok {
		return nil, apperr.NotFound("product %d not found", productID)
	}
	if p.Stock < quantity {
		return nil, apperr.InsufficientStock("insufficient stock for %s: available=%d, requested=%d",
			p.Name, p.Stock, quantity)
	}
	if _, touched := t.undo[productID]; !touched {
		t.undo[productID] = p.Stock
	}
	p.Stock -= quantity
	p.UpdatedAt = t.store.now()

	cp := *p
	return &cp, nil
}

func (t *memTx) CreateOrderWithItems(_ context.Context, order *models.Order) error {
	m := t.store
	if order.IdempotencyKey != nil {
		for _, o := range m.orders {
			if o.DeletedAt == nil && o.UserID == order.UserID && o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return apperr.Conflict("order with this idempotency key already exists")
			}
		}
	}

	m.nextOrder++
	order.ID = m.nextOrder
	now := m.now()
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		m.nextItem++
		order.Items[i].ID = m.nextItem
		order.Items[i].OrderID = order.ID
	}

	stored := *order
	stored.Items = make([]models.OrderItem, len(order.Items))
	for i, item := range order.Items {
		item.Product = nil
		stored.Items[i] = item
	}
	t.pending = append(t.pending, &stored)
	return nil
}

func (t *memTx) commit() {
	for _, o := range t.pending {
		t.store.orders[o.ID] = o
	}
}

func (t *memTx) rollback() {
	for id, stock := range t.undo {
		t.store.products[id].Stock = stock
	}
}
