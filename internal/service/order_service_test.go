package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/cache"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentNotification struct {
	group   string
	event   string
	payload interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Publish(_ context.Context, group, event string, payload interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{group: group, event: event, payload: payload})
	return nil
}

func (n *recordingNotifier) byEvent(event string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []models.FulfillmentJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job models.FulfillmentJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	job.JobID = "job-" + time.Now().Format("150405.000000000")
	q.jobs = append(q.jobs, job)
	return job.JobID, nil
}

func (q *recordingQueue) Jobs() []models.FulfillmentJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.FulfillmentJob(nil), q.jobs...)
}

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func (brokenKV) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis: connection refused")
}

func (brokenKV) DeleteByPrefix(context.Context, string) (int, error) {
	return 0, errors.New("redis: connection refused")
}

// staleCatalog reports plenty of stock so the pre-check passes and the
// transaction is the one to fail.
type staleCatalog struct {
	*store.MemoryStore
}

func (s staleCatalog) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	products, err := s.MemoryStore.GetProductsByIDs(ctx, ids)
	for i := range products {
		products[i].Stock = 1000
	}
	return products, err
}

type fixture struct {
	store    *store.MemoryStore
	kv       *cache.Memory
	queue    *recordingQueue
	notifier *recordingNotifier
	svc      *OrderService
	worker   *FulfillmentProcessor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		kv:       cache.NewMemory(),
		queue:    &recordingQueue{},
		notifier: &recordingNotifier{},
	}
	orderCache := cache.NewOrderCache(f.kv, time.Minute, nil)
	f.svc = NewOrderService(f.store, orderCache, f.queue, f.notifier, f.kv, opts)
	f.worker = NewFulfillmentProcessor(f.svc, 0)
	return f
}

func (f *fixture) product(name, price string, stock int) models.Product {
	return f.store.AddProduct(models.Product{
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	})
}

func (f *fixture) stock(t *testing.T, id int64) int {
	t.Helper()
	p, ok := f.store.Product(id)
	require.True(t, ok)
	return p.Stock
}

var (
	user  = models.Principal{UserID: 1, Role: models.RoleUser}
	other = models.Principal{UserID: 2, Role: models.RoleUser}
	admin = models.Principal{UserID: 99, Role: models.RoleAdmin}
)

func orderOf(items ...OrderItemRequest) CreateOrderRequest {
	return CreateOrderRequest{Items: items}
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Pizza", "5.00", 10)

	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 2}))
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, created.Status)
	assert.Equal(t, user.UserID, created.UserID)
	assert.Equal(t, "10.00", created.TotalAmount.StringFixed(2))
	require.Len(t, created.Items, 1)
	assert.Equal(t, "5.00", created.Items[0].PriceAtPurchase.StringFixed(2))
	assert.Equal(t, "Pizza", created.Items[0].Product.Name)
	assert.Equal(t, 8, f.stock(t, p.ID))

	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, created.ID, jobs[0].OrderID)

	newOrders := f.notifier.byEvent(models.EventNewOrder)
	require.Len(t, newOrders, 1)
	assert.Equal(t, models.GroupAdmins, newOrders[0].group)
	assert.Equal(t, models.NewOrderEvent{OrderID: created.ID}, newOrders[0].payload)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Fries", "3.00", 5)
	inactive := f.store.AddProduct(models.Product{Name: "Old", Price: decimal.NewFromInt(1), Stock: 5})

	tests := []struct {
		name string
		req  CreateOrderRequest
		kind apperr.Kind
	}{
		{"no items", orderOf(), apperr.KindValidation},
		{"zero quantity", orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 0}), apperr.KindValidation},
		{"negative product id", orderOf(OrderItemRequest{ProductID: -1, Quantity: 1}), apperr.KindValidation},
		{"unknown product", orderOf(OrderItemRequest{ProductID: 4242, Quantity: 1}), apperr.KindNotFound},
		{"inactive product", orderOf(OrderItemRequest{ProductID: inactive.ID, Quantity: 1}), apperr.KindValidation},
		{"more than stock", orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 6}), apperr.KindInsufficientStock},
		{"duplicates summed over stock", orderOf(
			OrderItemRequest{ProductID: p.ID, Quantity: 3},
			OrderItemRequest{ProductID: p.ID, Quantity: 3},
		), apperr.KindInsufficientStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), user, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}

	assert.Equal(t, 5, f.stock(t, p.ID))
	assert.Empty(t, f.queue.Jobs())
}

func TestConcurrentOrdersForLastUnit(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Last Cake", "4.00", 1)

	const buyers = 10
	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer := models.Principal{UserID: int64(i + 1), Role: models.RoleUser}
			_, errs[i] = f.svc.Create(context.Background(), buyer, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, f.stock(t, p.ID))
	assert.Len(t, f.queue.Jobs(), 1)
}

func TestMultiItemFailureRollsBackEveryReservation(t *testing.T) {
	mem := store.NewMemoryStore()
	a := mem.AddProduct(models.Product{Name: "A", Price: decimal.NewFromInt(2), Stock: 5, IsActive: true})
	b := mem.AddProduct(models.Product{Name: "B", Price: decimal.NewFromInt(3), Stock: 4, IsActive: true})
	c := mem.AddProduct(models.Product{Name: "C", Price: decimal.NewFromInt(4), Stock: 1, IsActive: true})

	queue := &recordingQueue{}
	svc := NewOrderService(staleCatalog{mem}, nil, queue, nil, nil, Options{})

	_, err := svc.Create(context.Background(), user, orderOf(
		OrderItemRequest{ProductID: a.ID, Quantity: 2},
		OrderItemRequest{ProductID: b.ID, Quantity: 1},
		OrderItemRequest{ProductID: c.ID, Quantity: 3},
	))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientStock))

	for id, want := range map[int64]int{a.ID: 5, b.ID: 4, c.ID: 1} {
		p, _ := mem.Product(id)
		assert.Equal(t, want, p.Stock, "product %d", id)
	}
	assert.Empty(t, queue.Jobs())

	page, err := mem.ListOrders(context.Background(), models.OrderFilter{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestIdempotentCreate(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Burger", "7.00", 10)
	req := CreateOrderRequest{
		Items:          []OrderItemRequest{{ProductID: p.ID, Quantity: 1}},
		IdempotencyKey: "checkout-123",
	}

	first, err := f.svc.Create(context.Background(), user, req)
	require.NoError(t, err)
	second, err := f.svc.Create(context.Background(), user, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 9, f.stock(t, p.ID))
	assert.Len(t, f.queue.Jobs(), 1)

	// keys are per user
	third, err := f.svc.Create(context.Background(), other, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestEnqueueFailureKeepsOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue.err = errors.New("kafka: leader not available")
	p := f.product("Tea", "1.00", 3)

	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), user, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Equal(t, 2, f.stock(t, p.ID))
}

func TestGetAccess(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Salad", "6.00", 3)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), user, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "Salad", got.Items[0].Product.Name)

	_, err = f.svc.Get(context.Background(), other, created.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = f.svc.Get(context.Background(), admin, created.ID)
	assert.NoError(t, err)

	_, err = f.svc.Get(context.Background(), admin, 12345)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestPriceSnapshotSurvivesPriceChange(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Pizza", "5.00", 10)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 2}))
	require.NoError(t, err)

	f.store.SetProductPrice(p.ID, decimal.RequireFromString("9.99"))

	got, err := f.svc.Get(context.Background(), user, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "5.00", got.Items[0].PriceAtPurchase.StringFixed(2))
	assert.Equal(t, "10.00", got.TotalAmount.StringFixed(2))
	assert.Equal(t, "9.99", got.Items[0].Product.Price.StringFixed(2))
}

func TestListScopingAndPaging(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Coke", "1.00", 100)
	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
		require.NoError(t, err)
	}
	_, err := f.svc.Create(context.Background(), other, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	page, err := f.svc.List(context.Background(), user, ListQuery{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Data, 2)
	for _, o := range page.Data {
		assert.Equal(t, user.UserID, o.UserID)
	}

	all, err := f.svc.List(context.Background(), admin, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)

	pending, err := f.svc.List(context.Background(), admin, ListQuery{Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, 4, pending.Total)

	_, err = f.svc.List(context.Background(), user, ListQuery{Limit: 101})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.List(context.Background(), user, ListQuery{Page: -1})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.List(context.Background(), user, ListQuery{Status: "SHIPPED"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestListSurvivesCacheOutage(t *testing.T) {
	mem := store.NewMemoryStore()
	p := mem.AddProduct(models.Product{Name: "Water", Price: decimal.NewFromInt(1), Stock: 5, IsActive: true})
	svc := NewOrderService(mem, cache.NewOrderCache(brokenKV{}, time.Minute, nil), nil, nil, nil, Options{})

	_, err := svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	page, err := svc.List(context.Background(), user, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestListReflectsWorkerTransition(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Noodles", "8.00", 5)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	page, err := f.svc.List(context.Background(), user, ListQuery{})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, models.OrderStatusPending, page.Data[0].Status)

	adminPage, err := f.svc.List(context.Background(), admin, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, adminPage.Data[0].Status)

	require.NoError(t, f.worker.HandleJob(context.Background(), f.queue.Jobs()[0]))

	page, err = f.svc.List(context.Background(), user, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, page.Data[0].Status)

	adminPage, err = f.svc.List(context.Background(), admin, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, adminPage.Data[0].Status)

	updates := f.notifier.byEvent(models.EventOrderStatusUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, models.UserGroup(user.UserID), updates[0].group)
	assert.Equal(t, models.OrderStatusUpdatedEvent{OrderID: created.ID, Status: models.OrderStatusProcessing}, updates[0].payload)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Soup", "4.50", 5)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.svc.UpdateStatus(ctx, user, created.ID, "CANCELLED")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = f.svc.UpdateStatus(ctx, admin, created.ID, "SHIPPED")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.UpdateStatus(ctx, admin, created.ID, "COMPLETED")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	same, err := f.svc.UpdateStatus(ctx, admin, created.ID, "PENDING")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, same.Status)
	assert.Empty(t, f.notifier.byEvent(models.EventOrderStatusUpdated))

	updated, err := f.svc.UpdateStatus(ctx, admin, created.ID, "processing")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, updated.Status)

	updated, err = f.svc.UpdateStatus(ctx, admin, created.ID, "COMPLETED")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, updated.Status)

	_, err = f.svc.UpdateStatus(ctx, admin, created.ID, "PENDING")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.Len(t, f.notifier.byEvent(models.EventOrderStatusUpdated), 2)

	_, err = f.svc.UpdateStatus(ctx, admin, 777, "CANCELLED")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdateStatusOverride(t *testing.T) {
	f := newFixture(t, Options{AdminStatusOverride: true})
	p := f.product("Soup", "4.50", 5)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)

	updated, err := f.svc.UpdateStatus(context.Background(), admin, created.ID, "COMPLETED")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, updated.Status)

	updated, err = f.svc.UpdateStatus(context.Background(), admin, created.ID, "PENDING")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, updated.Status)
}

func TestRemove(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.product("Cake", "3.00", 5)
	created, err := f.svc.Create(context.Background(), user, orderOf(OrderItemRequest{ProductID: p.ID, Quantity: 2}))
	require.NoError(t, err)

	_, err = f.svc.List(context.Background(), user, ListQuery{})
	require.NoError(t, err)

	assert.True(t, errors.Is(f.svc.Remove(context.Background(), user, created.ID), apperr.ErrForbidden))
	require.NoError(t, f.svc.Remove(context.Background(), admin, created.ID))

	_, err = f.svc.Get(context.Background(), admin, created.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	page, err := f.svc.List(context.Background(), user, ListQuery{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	assert.Equal(t, 3, f.stock(t, p.ID))
	assert.True(t, errors.Is(f.svc.Remove(context.Background(), admin, created.ID), apperr.ErrNotFound))
}

func TestListProducts(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.store.SeedProducts(context.Background())
	require.NoError(t, err)

	products, err := f.svc.ListProducts(context.Background())
	require.NoError(t, err)
	assert.Len(t, products, len(store.DemoCatalog()))
}
