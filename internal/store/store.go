package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const productColumns = "id, name, price, stock, is_active, created_at, updated_at"

type Store struct {
	db *sqlx.DB
}

var _ ports.OrderStore = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SeedProducts inserts the demo catalog when the products table is empty
func (s *Store) SeedProducts(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM products"); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	for _, p := range DemoCatalog() {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO products (name, price, stock, is_active) VALUES ($1, $2, $3, $4)",
			p.Name, p.Price, p.Stock, p.IsActive)
		if err != nil {
			return 0, fmt.Errorf("failed to seed product %q: %w", p.Name, err)
		}
	}
	return len(DemoCatalog()), nil
}

// InTx runs fn inside a database transaction
func (s *Store) InTx(ctx context.Context, fn func(tx ports.OrderTx) error) error {
	ctx, span := util.StartSpan(ctx, "Store.InTx")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListProducts retrieves all products
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY id")
	return products, err
}

// GetProductsByIDs retrieves multiple products by IDs in one round trip
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// DemoCatalog is the product catalog used to seed development databases
func DemoCatalog() []models.Product {
	type row struct {
		name  string
		price int64
		stock int
	}
	rows := []row{
		{"Margherita Pizza", 8, 50},
		{"Pepperoni Pizza", 10, 40},
		{"BBQ Chicken Pizza", 12, 30},
		{"Veggie Supreme", 9, 35},
		{"Hawaiian Pizza", 11, 25},
		{"Cheeseburger", 7, 60},
		{"Chicken Burger", 6, 70},
		{"Veggie Burger", 6, 50},
		{"French Fries", 3, 100},
		{"Onion Rings", 4, 80},
		{"Coke", 1, 200},
		{"Pepsi", 1, 200},
		{"Sprite", 1, 200},
		{"Lemonade", 2, 150},
		{"Chocolate Cake", 5, 20},
		{"Cheesecake", 6, 20},
		{"Pasta Alfredo", 11, 25},
		{"Pasta Bolognese", 12, 25},
		{"Caesar Salad", 7, 40},
		{"Greek Salad", 8, 40},
	}

	products := make([]models.Product, 0, len(rows))
	for _, r := range rows {
		products = append(products, models.Product{
			Name:     r.name,
			Price:    decimal.NewFromInt(r.price),
			Stock:    r.stock,
			IsActive: true,
		})
	}
	return products
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
