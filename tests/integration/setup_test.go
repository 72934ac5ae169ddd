package integration

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/store"
)

var seq int64

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func runMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("open migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://../../migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// testCheckoutConfig mirrors the default pricing rules: 16% tax, 50 flat
// shipping, free shipping above a 500 subtotal.
func testCheckoutConfig() config.CheckoutConfig {
	return config.CheckoutConfig{
		TaxRate:               decimal.NewFromFloat(0.16),
		ShippingCost:          decimal.NewFromInt(50),
		FreeShippingThreshold: decimal.NewFromInt(500),
	}
}

func testAddress() models.Address {
	return models.Address{
		Name:       "Test Buyer",
		Line1:      "742 Evergreen Terrace",
		City:       "Springfield",
		PostalCode: "49007",
		Country:    "US",
	}
}

func createTestUser(t *testing.T, db *sql.DB) *models.User {
	t.Helper()

	n := atomic.AddInt64(&seq, 1)
	user, err := store.CreateUser(context.Background(), db,
		fmt.Sprintf("buyer%d-%d@example.com", n, time.Now().UnixNano()),
		fmt.Sprintf("Buyer %d", n))
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func createTestProduct(t *testing.T, db *sql.DB, name, price string, stock int) *models.Product {
	t.Helper()

	n := atomic.AddInt64(&seq, 1)
	p, err := decimal.NewFromString(price)
	if err != nil {
		t.Fatalf("Invalid test price %q: %v", price, err)
	}

	product, err := store.CreateProduct(context.Background(), db,
		fmt.Sprintf("SKU-%d-%d", n, time.Now().UnixNano()), name, "", p, stock)
	if err != nil {
		t.Fatalf("Failed to create test product: %v", err)
	}
	return product
}

func addToCart(t *testing.T, db *sql.DB, userID, productID int64, quantity int) *models.Cart {
	t.Helper()

	cart, err := store.AddItem(context.Background(), db, userID, productID, quantity)
	if err != nil {
		t.Fatalf("Failed to add product %d to cart: %v", productID, err)
	}
	return cart
}

func productStock(t *testing.T, db *sql.DB, productID int64) int {
	t.Helper()

	var stock int
	err := db.QueryRow(`SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&stock)
	if err != nil {
		t.Fatalf("Failed to read stock for product %d: %v", productID, err)
	}
	return stock
}
