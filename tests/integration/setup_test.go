package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ClassicWannabe/ecommerce/internal/gateway"
	"github.com/ClassicWannabe/ecommerce/internal/models"
	"github.com/ClassicWannabe/ecommerce/internal/store"
)

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
	migrationDir := "../../migrations"
	files, err := os.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".up.sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		filePath := filepath.Join(migrationDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
	}

	return nil
}

func createTestUser(t *testing.T, db *sql.DB, email string) *models.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), db, email, "Test User")
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	return user
}

func createTestItem(t *testing.T, db *sql.DB, slug, price string, discountPrice *string) *models.Item {
	t.Helper()

	req := store.CreateItemRequest{
		Title:    "Item " + slug,
		Price:    decimal.RequireFromString(price),
		Category: models.CategoryShirt,
		Label:    models.LabelPrimary,
		Slug:     slug,
	}
	if discountPrice != nil {
		discount := decimal.RequireFromString(*discountPrice)
		req.DiscountPrice = &discount
	}

	item, err := store.CreateItem(context.Background(), db, req)
	if err != nil {
		t.Fatalf("Create item: %v", err)
	}
	return item
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Count query: %v", err)
	}
	return n
}

// stubGateway satisfies store.ChargeGateway without talking to Stripe.
type stubGateway struct {
	mu        sync.Mutex
	chargeErr error
	charges   []gateway.ChargeRequest
	customers int
}

func (g *stubGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chargeErr != nil {
		return gateway.ChargeResult{}, g.chargeErr
	}
	g.charges = append(g.charges, req)
	return gateway.ChargeResult{
		ChargeID: fmt.Sprintf("ch_test_%d", len(g.charges)),
		Amount:   req.Amount,
	}, nil
}

func (g *stubGateway) EnsureCustomer(ctx context.Context, customerID, email, token string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if customerID != "" {
		return customerID, nil
	}
	g.customers++
	return fmt.Sprintf("cus_test_%d", g.customers), nil
}

func (g *stubGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}
