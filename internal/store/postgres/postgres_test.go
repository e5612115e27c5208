package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/consolr/internal/store"
)

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpg.Run(ctx,
		"postgres:15-alpine",
		tcpg.WithDatabase("testdb"),
		tcpg.WithUsername("testuser"),
		tcpg.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	db, err := New(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	reg := store.Registration{ID: "pg-1", Name: "alpha", WorkDir: "/srv/alpha", Args: []string{"-v"}}
	if err := db.Upsert(ctx, reg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := db.Get(ctx, "pg-1")
	if err != nil || got.Args[0] != "-v" {
		t.Fatalf("get = %+v, %v", got, err)
	}
	if err := db.Delete(ctx, "pg-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(ctx, "pg-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get after delete = %v", err)
	}
}
