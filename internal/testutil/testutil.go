// Package testutil provides shared test infrastructure: the blog schema used
// by unit tests, a quiet logger, and a Postgres container for integration
// tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/KuruwiC/prisma-audit-sub002/internal/storage"
	"github.com/KuruwiC/prisma-audit-sub002/migrations"
)

// defaultImage can be overridden with AUDIT_TEST_POSTGRES_IMAGE.
const defaultImage = "postgres:17-alpine"

// TestContainer is a running Postgres container and the DSN that reaches it.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a throwaway Postgres holding an empty "audit" database.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	image := os.Getenv("AUDIT_TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultImage
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "audit",
				"POSTGRES_PASSWORD": "audit",
				"POSTGRES_DB":       "audit",
			},
			// The server restarts once after init, hence two occurrences.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start %s: %w", image, err)
	}

	tc := &TestContainer{Container: container}
	host, err := container.Host(ctx)
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}
	tc.DSN = fmt.Sprintf("postgres://audit:audit@%s:%s/audit?sslmode=disable", host, port.Port())
	return tc, nil
}

// MustStartPostgres is StartPostgres for TestMain: it exits the process on
// failure.
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return tc
}

// NewTestDB connects a storage.DB to the container and applies migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: connect: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger that only prints warnings and errors.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
