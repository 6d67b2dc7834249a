// Package testutil provides shared test infrastructure: a PostgreSQL
// database for repository integration tests and an in-memory Store for
// everything above the storage layer.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    pg := testutil.MustStartPostgres()
//	    defer pg.Terminate()
//	    testDB, _ = pg.NewTestDB(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
//
// Set KENKYU_TEST_DATABASE_URL to run against an existing server instead of
// a container.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kenkyu/internal/blob"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/storage/sqlite"
	"github.com/ashita-ai/kenkyu/migrations"
)

// DatabaseURLEnv names an external Postgres DSN that replaces the container.
const DatabaseURLEnv = "KENKYU_TEST_DATABASE_URL"

const postgresImage = "postgres:17-alpine"

// Postgres is a database reachable at DSN. Container is nil when the DSN
// came from DatabaseURLEnv.
type Postgres struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres is StartPostgres for TestMain: it exits the process on
// failure.
func MustStartPostgres() *Postgres {
	pg, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: %v\n", err)
		os.Exit(1)
	}
	return pg
}

// StartPostgres returns the database named by DatabaseURLEnv, or starts a
// throwaway container.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	if dsn := os.Getenv(DatabaseURLEnv); dsn != "" {
		return &Postgres{DSN: dsn}, nil
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kenkyu",
				"POSTGRES_PASSWORD": "kenkyu",
				"POSTGRES_DB":       "kenkyu",
			},
			// Postgres logs readiness twice: once for the init server, once for the real one.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", postgresImage, err)
	}

	pg := &Postgres{Container: container}
	host, err := container.Host(ctx)
	if err != nil {
		pg.Terminate()
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		pg.Terminate()
		return nil, fmt.Errorf("container port: %w", err)
	}
	pg.DSN = fmt.Sprintf("postgres://kenkyu:kenkyu@%s:%s/kenkyu?sslmode=disable", host, port.Port())
	return pg, nil
}

// NewTestDB connects a storage.DB and brings the schema up to date.
func (pg *Postgres) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, pg.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.Postgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate removes the container, if one was started.
func (pg *Postgres) Terminate() {
	if pg.Container != nil {
		_ = pg.Container.Terminate(context.Background())
	}
}

// NewSQLiteDB opens a private in-memory SQLite database closed when t
// finishes.
func NewSQLiteDB(t testing.TB) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.Memory, TestLogger())
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewMemoryStore returns a Store over NewSQLiteDB and in-memory blobs.
func NewMemoryStore(t testing.TB) *storage.Store {
	t.Helper()
	return storage.NewStore(NewSQLiteDB(t), blob.NewMemory(), TestLogger())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
