package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ignatij/stepflow/internal/config"
	internal_storage "github.com/ignatij/stepflow/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/juju/clock"
	"github.com/juju/retry"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB is a migrated Postgres running in a throwaway container.
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

// SetupTestDB starts Postgres with the stepflow schema. The test is skipped
// when the DB_* variables are not configured.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file loaded (%v), using the environment", err)
	}
	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		t.Fatalf("Invalid test configuration: %v", err)
	}
	if cfg.DBUsername == "" || cfg.DBPassword == "" || cfg.DBName == "" || cfg.DBHost == "" {
		t.Skip("Missing required environment variables: DB_USERNAME, DB_PASSWORD, DB_NAME, DB_HOST")
	}

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     cfg.DBUsername,
				"POSTGRES_PASSWORD": cfg.DBPassword,
				"POSTGRES_DB":       cfg.DBName,
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	abort := func(format string, args ...interface{}) {
		if err := pg.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
		t.Fatalf(format, args...)
	}

	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		abort("Failed to map Postgres port: %v", err)
	}
	cfg.DBPort = port.Port()
	connStr, err := cfg.ConnString()
	if err != nil {
		abort("Failed to build connection string: %v", err)
	}

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		abort("Failed to connect to test DB: %v", err)
	}
	err = retry.Call(retry.CallArgs{
		Func:     db.Ping,
		Attempts: 10,
		Delay:    500 * time.Millisecond,
		Clock:    clock.WallClock,
	})
	if err != nil {
		abort("Failed to ping test DB: %v", retry.LastError(err))
	}

	m, err := migrate.New("file://../../migrations", connStr)
	if err != nil {
		abort("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		abort("Failed to apply migrations: %v", err)
	}

	return &TestDB{DB: db, ConnStr: connStr, container: pg}
}

// Store opens a PostgresStore on the test database. It is closed and every
// table is emptied when the test ends.
func (td *TestDB) Store(t *testing.T) *internal_storage.PostgresStore {
	t.Helper()
	store, err := internal_storage.InitStore(td.ConnStr)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		td.Truncate(t)
		store.Close()
	})
	return store
}

// Truncate empties every stepflow table.
func (td *TestDB) Truncate(t *testing.T) {
	if _, err := td.DB.Exec("TRUNCATE TABLE task_records, execution_logs, dependencies, steps, workflows RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}
}

func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}

