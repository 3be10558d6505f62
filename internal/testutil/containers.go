package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cloo-solutions/forensix/internal/database"
	"github.com/cloo-solutions/forensix/internal/storage"
)

const (
	postgresImage = "pgvector/pgvector:0.8.1-pg18"
	rustfsImage   = "rustfs/rustfs:latest"

	dbName     = "forensix"
	dbUser     = "forensix"
	dbPassword = "forensix"
	s3Key      = "rustfsadmin"
	s3Secret   = "rustfsadmin"
)

// run starts image and fails the test if it does not come up.
func run(ctx context.Context, t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) testcontainers.Container {
	t.Helper()
	c, err := testcontainers.Run(ctx, image, opts...)
	if err != nil {
		t.Fatalf("failed to start %s: %v", image, err)
	}
	return c
}

func endpointOrFail(t *testing.T, c testcontainers.Container, endpoint string, err error) string {
	t.Helper()
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		t.Fatalf("failed to resolve container endpoint: %v", err)
	}
	return endpoint
}

// PostgresContainer is a pgvector-enabled Postgres holding the evidence index.
type PostgresContainer struct {
	container testcontainers.Container
	addr      string
}

// NewPostgresContainer starts Postgres with pgvector and waits for the second "ready" log
// line, which follows the init scripts.
func NewPostgresContainer(ctx context.Context, t *testing.T) *PostgresContainer {
	t.Helper()
	c := run(ctx, t, postgresImage,
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_DB":       dbName,
			"POSTGRES_USER":     dbUser,
			"POSTGRES_PASSWORD": dbPassword,
		}),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	addr, err := c.PortEndpoint(ctx, "5432/tcp", "")
	return &PostgresContainer{container: c, addr: endpointOrFail(t, c, addr, err)}
}

// ConnectionString returns a pgx URL for the container database.
func (pc *PostgresContainer) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", dbUser, dbPassword, pc.addr, dbName)
}

func (pc *PostgresContainer) Terminate(ctx context.Context) error {
	return testcontainers.TerminateContainer(pc.container)
}

// RustFSContainer is an S3-compatible object store for the report mirror.
type RustFSContainer struct {
	container testcontainers.Container
	endpoint  string
}

func NewRustFSContainer(ctx context.Context, t *testing.T) *RustFSContainer {
	t.Helper()
	c := run(ctx, t, rustfsImage,
		testcontainers.WithExposedPorts("9000/tcp"),
		testcontainers.WithEnv(map[string]string{
			"RUSTFS_ACCESS_KEY": s3Key,
			"RUSTFS_SECRET_KEY": s3Secret,
		}),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("9000/tcp")),
	)
	endpoint, err := c.PortEndpoint(ctx, "9000/tcp", "http")
	return &RustFSContainer{container: c, endpoint: endpointOrFail(t, c, endpoint, err)}
}

// Endpoint returns the base URL of the S3 API.
func (rc *RustFSContainer) Endpoint() string {
	return rc.endpoint
}

func (rc *RustFSContainer) Terminate(ctx context.Context) error {
	return testcontainers.TerminateContainer(rc.container)
}

// NewTestPool connects to the container through the production pool constructor and applies
// the golang-migrate schema from migrationsDir.
func NewTestPool(ctx context.Context, t *testing.T, pc *PostgresContainer, migrationsDir string) *pgxpool.Pool {
	abs, err := filepath.Abs(migrationsDir)
	if err != nil {
		t.Fatalf("failed to resolve migrations dir: %v", err)
	}

	pool, err := database.NewPool(ctx, database.Config{
		URL:            pc.ConnectionString(),
		MaxConns:       4,
		ConnectTimeout: 15 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	if err := database.Migrate(pc.ConnectionString(), "file://"+filepath.ToSlash(abs)); err != nil {
		pool.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	return pool
}

// indexTables lists the index schema, children first.
var indexTables = []string{"evidence_chunks", "report_versions", "artifacts"}

// TruncateAll empties the index tables. schema_migrations is kept.
func TruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(indexTables, ", "))); err != nil {
		return fmt.Errorf("failed to truncate index tables: %w", err)
	}
	return nil
}

// S3Config returns the client settings for a RustFS container and bucket.
func (rc *RustFSContainer) S3Config(bucket string) storage.S3ClientConfig {
	return storage.S3ClientConfig{
		Endpoint:        rc.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     s3Key,
		SecretAccessKey: s3Secret,
		Bucket:          bucket,
		UsePathStyle:    true,
	}
}
