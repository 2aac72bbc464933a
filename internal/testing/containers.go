// Package testing provides test utilities including testcontainers setup.
package testing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerConfig holds configuration for test containers.
type ContainerConfig struct {
	PostgresImage  string
	PostgresDB     string
	PostgresUser   string
	PostgresPass   string
	RedisImage     string
	StartupTimeout time.Duration
}

// DefaultContainerConfig returns a default container configuration. The
// Postgres image ships the pgvector extension the chunk store needs.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		PostgresImage:  "pgvector/pgvector:pg16",
		PostgresDB:     "testdb",
		PostgresUser:   "testuser",
		PostgresPass:   "testpass",
		RedisImage:     "redis:7-alpine",
		StartupTimeout: 60 * time.Second,
	}
}

// TestContainers holds running test containers.
type TestContainers struct {
	PostgresContainer *postgres.PostgresContainer
	RedisContainer    *redis.RedisContainer
	PostgresConnStr   string
	RedisConnStr      string
	config            ContainerConfig
	logger            *slog.Logger
}

// NewTestContainers prepares a container set; nothing starts until the
// Start* methods run.
func NewTestContainers(config ContainerConfig, logger *slog.Logger) *TestContainers {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestContainers{
		config: config,
		logger: logger.With("component", "testcontainers"),
	}
}

// StartPostgres starts a PostgreSQL container with the pgvector extension
// available.
func (tc *TestContainers) StartPostgres(ctx context.Context) error {
	tc.logger.Info("starting PostgreSQL container", "image", tc.config.PostgresImage)

	container, err := postgres.Run(ctx,
		tc.config.PostgresImage,
		postgres.WithDatabase(tc.config.PostgresDB),
		postgres.WithUsername(tc.config.PostgresUser),
		postgres.WithPassword(tc.config.PostgresPass),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(tc.config.StartupTimeout),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	tc.PostgresContainer = container
	tc.PostgresConnStr = connStr
	return nil
}

// StartRedis starts a Redis container.
func (tc *TestContainers) StartRedis(ctx context.Context) error {
	tc.logger.Info("starting Redis container", "image", tc.config.RedisImage)

	container, err := redis.Run(ctx, tc.config.RedisImage)
	if err != nil {
		return fmt.Errorf("failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection string: %w", err)
	}

	tc.RedisContainer = container
	tc.RedisConnStr = connStr
	return nil
}

// Terminate stops all running containers.
func (tc *TestContainers) Terminate(ctx context.Context) {
	if tc.PostgresContainer != nil {
		if err := tc.PostgresContainer.Terminate(ctx); err != nil {
			tc.logger.Warn("failed to terminate postgres container", "error", err)
		}
	}
	if tc.RedisContainer != nil {
		if err := tc.RedisContainer.Terminate(ctx); err != nil {
			tc.logger.Warn("failed to terminate redis container", "error", err)
		}
	}
}
