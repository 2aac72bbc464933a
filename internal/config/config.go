// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Worker    WorkerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Media     MediaConfig
	Mirror    MirrorConfig
	Embedding EmbeddingConfig
	Search    SearchConfig
	Log       LogConfig
}

// WorkerConfig holds background worker configuration.
type WorkerConfig struct {
	Environment       string
	ShutdownTimeout   int
	ReconcileInterval time.Duration
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration (document collection).
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	URL       string
	ClusterID string
}

// MediaConfig holds on-disk media storage configuration.
type MediaConfig struct {
	Root         string
	TaxonomyPath string // empty means built-in taxonomy
	MaxUploadMB  int
	SniffBytes   int
}

// MirrorConfig holds the optional MinIO replica configuration.
type MirrorConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// EmbeddingConfig holds embedding gateway configuration.
type EmbeddingConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Dimension    int
	MaxRetries   int
	RetryDelay   time.Duration
	RateLimitRPS int
}

// SearchConfig holds chunking and retrieval configuration.
type SearchConfig struct {
	ChunkChars   int
	OverlapChars int
	DefaultTopK  int
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Worker: WorkerConfig{
			Environment:       getEnv("ENVIRONMENT", "development"),
			ShutdownTimeout:   getEnvAsInt("SHUTDOWN_TIMEOUT", 30),
			ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 10*time.Minute),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "mediavault"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:       getEnv("NATS_URL", "nats://localhost:4222"),
			ClusterID: getEnv("NATS_CLUSTER_ID", "mediavault"),
		},
		Media: MediaConfig{
			Root:         getEnv("MEDIA_ROOT", "./media_storage"),
			TaxonomyPath: getEnv("TAXONOMY_PATH", ""),
			MaxUploadMB:  getEnvAsInt("MAX_UPLOAD_MB", 512),
			SniffBytes:   getEnvAsInt("SNIFF_BYTES", 4096),
		},
		Mirror: MirrorConfig{
			Enabled:         getEnvAsBool("MIRROR_ENABLED", false),
			Endpoint:        getEnv("MIRROR_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("MIRROR_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("MIRROR_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("MIRROR_BUCKET", "mediavault"),
			UseSSL:          getEnvAsBool("MIRROR_USE_SSL", false),
			Region:          getEnv("MIRROR_REGION", "us-east-1"),
		},
		Embedding: EmbeddingConfig{
			BaseURL:      getEnv("EMBEDDING_BASE_URL", "http://localhost:11434/v1"),
			APIKey:       getEnv("EMBEDDING_API_KEY", "ollama"),
			Model:        getEnv("EMBEDDING_MODEL", "nomic-embed-text"),
			Dimension:    getEnvAsInt("EMBEDDING_DIMENSION", 768),
			MaxRetries:   getEnvAsInt("EMBEDDING_MAX_RETRIES", 3),
			RetryDelay:   getEnvAsDuration("EMBEDDING_RETRY_DELAY", time.Second),
			RateLimitRPS: getEnvAsInt("EMBEDDING_RATE_LIMIT_RPS", 50),
		},
		Search: SearchConfig{
			ChunkChars:   getEnvAsInt("CHUNK_CHARS", 500),
			OverlapChars: getEnvAsInt("CHUNK_OVERLAP_CHARS", 50),
			DefaultTopK:  getEnvAsInt("SEARCH_TOP_K", 10),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Search.OverlapChars >= c.Search.ChunkChars {
		return fmt.Errorf("CHUNK_OVERLAP_CHARS (%d) must be smaller than CHUNK_CHARS (%d)",
			c.Search.OverlapChars, c.Search.ChunkChars)
	}
	if c.Media.Root == "" {
		return fmt.Errorf("MEDIA_ROOT must not be empty")
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
