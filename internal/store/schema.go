package store

import (
	"context"
	"fmt"
)

// EnsureSchema creates the authoritative catalog tables and indexes. It is
// idempotent and runs at process start. dim is the system-wide embedding
// dimension.
func EnsureSchema(ctx context.Context, db *PostgresDB, dim int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS tenants (
			id          TEXT PRIMARY KEY,
			quota_bytes BIGINT NOT NULL,
			usage_bytes BIGINT NOT NULL DEFAULT 0,
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT usage_within_quota CHECK (usage_bytes <= quota_bytes)
		)`,

		`CREATE TABLE IF NOT EXISTS catalog_file (
			id            TEXT PRIMARY KEY,
			tenant        TEXT NOT NULL REFERENCES tenants(id),
			original_name TEXT NOT NULL,
			category      TEXT NOT NULL,
			mime          TEXT NOT NULL,
			size          BIGINT NOT NULL,
			sha256        TEXT NOT NULL,
			path          TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			indexed       BOOLEAN NOT NULL DEFAULT FALSE,
			orphaned      BOOLEAN NOT NULL DEFAULT FALSE,
			thumbs_json   JSONB NOT NULL DEFAULT '[]',
			meta_json     JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS catalog_file_tenant_created_idx
			ON catalog_file (tenant, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS catalog_file_category_idx
			ON catalog_file (category)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS catalog_file_tenant_sha256_idx
			ON catalog_file (tenant, sha256)`,

		`CREATE TABLE IF NOT EXISTS catalog_json (
			id           TEXT PRIMARY KEY,
			tenant       TEXT NOT NULL REFERENCES tenants(id),
			backing      TEXT NOT NULL,
			confidence   DOUBLE PRECISION NOT NULL,
			metrics_json JSONB NOT NULL DEFAULT '{}',
			tags         TEXT[] NOT NULL DEFAULT '{}',
			size         BIGINT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			orphaned     BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS catalog_json_tenant_created_idx
			ON catalog_json (tenant, created_at DESC)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk (
			id             UUID PRIMARY KEY,
			source_file_id TEXT NOT NULL REFERENCES catalog_file(id) ON DELETE CASCADE,
			tenant         TEXT NOT NULL,
			ordinal        INTEGER NOT NULL,
			text           TEXT NOT NULL,
			vector         vector(%d) NOT NULL,
			meta_json      JSONB NOT NULL DEFAULT '{}',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dim),
		`CREATE UNIQUE INDEX IF NOT EXISTS chunk_source_ordinal_idx
			ON chunk (source_file_id, ordinal)`,
		`CREATE INDEX IF NOT EXISTS chunk_vector_idx
			ON chunk USING ivfflat (vector vector_l2_ops) WITH (lists = 100)`,

		`CREATE TABLE IF NOT EXISTS query_log (
			id           UUID PRIMARY KEY,
			tenant       TEXT NOT NULL,
			text         TEXT NOT NULL,
			vector       TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			result_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS query_log_tenant_created_idx
			ON query_log (tenant, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return nil
}
