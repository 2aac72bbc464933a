package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/stackhaus/mediavault/internal/fault"
)

// QueryLog records retrieval requests for analytics. Append-only; Recent
// serves the analytics read path.
type QueryLog interface {
	Insert(ctx context.Context, entry QueryLogEntry) error
	Recent(ctx context.Context, tenantID string, limit int) ([]QueryLogEntry, error)
}

// PGQueryLog implements QueryLog on PostgreSQL.
type PGQueryLog struct {
	db *PostgresDB
}

// NewPGQueryLog creates a query log.
func NewPGQueryLog(db *PostgresDB) *PGQueryLog {
	return &PGQueryLog{db: db}
}

// Insert appends one entry. The embedding is stored in pgvector text form;
// prefix-only queries log without one.
func (l *PGQueryLog) Insert(ctx context.Context, entry QueryLogEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var vec any
	if len(entry.Embedding) > 0 {
		vec = vectorToString(entry.Embedding)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO query_log (id, tenant, text, vector, created_at, result_count)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, entry.TenantID, entry.QueryText, vec, createdAt, entry.ResultCount,
	)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to insert query log entry")
	}
	return nil
}

// Recent returns a tenant's latest entries, newest first, with the stored
// query embeddings parsed back from their pgvector text form.
func (l *PGQueryLog) Recent(ctx context.Context, tenantID string, limit int) ([]QueryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, tenant, text, vector, created_at, result_count
		 FROM query_log WHERE tenant = $1
		 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to read query log")
	}
	defer rows.Close()

	var entries []QueryLogEntry
	for rows.Next() {
		var e QueryLogEntry
		var vec sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.QueryText, &vec, &e.CreatedAt, &e.ResultCount); err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan query log entry")
		}
		if vec.Valid {
			embedding, err := vectorFromString(vec.String)
			if err != nil {
				return nil, fault.Wrap(fault.Internal, err, "corrupt query embedding")
			}
			e.Embedding = embedding
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
