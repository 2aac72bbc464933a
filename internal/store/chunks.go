package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackhaus/mediavault/internal/fault"
)

// ChunkStore persists embedded chunks and answers kNN queries. Writes for
// one source are atomic as a batch; a reindex purges the prior chunk set
// inside the same transaction.
type ChunkStore interface {
	ReplaceForSource(ctx context.Context, sourceFileID, tenantID string, chunks []ChunkRecord) error
	DeleteBySource(ctx context.Context, sourceFileID string) error
	KNN(ctx context.Context, tenantID string, queryVec []float32, topK int, filter *ChunkFilter) ([]ChunkHit, error)
	// Texts returns (source, tenant, text) rows for the trie rebuild.
	Texts(ctx context.Context) ([]ChunkTextRow, error)
	OrdinalsBySource(ctx context.Context, sourceFileID string) ([]int, error)
}

// ChunkTextRow is the projection used to rebuild derived indexes.
type ChunkTextRow struct {
	SourceFileID string
	TenantID     string
	Text         string
}

// PGChunkStore implements ChunkStore on PostgreSQL with pgvector.
type PGChunkStore struct {
	db  *PostgresDB
	dim int
}

// NewPGChunkStore creates a chunk store. dim is the system-wide embedding
// dimension; vectors of any other length are rejected as Internal errors.
func NewPGChunkStore(db *PostgresDB, dim int) *PGChunkStore {
	return &PGChunkStore{db: db, dim: dim}
}

// ReplaceForSource writes a source's chunk batch all-or-nothing, holding
// the per-source advisory lock so concurrent reindexes serialize.
func (s *PGChunkStore) ReplaceForSource(ctx context.Context, sourceFileID, tenantID string, chunks []ChunkRecord) error {
	for i, c := range chunks {
		if len(c.Embedding) != s.dim {
			return fault.Newf(fault.Internal, "chunk %d has vector dimension %d, expected %d",
				i, len(c.Embedding), s.dim)
		}
		if c.Ordinal != i {
			return fault.Newf(fault.Internal, "chunk batch ordinals not contiguous: index %d has ordinal %d", i, c.Ordinal)
		}
	}

	err := s.db.WithSourceLock(ctx, sourceFileID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunk WHERE source_file_id = $1`, sourceFileID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chunk (id, source_file_id, tenant, ordinal, text, vector, meta_json, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, c := range chunks {
			id := c.ID
			if id == "" {
				id = uuid.New().String()
			}
			meta := c.Meta
			if meta == nil {
				meta = json.RawMessage(`{}`)
			}
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			if _, err := stmt.ExecContext(ctx,
				id, sourceFileID, tenantID, c.Ordinal, c.Text,
				vectorToString(c.Embedding), []byte(meta), createdAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if fault.KindOf(err) != fault.Internal {
			return err
		}
		return fault.Wrap(fault.StoreUnavailable, err, "failed to replace chunk batch")
	}
	return nil
}

// DeleteBySource removes all chunks of a source.
func (s *PGChunkStore) DeleteBySource(ctx context.Context, sourceFileID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunk WHERE source_file_id = $1`, sourceFileID); err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to delete chunks")
	}
	return nil
}

// KNN returns the topK nearest chunks by L2 distance, ascending; ties break
// by (source_file_id, ordinal). The tenant predicate is always applied.
func (s *PGChunkStore) KNN(ctx context.Context, tenantID string, queryVec []float32, topK int, filter *ChunkFilter) ([]ChunkHit, error) {
	if len(queryVec) != s.dim {
		return nil, fault.Newf(fault.Internal, "query vector dimension %d, expected %d", len(queryVec), s.dim)
	}
	if topK <= 0 {
		topK = 10
	}

	conditions := []string{"c.tenant = $2"}
	args := []any{vectorToString(queryVec), tenantID}
	argIdx := 3

	if filter != nil && len(filter.Categories) > 0 {
		placeholders := make([]string, len(filter.Categories))
		for i, cat := range filter.Categories {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, cat)
			argIdx++
		}
		conditions = append(conditions, fmt.Sprintf("f.category IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter != nil && len(filter.SourceFileIDs) > 0 {
		placeholders := make([]string, len(filter.SourceFileIDs))
		for i, id := range filter.SourceFileIDs {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, id)
			argIdx++
		}
		conditions = append(conditions, fmt.Sprintf("c.source_file_id IN (%s)", strings.Join(placeholders, ",")))
	}

	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT c.id, c.source_file_id, c.ordinal, c.text, f.category,
		       c.vector <-> $1::vector AS distance
		FROM chunk c
		JOIN catalog_file f ON c.source_file_id = f.id
		WHERE %s
		ORDER BY c.vector <-> $1::vector, c.source_file_id, c.ordinal
		LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "knn query failed")
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		if err := rows.Scan(&h.ChunkID, &h.SourceFileID, &h.Ordinal, &h.Text, &h.Category, &h.Distance); err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan knn hit")
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Texts returns every chunk's text with its source and tenant, for the
// startup trie rebuild.
func (s *PGChunkStore) Texts(ctx context.Context) ([]ChunkTextRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_file_id, tenant, text FROM chunk ORDER BY source_file_id, ordinal`)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to read chunk texts")
	}
	defer rows.Close()

	var out []ChunkTextRow
	for rows.Next() {
		var r ChunkTextRow
		if err := rows.Scan(&r.SourceFileID, &r.TenantID, &r.Text); err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan chunk text")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OrdinalsBySource returns a source's ordinal sequence, ascending.
func (s *PGChunkStore) OrdinalsBySource(ctx context.Context, sourceFileID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ordinal FROM chunk WHERE source_file_id = $1 ORDER BY ordinal`, sourceFileID)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to read ordinals")
	}
	defer rows.Close()

	var ordinals []int
	for rows.Next() {
		var o int
		if err := rows.Scan(&o); err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan ordinal")
		}
		ordinals = append(ordinals, o)
	}
	return ordinals, rows.Err()
}
