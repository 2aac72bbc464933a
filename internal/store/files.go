package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/stackhaus/mediavault/internal/fault"
)

// FileCatalog manages catalog_file rows. Commit and Delete also adjust
// tenant usage inside the same transaction so the quota invariant holds at
// every commit point.
type FileCatalog interface {
	Commit(ctx context.Context, f *CatalogFile) error
	Get(ctx context.Context, tenantID, id string) (*CatalogFile, error)
	List(ctx context.Context, tenantID, category string, limit int) ([]CatalogFile, error)
	Delete(ctx context.Context, tenantID, id string) (*CatalogFile, error)
	MarkIndexed(ctx context.Context, id string, indexed bool) error
	MarkOrphaned(ctx context.Context, id string) error
	// ListPaths returns (id, canonical path) pairs for the reconciler.
	ListPaths(ctx context.Context) (map[string]string, error)
}

// PGFileCatalog implements FileCatalog on PostgreSQL.
type PGFileCatalog struct {
	db *PostgresDB
}

// NewPGFileCatalog creates a file catalog.
func NewPGFileCatalog(db *PostgresDB) *PGFileCatalog {
	return &PGFileCatalog{db: db}
}

// Commit inserts the catalog row and charges the artifact's size to the
// tenant in one transactional unit. The usage update re-checks the quota;
// two admitted writers cannot jointly exceed it.
func (c *PGFileCatalog) Commit(ctx context.Context, f *CatalogFile) error {
	thumbs, err := json.Marshal(f.Thumbs)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to encode thumbs")
	}
	meta := f.Meta
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := addUsage(ctx, tx, f.TenantID, f.SizeBytes); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_file
				(id, tenant, original_name, category, mime, size, sha256, path, created_at, indexed, thumbs_json, meta_json)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			f.ID, f.TenantID, f.OriginalName, f.Category, f.MIMEType, f.SizeBytes,
			f.SHA256, f.CanonicalPath, f.CreatedAt, f.Indexed, thumbs, meta,
		)
		return err
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fault.Newf(fault.Validation, "identical content already stored for tenant %s", f.TenantID).
				WithHint("the tenant already holds a file with this sha256")
		}
		if fault.KindOf(err) != fault.Internal {
			return err
		}
		return fault.Wrap(fault.StoreUnavailable, err, "failed to commit catalog file")
	}
	return nil
}

// Get fetches a file in the tenant's scope.
func (c *PGFileCatalog) Get(ctx context.Context, tenantID, id string) (*CatalogFile, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, tenant, original_name, category, mime, size, sha256, path,
		        created_at, indexed, orphaned, thumbs_json, meta_json
		 FROM catalog_file WHERE id = $1 AND tenant = $2`,
		id, tenantID,
	)
	return scanCatalogFile(row)
}

// List returns a tenant's files, newest first, optionally filtered by
// category.
func (c *PGFileCatalog) List(ctx context.Context, tenantID, category string, limit int) ([]CatalogFile, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, tenant, original_name, category, mime, size, sha256, path,
	                 created_at, indexed, orphaned, thumbs_json, meta_json
	          FROM catalog_file WHERE tenant = $1`
	args := []any{tenantID}
	if category != "" {
		query += ` AND category = $2`
		args = append(args, category)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to list catalog files")
	}
	defer rows.Close()

	var files []CatalogFile
	for rows.Next() {
		f, err := scanCatalogFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to list catalog files")
	}
	return files, nil
}

// Delete removes the row and refunds the tenant's usage in one transaction.
// A missing id yields NotFound; deleting twice is therefore safe.
func (c *PGFileCatalog) Delete(ctx context.Context, tenantID, id string) (*CatalogFile, error) {
	var deleted *CatalogFile
	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`DELETE FROM catalog_file WHERE id = $1 AND tenant = $2
			 RETURNING id, tenant, original_name, category, mime, size, sha256, path,
			           created_at, indexed, orphaned, thumbs_json, meta_json`,
			id, tenantID,
		)
		f, err := scanCatalogFile(row)
		if err != nil {
			return err
		}
		deleted = f
		return addUsage(ctx, tx, tenantID, -f.SizeBytes)
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// MarkIndexed flips the indexed flag after a chunk batch commits.
func (c *PGFileCatalog) MarkIndexed(ctx context.Context, id string, indexed bool) error {
	_, err := c.db.ExecContext(ctx, `UPDATE catalog_file SET indexed = $2 WHERE id = $1`, id, indexed)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to mark file indexed")
	}
	return nil
}

// MarkOrphaned flags a row whose underlying bytes have vanished. The row is
// kept for forensic trace.
func (c *PGFileCatalog) MarkOrphaned(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE catalog_file SET orphaned = TRUE WHERE id = $1`, id)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to mark file orphaned")
	}
	return nil
}

// ListPaths returns all (id, canonical path) pairs.
func (c *PGFileCatalog) ListPaths(ctx context.Context) (map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, path FROM catalog_file WHERE NOT orphaned`)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to list file paths")
	}
	defer rows.Close()

	paths := make(map[string]string)
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan file path")
		}
		paths[id] = path
	}
	return paths, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCatalogFile(row rowScanner) (*CatalogFile, error) {
	var f CatalogFile
	var thumbs, meta []byte
	err := row.Scan(&f.ID, &f.TenantID, &f.OriginalName, &f.Category, &f.MIMEType,
		&f.SizeBytes, &f.SHA256, &f.CanonicalPath, &f.CreatedAt, &f.Indexed,
		&f.Orphaned, &thumbs, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "file not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan catalog file")
	}
	if len(thumbs) > 0 {
		if err := json.Unmarshal(thumbs, &f.Thumbs); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "corrupt thumbs blob")
		}
	}
	f.Meta = meta
	return &f, nil
}
