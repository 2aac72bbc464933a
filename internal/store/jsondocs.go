package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/stackhaus/mediavault/internal/fault"
)

// JSONCatalog manages catalog_json rows. Like FileCatalog, commit and
// delete adjust tenant usage transactionally.
type JSONCatalog interface {
	Commit(ctx context.Context, j *CatalogJSON) error
	Get(ctx context.Context, tenantID, id string) (*CatalogJSON, error)
	List(ctx context.Context, tenantID, backing string, limit int) ([]CatalogJSON, error)
	Delete(ctx context.Context, tenantID, id string) (*CatalogJSON, error)
	MarkOrphaned(ctx context.Context, id string) error
	// IDs returns every catalog_json id, for the reconciler's orphan sweep.
	IDs(ctx context.Context) (map[string]struct{}, error)
}

// PGJSONCatalog implements JSONCatalog on PostgreSQL.
type PGJSONCatalog struct {
	db *PostgresDB
}

// NewPGJSONCatalog creates a JSON catalog.
func NewPGJSONCatalog(db *PostgresDB) *PGJSONCatalog {
	return &PGJSONCatalog{db: db}
}

// Commit inserts the catalog row and charges the serialized byte length to
// the tenant in one transaction.
func (c *PGJSONCatalog) Commit(ctx context.Context, j *CatalogJSON) error {
	metrics := j.MetricsJSON
	if metrics == nil {
		metrics = []byte(`{}`)
	}
	tags := j.Tags
	if tags == nil {
		tags = []string{}
	}

	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := addUsage(ctx, tx, j.TenantID, j.SizeBytes); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_json (id, tenant, backing, confidence, metrics_json, tags, size, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			j.ID, j.TenantID, j.Backing, j.Confidence, []byte(metrics),
			pq.Array(tags), j.SizeBytes, j.CreatedAt,
		)
		return err
	})
	if err != nil {
		if fault.KindOf(err) != fault.Internal {
			return err
		}
		return fault.Wrap(fault.StoreUnavailable, err, "failed to commit catalog json")
	}
	return nil
}

// Get fetches a JSON record in the tenant's scope.
func (c *PGJSONCatalog) Get(ctx context.Context, tenantID, id string) (*CatalogJSON, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, tenant, backing, confidence, metrics_json, tags, size, created_at, orphaned
		 FROM catalog_json WHERE id = $1 AND tenant = $2`,
		id, tenantID,
	)
	return scanCatalogJSON(row)
}

// List returns a tenant's JSON records, newest first, optionally filtered
// by backing.
func (c *PGJSONCatalog) List(ctx context.Context, tenantID, backing string, limit int) ([]CatalogJSON, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, tenant, backing, confidence, metrics_json, tags, size, created_at, orphaned
	          FROM catalog_json WHERE tenant = $1`
	args := []any{tenantID}
	if backing != "" {
		query += ` AND backing = $2`
		args = append(args, backing)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to list catalog json")
	}
	defer rows.Close()

	var docs []CatalogJSON
	for rows.Next() {
		d, err := scanCatalogJSON(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// Delete removes the row and refunds usage. Missing ids yield NotFound.
func (c *PGJSONCatalog) Delete(ctx context.Context, tenantID, id string) (*CatalogJSON, error) {
	var deleted *CatalogJSON
	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`DELETE FROM catalog_json WHERE id = $1 AND tenant = $2
			 RETURNING id, tenant, backing, confidence, metrics_json, tags, size, created_at, orphaned`,
			id, tenantID,
		)
		d, err := scanCatalogJSON(row)
		if err != nil {
			return err
		}
		deleted = d
		return addUsage(ctx, tx, tenantID, -d.SizeBytes)
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// MarkOrphaned flags a record whose payload has vanished.
func (c *PGJSONCatalog) MarkOrphaned(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE catalog_json SET orphaned = TRUE WHERE id = $1`, id)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to mark json orphaned")
	}
	return nil
}

// IDs returns all catalog_json ids.
func (c *PGJSONCatalog) IDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id FROM catalog_json`)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to list json ids")
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan json id")
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func scanCatalogJSON(row rowScanner) (*CatalogJSON, error) {
	var j CatalogJSON
	var metrics []byte
	err := row.Scan(&j.ID, &j.TenantID, &j.Backing, &j.Confidence, &metrics,
		pq.Array(&j.Tags), &j.SizeBytes, &j.CreatedAt, &j.Orphaned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "json document not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan catalog json")
	}
	j.MetricsJSON = metrics
	return &j, nil
}
