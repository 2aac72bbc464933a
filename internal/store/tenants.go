package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/stackhaus/mediavault/internal/fault"
)

// TenantStore manages tenant rows and their usage counters.
type TenantStore interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	Create(ctx context.Context, t Tenant) error
	// AddUsage atomically adjusts a tenant's usage. A positive delta that
	// would cross the quota fails with QuotaExceeded and leaves usage
	// unchanged; negative deltas clamp at zero.
	AddUsage(ctx context.Context, id string, delta int64) error
}

// PGTenantStore implements TenantStore on PostgreSQL.
type PGTenantStore struct {
	db *PostgresDB
}

// NewPGTenantStore creates a tenant store.
func NewPGTenantStore(db *PostgresDB) *PGTenantStore {
	return &PGTenantStore{db: db}
}

// Get fetches a tenant by id.
func (s *PGTenantStore) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, quota_bytes, usage_bytes, active, created_at FROM tenants WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.QuotaBytes, &t.UsageBytes, &t.Active, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.Unauthorized, "unknown tenant %q", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to load tenant")
	}
	return &t, nil
}

// Create inserts a tenant row.
func (s *PGTenantStore) Create(ctx context.Context, t Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, quota_bytes, usage_bytes, active) VALUES ($1, $2, $3, $4)`,
		t.ID, t.QuotaBytes, t.UsageBytes, t.Active,
	)
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to create tenant")
	}
	return nil
}

// AddUsage adjusts usage under the quota constraint.
func (s *PGTenantStore) AddUsage(ctx context.Context, id string, delta int64) error {
	return addUsage(ctx, s.db, id, delta)
}

// execer covers *sql.DB, *sql.Tx and PostgresDB.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// addUsage runs the usage update against db or an open transaction so the
// commit-time re-check shares the catalog row's transaction.
func addUsage(ctx context.Context, ex execer, id string, delta int64) error {
	var res sql.Result
	var err error

	if delta >= 0 {
		res, err = ex.ExecContext(ctx,
			`UPDATE tenants SET usage_bytes = usage_bytes + $2
			 WHERE id = $1 AND active AND usage_bytes + $2 <= quota_bytes`,
			id, delta,
		)
	} else {
		res, err = ex.ExecContext(ctx,
			`UPDATE tenants SET usage_bytes = GREATEST(usage_bytes + $2, 0) WHERE id = $1`,
			id, delta,
		)
	}
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to update tenant usage")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to update tenant usage")
	}
	if n == 0 {
		if delta >= 0 {
			return fault.Newf(fault.QuotaExceeded, "tenant %s would exceed quota by committing %d bytes", id, delta).
				WithHint("free space or raise the tenant quota")
		}
		return fault.Newf(fault.Unauthorized, "unknown tenant %q", id)
	}
	return nil
}
