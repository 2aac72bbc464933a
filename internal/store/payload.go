package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/stackhaus/mediavault/internal/fault"
)

// payloadTablePrefix names the per-document physical tables.
const payloadTablePrefix = "payload_"

// payloadIDPattern guards the identifier interpolated into DDL. Document
// ids are machine-generated (doc_<ts>_<hash>), so anything else is a bug.
var payloadIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// PayloadStore manages the per-document relational payload tables. Each
// relational-backed document owns one physical table payload_<id> with an
// indexed JSONB body column; array inputs fan out one row per element.
// The is_array flag records the fan-out so a one-element array and a bare
// document read back with their original shapes.
type PayloadStore interface {
	CreateAndFill(ctx context.Context, docID, tenantID string, rows []json.RawMessage, isArray bool) error
	Fetch(ctx context.Context, docID, tenantID string) (rows []json.RawMessage, isArray bool, err error)
	Drop(ctx context.Context, docID string) error
	// TableDocIDs lists the document ids that currently own payload tables,
	// for the reconciler's orphan sweep.
	TableDocIDs(ctx context.Context) ([]string, error)
}

// PGPayloadStore implements PayloadStore on PostgreSQL.
type PGPayloadStore struct {
	db *PostgresDB
}

// NewPGPayloadStore creates a payload store.
func NewPGPayloadStore(db *PostgresDB) *PGPayloadStore {
	return &PGPayloadStore{db: db}
}

// CreateAndFill creates payload_<id>, its indexes, and inserts all rows in
// a single transaction.
func (s *PGPayloadStore) CreateAndFill(ctx context.Context, docID, tenantID string, rows []json.RawMessage, isArray bool) error {
	table, err := payloadTable(docID)
	if err != nil {
		return err
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ddl := []string{
			fmt.Sprintf(`CREATE TABLE %s (
				row_id     SERIAL PRIMARY KEY,
				tenant     TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				is_array   BOOLEAN NOT NULL,
				body       JSONB NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX %s_body_gin_idx ON %s USING GIN (body)`, table, table),
			fmt.Sprintf(`CREATE INDEX %s_tenant_idx ON %s (tenant)`, table, table),
		}
		for _, stmt := range ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}

		stmt, err := tx.PrepareContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (tenant, is_array, body) VALUES ($1, $2, $3)`, table))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, body := range rows {
			if _, err := stmt.ExecContext(ctx, tenantID, isArray, []byte(body)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to create payload table")
	}
	return nil
}

// Fetch returns the body rows of a payload table in insertion order, plus
// the fan-out flag recorded at write time.
func (s *PGPayloadStore) Fetch(ctx context.Context, docID, tenantID string) ([]json.RawMessage, bool, error) {
	table, err := payloadTable(docID)
	if err != nil {
		return nil, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT is_array, body FROM %s WHERE tenant = $1 ORDER BY row_id`, table), tenantID)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, false, fault.New(fault.NotFound, "payload table missing")
		}
		return nil, false, fault.Wrap(fault.StoreUnavailable, err, "failed to fetch payload rows")
	}
	defer rows.Close()

	var bodies []json.RawMessage
	var isArray bool
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&isArray, &body); err != nil {
			return nil, false, fault.Wrap(fault.StoreUnavailable, err, "failed to scan payload row")
		}
		bodies = append(bodies, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, false, fault.Wrap(fault.StoreUnavailable, err, "failed to fetch payload rows")
	}
	return bodies, isArray, nil
}

// Drop removes a payload table. Missing tables are fine: delete and
// reconcile paths both call this.
func (s *PGPayloadStore) Drop(ctx context.Context, docID string) error {
	table, err := payloadTable(docID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to drop payload table")
	}
	return nil
}

// TableDocIDs scans the catalog of payload tables.
func (s *PGPayloadStore) TableDocIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE $1`,
		payloadTablePrefix+"%")
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to list payload tables")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to scan table name")
		}
		ids = append(ids, strings.TrimPrefix(name, payloadTablePrefix))
	}
	return ids, rows.Err()
}

func payloadTable(docID string) (string, error) {
	if !payloadIDPattern.MatchString(docID) {
		return "", fault.Newf(fault.Internal, "invalid payload document id %q", docID)
	}
	return payloadTablePrefix + docID, nil
}

func isUndefinedTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}
