// Package router scores incoming JSON documents and persists each in the
// backing store its shape fits best.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stackhaus/mediavault/internal/analyzer"
	"github.com/stackhaus/mediavault/internal/fault"
	"github.com/stackhaus/mediavault/internal/store"
	"github.com/stackhaus/mediavault/internal/tenant"
	"github.com/stackhaus/mediavault/pkg/logger"
)

// Router persists JSON documents behind the analyzer's verdict. The
// catalog is authoritative; payload stores are reconcilable side effects.
type Router struct {
	payloads store.PayloadStore
	docs     store.DocumentCollection
	catalog  store.JSONCatalog
	guard    *tenant.Guard
	log      *logger.Logger
}

// Verdict is returned with the catalog record: the decision and its
// human-readable reasons.
type Verdict struct {
	Record   *store.CatalogJSON `json:"record"`
	Backing  analyzer.Backing   `json:"backing"`
	Reasons  []string           `json:"reasons"`
	Metrics  analyzer.Metrics   `json:"metrics"`
	Decision analyzer.Decision  `json:"decision"`
}

// New creates a router.
func New(payloads store.PayloadStore, docs store.DocumentCollection, catalog store.JSONCatalog, guard *tenant.Guard, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		payloads: payloads,
		docs:     docs,
		catalog:  catalog,
		guard:    guard,
		log:      log.WithComponent("router"),
	}
}

// IngestJSON analyzes raw JSON, routes it to the chosen store, and commits
// the catalog record. The two stores are not coordinated transactionally;
// a payload whose catalog insert failed is swept by the reconciler.
func (r *Router) IngestJSON(ctx context.Context, tenantID string, raw []byte, tags []string) (*Verdict, error) {
	if len(raw) == 0 {
		return nil, fault.New(fault.Validation, "missing JSON body")
	}

	start := time.Now()

	metrics, tree, err := analyzer.AnalyzeBytes(raw)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "malformed JSON").
			WithHint("the request body must be a valid JSON document")
	}
	decision := analyzer.Decide(metrics)

	canonical, err := CanonicalJSON(tree)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "canonical serialization failed")
	}

	now := time.Now().UTC()
	id := docID(canonical, now)

	token, err := r.guard.Admit(ctx, tenantID, int64(len(canonical)))
	if err != nil {
		return nil, err
	}

	if err := r.persistPayload(ctx, id, tenantID, tree, canonical, decision.Backing, tags, now); err != nil {
		r.guard.Release(token)
		return nil, err
	}

	metricsBlob, err := json.Marshal(struct {
		Metrics  analyzer.Metrics  `json:"metrics"`
		Decision analyzer.Decision `json:"decision"`
	}{metrics, decision})
	if err != nil {
		metricsBlob = []byte(`{}`)
	}

	rec := &store.CatalogJSON{
		ID:          id,
		TenantID:    tenantID,
		Backing:     string(decision.Backing),
		Confidence:  decision.Confidence,
		MetricsJSON: metricsBlob,
		Tags:        tags,
		SizeBytes:   int64(len(canonical)),
		CreatedAt:   now,
	}

	// Catalog commit is the authoritative step and the non-cancellable
	// point; its transaction re-checks the quota.
	if err := r.catalog.Commit(context.WithoutCancel(ctx), rec); err != nil {
		r.guard.Release(token)
		// Best-effort reversal; the reconciler sweeps whatever remains.
		if dropErr := r.dropPayload(context.WithoutCancel(ctx), id, tenantID, decision.Backing); dropErr != nil {
			r.log.Warn("failed to reverse orphan payload", "doc_id", id, "error", dropErr)
		}
		return nil, err
	}
	r.guard.Confirm(token)

	r.log.Info("json ingested",
		"tenant_id", tenantID,
		"doc_id", id,
		"backing", decision.Backing,
		"confidence", fmt.Sprintf("%.2f", decision.Confidence),
		"bytes", len(canonical),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Verdict{
		Record:   rec,
		Backing:  decision.Backing,
		Reasons:  decision.Reasons,
		Metrics:  metrics,
		Decision: decision,
	}, nil
}

// Fetch returns the stored tree for a document in the tenant's scope. The
// round trip is exact up to canonical serialization.
func (r *Router) Fetch(ctx context.Context, tenantID, id string) (any, *store.CatalogJSON, error) {
	rec, err := r.catalog.Get(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}

	switch analyzer.Backing(rec.Backing) {
	case analyzer.BackingRelational:
		rows, isArray, err := r.payloads.Fetch(ctx, id, tenantID)
		if err != nil {
			return nil, rec, err
		}
		tree, err := reassemble(rows, isArray)
		return tree, rec, err

	case analyzer.BackingDocument:
		doc, err := r.docs.Get(ctx, tenantID, id)
		if err != nil {
			return nil, rec, err
		}
		return doc.Data, rec, nil

	default:
		return nil, rec, fault.Newf(fault.Internal, "catalog row %s has unknown backing %q", id, rec.Backing)
	}
}

// Delete removes the catalog record and its payload, refunding usage.
func (r *Router) Delete(ctx context.Context, tenantID, id string) error {
	rec, err := r.catalog.Delete(ctx, tenantID, id)
	if err != nil {
		return err
	}

	if err := r.dropPayload(ctx, id, tenantID, analyzer.Backing(rec.Backing)); err != nil {
		// The catalog row is gone; the stale payload is reconciler food.
		r.log.Warn("failed to drop payload after delete", "doc_id", id, "error", err)
	}

	r.log.Info("json deleted", "tenant_id", tenantID, "doc_id", id, "backing", rec.Backing)
	return nil
}

func (r *Router) persistPayload(ctx context.Context, id, tenantID string, tree any, canonical []byte, backing analyzer.Backing, tags []string, now time.Time) error {
	switch backing {
	case analyzer.BackingRelational:
		rows, isArray, err := payloadRows(tree, canonical)
		if err != nil {
			return err
		}
		return r.payloads.CreateAndFill(ctx, id, tenantID, rows, isArray)

	case analyzer.BackingDocument:
		return r.docs.Put(ctx, store.Document{
			ID:        id,
			TenantID:  tenantID,
			Data:      tree,
			Tags:      tags,
			CreatedAt: now,
		})

	default:
		return fault.Newf(fault.Internal, "unknown backing %q", backing)
	}
}

func (r *Router) dropPayload(ctx context.Context, id, tenantID string, backing analyzer.Backing) error {
	switch backing {
	case analyzer.BackingRelational:
		return r.payloads.Drop(ctx, id)
	case analyzer.BackingDocument:
		err := r.docs.Delete(ctx, tenantID, id)
		if fault.Is(err, fault.NotFound) {
			return nil
		}
		return err
	default:
		return nil
	}
}

// payloadRows fans a top-level array out into one row per element; any
// other tree produces a single row. The isArray flag records the fan-out
// so reassemble restores the original shape without guessing from the
// row count.
func payloadRows(tree any, canonical []byte) ([]json.RawMessage, bool, error) {
	arr, ok := tree.([]any)
	if !ok || len(arr) == 0 {
		// Non-arrays and the empty array store as one whole-tree row;
		// every payload table holds at least one row.
		return []json.RawMessage{json.RawMessage(canonical)}, false, nil
	}

	rows := make([]json.RawMessage, 0, len(arr))
	for _, el := range arr {
		row, err := CanonicalJSON(el)
		if err != nil {
			return nil, false, fault.Wrap(fault.Internal, err, "canonical serialization failed")
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

// reassemble reverses the array fan-out recorded at write time: fanned-out
// rows come back as the original array (a one-element array included),
// a whole-tree row as the bare tree.
func reassemble(rows []json.RawMessage, isArray bool) (any, error) {
	decode := func(raw json.RawMessage) (any, error) {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "corrupt payload row")
		}
		return v, nil
	}

	if !isArray {
		if len(rows) != 1 {
			return nil, fault.Newf(fault.Internal, "whole-tree payload has %d rows", len(rows))
		}
		return decode(rows[0])
	}

	out := make([]any, 0, len(rows))
	for _, raw := range rows {
		v, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// docID derives the document id from the canonical bytes:
// doc_<UTC timestamp>_<first 12 hex of sha256>.
func docID(canonical []byte, now time.Time) string {
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("doc_%s_%s", now.Format("20060102150405"), hex.EncodeToString(sum[:6]))
}
