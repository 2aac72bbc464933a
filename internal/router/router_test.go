package router

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/stackhaus/mediavault/internal/analyzer"
	"github.com/stackhaus/mediavault/internal/fault"
	"github.com/stackhaus/mediavault/internal/store"
	"github.com/stackhaus/mediavault/internal/tenant"
)

// memTenantStore implements store.TenantStore in memory.
type memTenantStore struct {
	mu      sync.Mutex
	tenants map[string]*store.Tenant
}

func newMemTenantStore(tenants ...store.Tenant) *memTenantStore {
	m := &memTenantStore{tenants: make(map[string]*store.Tenant)}
	for i := range tenants {
		t := tenants[i]
		m.tenants[t.ID] = &t
	}
	return m
}

func (m *memTenantStore) Get(ctx context.Context, id string) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, fault.Newf(fault.Unauthorized, "unknown tenant %q", id)
	}
	cp := *t
	return &cp, nil
}

func (m *memTenantStore) Create(ctx context.Context, t store.Tenant) error { return nil }

func (m *memTenantStore) AddUsage(ctx context.Context, id string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return fault.Newf(fault.Unauthorized, "unknown tenant %q", id)
	}
	if delta >= 0 && t.UsageBytes+delta > t.QuotaBytes {
		return fault.Newf(fault.QuotaExceeded, "tenant %s over quota", id)
	}
	t.UsageBytes += delta
	if t.UsageBytes < 0 {
		t.UsageBytes = 0
	}
	return nil
}

// memPayloadStore implements store.PayloadStore in memory.
type memPayloadStore struct {
	mu      sync.Mutex
	tables  map[string][]json.RawMessage
	owners  map[string]string
	fanouts map[string]bool
}

func newMemPayloadStore() *memPayloadStore {
	return &memPayloadStore{
		tables:  make(map[string][]json.RawMessage),
		owners:  make(map[string]string),
		fanouts: make(map[string]bool),
	}
}

func (m *memPayloadStore) CreateAndFill(ctx context.Context, docID, tenantID string, rows []json.RawMessage, isArray bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[docID] = rows
	m.owners[docID] = tenantID
	m.fanouts[docID] = isArray
	return nil
}

func (m *memPayloadStore) Fetch(ctx context.Context, docID, tenantID string) ([]json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[docID]
	if !ok || m.owners[docID] != tenantID {
		return nil, false, fault.New(fault.NotFound, "payload table missing")
	}
	return rows, m.fanouts[docID], nil
}

func (m *memPayloadStore) Drop(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, docID)
	delete(m.owners, docID)
	delete(m.fanouts, docID)
	return nil
}

func (m *memPayloadStore) TableDocIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.tables {
		ids = append(ids, id)
	}
	return ids, nil
}

// memDocCollection implements store.DocumentCollection in memory.
type memDocCollection struct {
	mu   sync.Mutex
	docs map[string]store.Document
}

func newMemDocCollection() *memDocCollection {
	return &memDocCollection{docs: make(map[string]store.Document)}
}

func (m *memDocCollection) Put(ctx context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *memDocCollection) Get(ctx context.Context, tenantID, id string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok || doc.TenantID != tenantID {
		return nil, fault.New(fault.NotFound, "document not found")
	}
	return &doc, nil
}

func (m *memDocCollection) Delete(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok || doc.TenantID != tenantID {
		return fault.New(fault.NotFound, "document not found")
	}
	delete(m.docs, id)
	return nil
}

func (m *memDocCollection) ListByTenant(ctx context.Context, tenantID string, limit int) ([]store.Document, error) {
	return nil, nil
}

func (m *memDocCollection) IDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memDocCollection) Health(ctx context.Context) error { return nil }

// memJSONCatalog implements store.JSONCatalog, charging usage on commit.
type memJSONCatalog struct {
	mu        sync.Mutex
	tenants   *memTenantStore
	records   map[string]*store.CatalogJSON
	commitErr error
}

func newMemJSONCatalog(tenants *memTenantStore) *memJSONCatalog {
	return &memJSONCatalog{tenants: tenants, records: make(map[string]*store.CatalogJSON)}
}

func (m *memJSONCatalog) Commit(ctx context.Context, j *store.CatalogJSON) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	if err := m.tenants.AddUsage(ctx, j.TenantID, j.SizeBytes); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[j.ID] = j
	return nil
}

func (m *memJSONCatalog) Get(ctx context.Context, tenantID, id string) (*store.CatalogJSON, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.TenantID != tenantID {
		return nil, fault.New(fault.NotFound, "json document not found")
	}
	return rec, nil
}

func (m *memJSONCatalog) List(ctx context.Context, tenantID, backing string, limit int) ([]store.CatalogJSON, error) {
	return nil, nil
}

func (m *memJSONCatalog) Delete(ctx context.Context, tenantID, id string) (*store.CatalogJSON, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.TenantID != tenantID {
		m.mu.Unlock()
		return nil, fault.New(fault.NotFound, "json document not found")
	}
	delete(m.records, id)
	m.mu.Unlock()
	return rec, m.tenants.AddUsage(ctx, tenantID, -rec.SizeBytes)
}

func (m *memJSONCatalog) MarkOrphaned(ctx context.Context, id string) error { return nil }

func (m *memJSONCatalog) IDs(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{})
	for id := range m.records {
		ids[id] = struct{}{}
	}
	return ids, nil
}

type routerFixture struct {
	router   *Router
	payloads *memPayloadStore
	docs     *memDocCollection
	catalog  *memJSONCatalog
	tenants  *memTenantStore
}

func newFixture(t *testing.T, quota int64) *routerFixture {
	t.Helper()
	tenants := newMemTenantStore(store.Tenant{ID: "t1", QuotaBytes: quota, Active: true})
	payloads := newMemPayloadStore()
	docs := newMemDocCollection()
	catalog := newMemJSONCatalog(tenants)
	return &routerFixture{
		router:   New(payloads, docs, catalog, tenant.NewGuard(tenants), nil),
		payloads: payloads,
		docs:     docs,
		catalog:  catalog,
		tenants:  tenants,
	}
}

func TestIngestJSON_RelationalFanOut(t *testing.T) {
	fx := newFixture(t, 1<<20)
	ctx := context.Background()

	raw := []byte(`[{"id":1,"name":"A","price":9.99},{"id":2,"name":"B","price":19.99},{"id":3,"name":"C","price":29.99}]`)
	v, err := fx.router.IngestJSON(ctx, "t1", raw, nil)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if v.Backing != analyzer.BackingRelational {
		t.Fatalf("expected relational, got %s", v.Backing)
	}
	if !strings.HasPrefix(v.Record.ID, "doc_") {
		t.Errorf("unexpected doc id %q", v.Record.ID)
	}
	if v.Record.Confidence < 0.99 {
		t.Errorf("expected confidence ~1.0, got %f", v.Record.Confidence)
	}

	// Array input fanned out one row per element.
	rows, isArray, err := fx.payloads.Fetch(ctx, v.Record.ID, "t1")
	if err != nil {
		t.Fatalf("payload fetch failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected 3 payload rows, got %d", len(rows))
	}
	if !isArray {
		t.Error("fan-out flag not recorded")
	}
}

func TestIngestJSON_DocumentBacking(t *testing.T) {
	fx := newFixture(t, 1<<20)
	ctx := context.Background()

	raw := []byte(`{"u":{"p":{"c":[{"t":"e","v":"x"},{"t":"p","v":"y"}],"pref":{"n":{"e":true,"s":false}}}}}`)
	v, err := fx.router.IngestJSON(ctx, "t1", raw, []string{"profiles"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if v.Backing != analyzer.BackingDocument {
		t.Fatalf("expected document, got %s", v.Backing)
	}
	if v.Record.Confidence <= 0.7 {
		t.Errorf("expected confidence > 0.7, got %f", v.Record.Confidence)
	}
	if len(v.Reasons) == 0 {
		t.Error("expected reasons")
	}

	doc, err := fx.docs.Get(ctx, "t1", v.Record.ID)
	if err != nil {
		t.Fatalf("document fetch failed: %v", err)
	}
	if doc.Tags[0] != "profiles" {
		t.Errorf("tags not stored: %v", doc.Tags)
	}
}

func TestIngestJSON_RoundTrip(t *testing.T) {
	fx := newFixture(t, 1<<20)
	ctx := context.Background()

	for _, raw := range []string{
		`[{"id":1,"a":"x"},{"id":2,"a":"y"}]`,
		`[{"id":1,"a":"x"}]`,
		`{"deep":{"nest":{"more":{"even":{"leaf":[1,2,3]}}}}}`,
		`{"single":"object"}`,
	} {
		v, err := fx.router.IngestJSON(ctx, "t1", []byte(raw), nil)
		if err != nil {
			t.Fatalf("ingest %q failed: %v", raw, err)
		}

		got, _, err := fx.router.Fetch(ctx, "t1", v.Record.ID)
		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}

		var want any
		json.Unmarshal([]byte(raw), &want)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip mismatch for %q:\ngot  %#v\nwant %#v", raw, got, want)
		}
	}
}

func TestIngestJSON_MalformedInput(t *testing.T) {
	fx := newFixture(t, 1<<20)

	_, err := fx.router.IngestJSON(context.Background(), "t1", []byte(`{"broken":`), nil)
	if !fault.Is(err, fault.Validation) {
		t.Fatalf("expected Validation, got %v", err)
	}
	_, err = fx.router.IngestJSON(context.Background(), "t1", nil, nil)
	if !fault.Is(err, fault.Validation) {
		t.Fatalf("expected Validation for empty body, got %v", err)
	}
}

func TestIngestJSON_QuotaEnforced(t *testing.T) {
	fx := newFixture(t, 10)

	_, err := fx.router.IngestJSON(context.Background(), "t1", []byte(`{"way":"too big for ten bytes"}`), nil)
	if !fault.Is(err, fault.QuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
	if ids, _ := fx.payloads.TableDocIDs(context.Background()); len(ids) != 0 {
		t.Error("payload written despite quota rejection")
	}
}

func TestIngestJSON_CatalogFailureReversesPayload(t *testing.T) {
	fx := newFixture(t, 1<<20)
	fx.catalog.commitErr = fault.New(fault.StoreUnavailable, "catalog down")

	_, err := fx.router.IngestJSON(context.Background(), "t1", []byte(`{"a":1}`), nil)
	if !fault.Is(err, fault.StoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}

	// The orphan payload was reversed (best effort succeeded here). A flat
	// object routes relational, so its payload table must be gone.
	if ids, _ := fx.payloads.TableDocIDs(context.Background()); len(ids) != 0 {
		t.Errorf("payload table not reversed: %v", ids)
	}
	if ids, _ := fx.docs.IDs(context.Background()); len(ids) != 0 {
		t.Errorf("document payload not reversed: %v", ids)
	}
	tn, _ := fx.tenants.Get(context.Background(), "t1")
	if tn.UsageBytes != 0 {
		t.Errorf("usage charged despite failed commit: %d", tn.UsageBytes)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	fx := newFixture(t, 1<<20)
	ctx := context.Background()

	v, err := fx.router.IngestJSON(ctx, "t1", []byte(`{"a":{"b":{"c":{"d":{"e":1}}}}}`), nil)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if err := fx.router.Delete(ctx, "t1", v.Record.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := fx.router.Delete(ctx, "t1", v.Record.ID); !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected NotFound on double delete, got %v", err)
	}

	tn, _ := fx.tenants.Get(ctx, "t1")
	if tn.UsageBytes != 0 {
		t.Errorf("usage not refunded: %d", tn.UsageBytes)
	}
}

func TestDelete_TenantScoped(t *testing.T) {
	fx := newFixture(t, 1<<20)
	fx.tenants.tenants["t2"] = &store.Tenant{ID: "t2", QuotaBytes: 1 << 20, Active: true}
	ctx := context.Background()

	v, err := fx.router.IngestJSON(ctx, "t1", []byte(`{"a":1}`), nil)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if err := fx.router.Delete(ctx, "t2", v.Record.ID); !fault.Is(err, fault.NotFound) {
		t.Fatalf("cross-tenant delete must be NotFound, got %v", err)
	}
	if _, _, err := fx.router.Fetch(ctx, "t1", v.Record.ID); err != nil {
		t.Errorf("document vanished after cross-tenant delete attempt: %v", err)
	}
}

func TestCanonicalJSON_StableKeyOrder(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1.0, "a": []any{map[string]any{"z": true, "y": nil}}})
	if err != nil {
		t.Fatalf("canonical failed: %v", err)
	}
	want := `{"a":[{"y":null,"z":true}],"b":1}`
	if string(a) != want {
		t.Errorf("got %s, want %s", a, want)
	}
}

func TestDocID_DerivedFromContent(t *testing.T) {
	fx := newFixture(t, 1<<20)
	ctx := context.Background()

	// Same content twice: ids share the content hash suffix.
	v1, err := fx.router.IngestJSON(ctx, "t1", []byte(`{"same":1}`), nil)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	v2, err := fx.router.IngestJSON(ctx, "t1", []byte(`{"same":1}`), nil)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}

	suffix := func(id string) string { return id[strings.LastIndex(id, "_")+1:] }
	if suffix(v1.Record.ID) != suffix(v2.Record.ID) {
		t.Errorf("content hash suffixes differ: %s vs %s", v1.Record.ID, v2.Record.ID)
	}
}
