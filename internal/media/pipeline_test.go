package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stackhaus/mediavault/internal/classifier"
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

func (m *memTenantStore) Create(ctx context.Context, t store.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = &t
	return nil
}

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

// memFileCatalog implements store.FileCatalog, charging usage on commit
// like the real catalog transaction does.
type memFileCatalog struct {
	mu      sync.Mutex
	tenants *memTenantStore
	files   map[string]*store.CatalogFile
	commits int
}

func newMemFileCatalog(tenants *memTenantStore) *memFileCatalog {
	return &memFileCatalog{tenants: tenants, files: make(map[string]*store.CatalogFile)}
}

func (c *memFileCatalog) Commit(ctx context.Context, f *store.CatalogFile) error {
	if err := c.tenants.AddUsage(ctx, f.TenantID, f.SizeBytes); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[f.ID] = f
	c.commits++
	return nil
}

func (c *memFileCatalog) Get(ctx context.Context, tenantID, id string) (*store.CatalogFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok || f.TenantID != tenantID {
		return nil, fault.New(fault.NotFound, "file not found")
	}
	return f, nil
}

func (c *memFileCatalog) List(ctx context.Context, tenantID, category string, limit int) ([]store.CatalogFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.CatalogFile
	for _, f := range c.files {
		if f.TenantID == tenantID && (category == "" || f.Category == category) {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (c *memFileCatalog) Delete(ctx context.Context, tenantID, id string) (*store.CatalogFile, error) {
	c.mu.Lock()
	f, ok := c.files[id]
	if !ok || f.TenantID != tenantID {
		c.mu.Unlock()
		return nil, fault.New(fault.NotFound, "file not found")
	}
	delete(c.files, id)
	c.mu.Unlock()
	return f, c.tenants.AddUsage(ctx, tenantID, -f.SizeBytes)
}

func (c *memFileCatalog) MarkIndexed(ctx context.Context, id string, indexed bool) error { return nil }
func (c *memFileCatalog) MarkOrphaned(ctx context.Context, id string) error              { return nil }
func (c *memFileCatalog) ListPaths(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make(map[string]string)
	for id, f := range c.files {
		paths[id] = f.CanonicalPath
	}
	return paths, nil
}

func newTestPipeline(t *testing.T, tenants *memTenantStore) (*Pipeline, *memFileCatalog, string) {
	t.Helper()

	root := t.TempDir()
	tax, err := classifier.Default()
	if err != nil {
		t.Fatalf("taxonomy load failed: %v", err)
	}
	files := newMemFileCatalog(tenants)
	guard := tenant.NewGuard(tenants)

	p, err := NewPipeline(Config{Root: root}, tax, files, guard, nil)
	if err != nil {
		t.Fatalf("pipeline init failed: %v", err)
	}
	return p, files, root
}

// pngBytes renders a small image, optionally with transparent pixels.
func pngBytes(t *testing.T, transparent bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			a := uint8(255)
			if transparent && x < 8 {
				a = 0
			}
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 5), B: 100, A: a})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestIngestMedia_PhotoWithDerivatives(t *testing.T) {
	tenants := newMemTenantStore(store.Tenant{ID: "acme", QuotaBytes: 1 << 20, Active: true})
	p, files, root := newTestPipeline(t, tenants)

	data := pngBytes(t, false)
	f, err := p.IngestMedia(context.Background(), "acme", bytes.NewReader(data), "photo.JPG", "image/jpeg", "")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if f.Category != "photos" {
		t.Errorf("expected category photos, got %s", f.Category)
	}
	if !strings.HasPrefix(f.CanonicalPath, "photos/") {
		t.Errorf("canonical path %q not under photos/", f.CanonicalPath)
	}
	if int64(len(data)) != f.SizeBytes {
		t.Errorf("size mismatch: %d vs %d", len(data), f.SizeBytes)
	}

	// Bytes are on disk at the canonical path and match the original.
	onDisk, err := os.ReadFile(filepath.Join(root, f.CanonicalPath))
	if err != nil {
		t.Fatalf("canonical file missing: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Error("stored bytes differ from the upload")
	}

	// All three derivatives exist; opaque source re-encodes to JPEG.
	if len(f.Thumbs) != 3 {
		t.Fatalf("expected 3 thumbs, got %d", len(f.Thumbs))
	}
	for _, th := range f.Thumbs {
		if th.Format != "jpg" {
			t.Errorf("expected jpg derivative, got %s", th.Format)
		}
		if _, err := os.Stat(filepath.Join(root, th.Path)); err != nil {
			t.Errorf("thumb %s missing: %v", th.Path, err)
		}
		if th.Width > 600 || th.Height > 600 {
			t.Errorf("thumb %s exceeds its box: %dx%d", th.Size, th.Width, th.Height)
		}
	}

	if files.commits != 1 {
		t.Errorf("expected 1 catalog commit, got %d", files.commits)
	}

	// Staging left nothing behind.
	entries, _ := os.ReadDir(filepath.Join(root, StagingDir, "acme"))
	if len(entries) != 0 {
		t.Errorf("staging not cleaned: %d entries", len(entries))
	}
}

func TestIngestMedia_TransparentUsesPNG(t *testing.T) {
	tenants := newMemTenantStore(store.Tenant{ID: "acme", QuotaBytes: 1 << 20, Active: true})
	p, _, _ := newTestPipeline(t, tenants)

	f, err := p.IngestMedia(context.Background(), "acme", bytes.NewReader(pngBytes(t, true)), "logo.png", "image/png", "")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if len(f.Thumbs) != 3 {
		t.Fatalf("expected 3 thumbs, got %d", len(f.Thumbs))
	}
	for _, th := range f.Thumbs {
		if th.Format != "png" {
			t.Errorf("transparent source must produce png derivatives, got %s", th.Format)
		}
	}
}

func TestIngestMedia_QuotaAbortsMidStream(t *testing.T) {
	tenants := newMemTenantStore(store.Tenant{ID: "t1", QuotaBytes: 100, UsageBytes: 60, Active: true})
	p, files, root := newTestPipeline(t, tenants)

	// 50 bytes into 40 remaining.
	_, err := p.IngestMedia(context.Background(), "t1", bytes.NewReader(make([]byte, 50)), "blob.bin", "", "")
	if !fault.Is(err, fault.QuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}

	// Nothing committed, usage unchanged, staging cleaned.
	if files.commits != 0 {
		t.Errorf("expected no commits, got %d", files.commits)
	}
	tn, _ := tenants.Get(context.Background(), "t1")
	if tn.UsageBytes != 60 {
		t.Errorf("usage changed to %d", tn.UsageBytes)
	}
	entries, _ := os.ReadDir(filepath.Join(root, StagingDir, "t1"))
	if len(entries) != 0 {
		t.Errorf("staging not cleaned: %d entries", len(entries))
	}
}

func TestIngestMedia_EmptyFile(t *testing.T) {
	tenants := newMemTenantStore(store.Tenant{ID: "t1", QuotaBytes: 100, Active: true})
	p, _, _ := newTestPipeline(t, tenants)

	f, err := p.IngestMedia(context.Background(), "t1", bytes.NewReader(nil), "empty.png", "image/png", "")
	if err != nil {
		t.Fatalf("empty ingest must succeed, got %v", err)
	}
	if f.Category != "photos" {
		t.Errorf("expected category from extension, got %s", f.Category)
	}
	if f.SizeBytes != 0 {
		t.Errorf("expected zero size, got %d", f.SizeBytes)
	}
	if len(f.Thumbs) != 0 {
		t.Errorf("empty file must produce no derivatives, got %d", len(f.Thumbs))
	}
}

func TestIngestMedia_UndecodableImageDegrades(t *testing.T) {
	tenants := newMemTenantStore(store.Tenant{ID: "t1", QuotaBytes: 1 << 20, Active: true})
	p, _, _ := newTestPipeline(t, tenants)

	// Claims to be a photo, is not an image. Ingest still succeeds,
	// derivative work degrades to a warning.
	f, err := p.IngestMedia(context.Background(), "t1", strings.NewReader("definitely not a jpeg"), "fake.jpg", "image/jpeg", "")
	if err != nil {
		t.Fatalf("ingest must not fail on derivative errors: %v", err)
	}
	if len(f.Thumbs) != 0 {
		t.Errorf("expected no thumbs for undecodable image, got %d", len(f.Thumbs))
	}
}

func TestIngestMedia_Validation(t *testing.T) {
	tenants := newMemTenantStore(store.Tenant{ID: "t1", QuotaBytes: 100, Active: true})
	p, _, _ := newTestPipeline(t, tenants)

	if _, err := p.IngestMedia(context.Background(), "t1", nil, "a.txt", "", ""); !fault.Is(err, fault.Validation) {
		t.Errorf("expected Validation for nil stream, got %v", err)
	}
	if _, err := p.IngestMedia(context.Background(), "t1", strings.NewReader("x"), "", "", ""); !fault.Is(err, fault.Validation) {
		t.Errorf("expected Validation for empty name, got %v", err)
	}
}

func TestIngestMedia_UnknownTenant(t *testing.T) {
	p, _, _ := newTestPipeline(t, newMemTenantStore())

	_, err := p.IngestMedia(context.Background(), "ghost", strings.NewReader("x"), "a.txt", "", "")
	if !fault.Is(err, fault.Unauthorized) {
		t.Errorf("expected Unauthorized, got %v", err)
	}
}

func TestDelete_RemovesEverything(t *testing.T) {
	tenants := newMemTenantStore(store.Tenant{ID: "t1", QuotaBytes: 1 << 20, Active: true})
	p, _, root := newTestPipeline(t, tenants)
	ctx := context.Background()

	f, err := p.IngestMedia(ctx, "t1", bytes.NewReader(pngBytes(t, false)), "pic.png", "image/png", "")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if _, err := p.Delete(ctx, "t1", f.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, f.CanonicalPath)); !os.IsNotExist(err) {
		t.Error("canonical file still present after delete")
	}
	for _, th := range f.Thumbs {
		if _, err := os.Stat(filepath.Join(root, th.Path)); !os.IsNotExist(err) {
			t.Errorf("thumb %s still present after delete", th.Path)
		}
	}

	tn, _ := tenants.Get(ctx, "t1")
	if tn.UsageBytes != 0 {
		t.Errorf("usage not refunded: %d", tn.UsageBytes)
	}

	// Idempotence: deleting again reports not-found, never crashes.
	if _, err := p.Delete(ctx, "t1", f.ID); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected NotFound on double delete, got %v", err)
	}
}

func TestIngestMedia_CancelledContext(t *testing.T) {
	tenants := newMemTenantStore(store.Tenant{ID: "t1", QuotaBytes: 1 << 20, Active: true})
	p, files, _ := newTestPipeline(t, tenants)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.IngestMedia(ctx, "t1", bytes.NewReader(make([]byte, 1024)), "a.bin", "", "")
	if !fault.Is(err, fault.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if files.commits != 0 {
		t.Errorf("cancelled ingest must not commit")
	}
}
