// Package store provides the authoritative catalog (PostgreSQL with
// pgvector), the per-document relational payload tables, the Redis-backed
// document collection, and the optional object-store mirror.
package store

import (
	"encoding/json"
	"time"
)

// Tenant owns artifacts and carries a byte quota. usage <= quota holds at
// every successful write commit.
type Tenant struct {
	ID         string    `json:"id" db:"id"`
	QuotaBytes int64     `json:"quota_bytes" db:"quota_bytes"`
	UsageBytes int64     `json:"usage_bytes" db:"usage_bytes"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Thumb describes one generated derivative of a stored image.
type Thumb struct {
	Size   string `json:"size"` // small, medium, large
	Path   string `json:"path"` // relative to the media root
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"` // jpg or png
}

// CatalogFile is the authoritative record of a stored binary artifact.
type CatalogFile struct {
	ID            string          `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant"`
	OriginalName  string          `json:"original_name" db:"original_name"`
	Category      string          `json:"category" db:"category"`
	MIMEType      string          `json:"mime_type" db:"mime"`
	SizeBytes     int64           `json:"size_bytes" db:"size"`
	SHA256        string          `json:"sha256" db:"sha256"`
	CanonicalPath string          `json:"canonical_path" db:"path"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	Indexed       bool            `json:"indexed" db:"indexed"`
	Orphaned      bool            `json:"orphaned" db:"orphaned"`
	Thumbs        []Thumb         `json:"thumbs,omitempty"`
	Meta          json.RawMessage `json:"meta,omitempty"`
}

// CatalogJSON is the authoritative record of a routed JSON document.
type CatalogJSON struct {
	ID          string          `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant"`
	Backing     string          `json:"backing" db:"backing"` // relational or document
	Confidence  float64         `json:"confidence" db:"confidence"`
	MetricsJSON json.RawMessage `json:"metrics,omitempty" db:"metrics_json"`
	Tags        []string        `json:"tags,omitempty"`
	SizeBytes   int64           `json:"size_bytes" db:"size"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	Orphaned    bool            `json:"orphaned" db:"orphaned"`
}

// ChunkRecord is one embedded window of an indexed artifact's text. For a
// given source, ordinals form a contiguous prefix starting at 0.
type ChunkRecord struct {
	ID           string          `json:"id" db:"id"`
	SourceFileID string          `json:"source_file_id" db:"source_file_id"`
	TenantID     string          `json:"tenant_id" db:"tenant"`
	Ordinal      int             `json:"ordinal" db:"ordinal"`
	Text         string          `json:"text" db:"text"`
	Embedding    []float32       `json:"embedding,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty" db:"meta_json"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// ChunkHit is a kNN result: a chunk plus its distance to the query vector.
type ChunkHit struct {
	ChunkID      string  `json:"chunk_id"`
	SourceFileID string  `json:"source_file_id"`
	Ordinal      int     `json:"ordinal"`
	Text         string  `json:"text"`
	Category     string  `json:"category"`
	Distance     float64 `json:"distance"`
}

// ChunkFilter restricts a kNN query to categories or specific sources.
type ChunkFilter struct {
	Categories    []string
	SourceFileIDs []string
}

// QueryLogEntry records one retrieval request for analytics. Append-only.
type QueryLogEntry struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant"`
	QueryText   string    `json:"query_text" db:"text"`
	Embedding   []float32 `json:"-"`
	ResultCount int       `json:"result_count" db:"result_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Document is the document-store payload: the original tree verbatim plus
// its owning tenant.
type Document struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Data      any       `json:"data"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
