// Package service composes the ingestion, routing and retrieval engines
// behind the operations the transport layer calls.
package service

import (
	"context"
	"io"

	"github.com/stackhaus/mediavault/internal/media"
	"github.com/stackhaus/mediavault/internal/router"
	"github.com/stackhaus/mediavault/internal/search"
	"github.com/stackhaus/mediavault/internal/store"
	"github.com/stackhaus/mediavault/internal/tenant"
	"github.com/stackhaus/mediavault/pkg/logger"
)

// Service is the application facade: ingest, retrieve, search, delete.
type Service struct {
	media    *media.Pipeline
	router   *router.Router
	composer *search.Composer
	indexer  *search.Indexer
	guard    *tenant.Guard
	queries  store.QueryLog
	log      *logger.Logger
}

// New wires the facade.
func New(mp *media.Pipeline, rt *router.Router, cp *search.Composer, ix *search.Indexer, guard *tenant.Guard, queries store.QueryLog, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		media:    mp,
		router:   rt,
		composer: cp,
		indexer:  ix,
		guard:    guard,
		queries:  queries,
		log:      log.WithComponent("service"),
	}
}

// IngestMedia stores a binary artifact.
func (s *Service) IngestMedia(ctx context.Context, tenantID string, r io.Reader, name, mime, comment string) (*store.CatalogFile, error) {
	return s.media.IngestMedia(ctx, tenantID, r, name, mime, comment)
}

// OpenMedia returns the catalog record and a reader over the stored bytes.
func (s *Service) OpenMedia(ctx context.Context, tenantID, fileID string) (*store.CatalogFile, io.ReadCloser, error) {
	return s.media.Open(ctx, tenantID, fileID)
}

// IngestJSON routes and stores a JSON document.
func (s *Service) IngestJSON(ctx context.Context, tenantID string, raw []byte, tags []string) (*router.Verdict, error) {
	return s.router.IngestJSON(ctx, tenantID, raw, tags)
}

// FetchJSON returns a stored document's tree and catalog record.
func (s *Service) FetchJSON(ctx context.Context, tenantID, id string) (any, *store.CatalogJSON, error) {
	return s.router.Fetch(ctx, tenantID, id)
}

// Search runs a retrieval query.
func (s *Service) Search(ctx context.Context, tenantID, query string, opts search.Options) (*search.Response, error) {
	return s.composer.Search(ctx, tenantID, query, opts)
}

// Reindex (re)builds a file's chunk set and embeddings.
func (s *Service) Reindex(ctx context.Context, tenantID, fileID string) error {
	return s.indexer.Reindex(ctx, tenantID, fileID)
}

// DeleteMedia removes a file, its derivatives, its chunks and its trie
// postings, and refunds tenant usage.
func (s *Service) DeleteMedia(ctx context.Context, tenantID, fileID string) error {
	if _, err := s.media.Delete(ctx, tenantID, fileID); err != nil {
		return err
	}
	if err := s.indexer.Unindex(ctx, fileID); err != nil {
		s.log.Warn("failed to unindex deleted file", "file_id", fileID, "error", err)
	}
	return nil
}

// DeleteJSON removes a JSON document and its payload.
func (s *Service) DeleteJSON(ctx context.Context, tenantID, id string) error {
	return s.router.Delete(ctx, tenantID, id)
}

// RecentQueries returns a tenant's latest logged searches, embeddings
// included, for analytics.
func (s *Service) RecentQueries(ctx context.Context, tenantID string, limit int) ([]store.QueryLogEntry, error) {
	return s.queries.Recent(ctx, tenantID, limit)
}

// Usage reports a tenant's quota position.
func (s *Service) Usage(ctx context.Context, tenantID string) (used, quota int64, err error) {
	return s.guard.Usage(ctx, tenantID)
}
