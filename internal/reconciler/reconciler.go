// Package reconciler sweeps the gaps left by the uncoordinated stores:
// payloads without catalog rows are dropped, catalog rows without payloads
// or bytes are flagged.
package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/stackhaus/mediavault/internal/store"
	"github.com/stackhaus/mediavault/pkg/logger"
)

// Reconciler periodically reconciles the catalog against the payload
// stores and the filesystem.
type Reconciler struct {
	mediaRoot string
	files     store.FileCatalog
	jsons     store.JSONCatalog
	payloads  store.PayloadStore
	docs      store.DocumentCollection
	log       *logger.Logger
}

// Report summarizes one reconciliation pass.
type Report struct {
	OrphanPayloadsDropped  int
	OrphanDocumentsDropped int
	FilesMarkedOrphaned    int
}

// New creates a reconciler.
func New(mediaRoot string, files store.FileCatalog, jsons store.JSONCatalog, payloads store.PayloadStore, docs store.DocumentCollection, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{
		mediaRoot: mediaRoot,
		files:     files,
		jsons:     jsons,
		payloads:  payloads,
		docs:      docs,
		log:       log.WithComponent("reconciler"),
	}
}

// Run performs reconciliation on the given interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("reconciliation pass failed", "error", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	catalogIDs, err := r.jsons.IDs(ctx)
	if err != nil {
		return nil, err
	}

	// Payload tables whose catalog row never landed: partial commits from
	// the router. Reverse-drop them.
	tableIDs, err := r.payloads.TableDocIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range tableIDs {
		if _, ok := catalogIDs[id]; ok {
			continue
		}
		if err := r.payloads.Drop(ctx, id); err != nil {
			r.log.Warn("failed to drop orphan payload table", "doc_id", id, "error", err)
			continue
		}
		report.OrphanPayloadsDropped++
		r.log.Info("dropped orphan payload table", "doc_id", id)
	}

	// Same sweep over the document collection.
	docIDs, err := r.docs.IDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range docIDs {
		if _, ok := catalogIDs[id]; ok {
			continue
		}
		if err := r.docs.Delete(ctx, "", id); err != nil {
			r.log.Warn("failed to drop orphan document", "doc_id", id, "error", err)
			continue
		}
		report.OrphanDocumentsDropped++
		r.log.Info("dropped orphan document", "doc_id", id)
	}

	// Catalog JSON rows whose payload is in neither store are flagged.
	present := make(map[string]struct{}, len(tableIDs)+len(docIDs))
	for _, id := range append(tableIDs, docIDs...) {
		present[id] = struct{}{}
	}
	for id := range catalogIDs {
		if _, ok := present[id]; ok {
			continue
		}
		if err := r.jsons.MarkOrphaned(ctx, id); err != nil {
			r.log.Warn("failed to mark json orphaned", "doc_id", id, "error", err)
			continue
		}
		r.log.Warn("json payload missing, row marked orphaned", "doc_id", id)
	}

	// Catalog rows whose canonical file vanished are flagged, not deleted:
	// the row is the forensic trace.
	paths, err := r.files.ListPaths(ctx)
	if err != nil {
		return nil, err
	}
	for id, relPath := range paths {
		if _, err := os.Stat(filepath.Join(r.mediaRoot, relPath)); os.IsNotExist(err) {
			if err := r.files.MarkOrphaned(ctx, id); err != nil {
				r.log.Warn("failed to mark file orphaned", "file_id", id, "error", err)
				continue
			}
			report.FilesMarkedOrphaned++
			r.log.Warn("canonical file missing, row marked orphaned", "file_id", id, "path", relPath)
		}
	}

	r.log.Info("reconciliation pass complete",
		"orphan_payloads", report.OrphanPayloadsDropped,
		"orphan_documents", report.OrphanDocumentsDropped,
		"orphaned_files", report.FilesMarkedOrphaned,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}
