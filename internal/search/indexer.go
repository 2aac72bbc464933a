package search

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackhaus/mediavault/internal/chunker"
	"github.com/stackhaus/mediavault/internal/embedder"
	"github.com/stackhaus/mediavault/internal/fault"
	"github.com/stackhaus/mediavault/internal/store"
	"github.com/stackhaus/mediavault/pkg/logger"
)

// minPrintableRatio rejects binary content masquerading as text.
const minPrintableRatio = 0.8

// Indexer turns stored text artifacts into embedded chunk batches and
// keeps the trie in step with the chunk catalog.
type Indexer struct {
	root     string
	chunker  *chunker.Chunker
	embedder embedder.Embedder
	chunks   store.ChunkStore
	files    store.FileCatalog
	trie     *Trie
	log      *logger.Logger

	mu       sync.Mutex
	inflight map[string]*reindexFlight
}

type reindexFlight struct {
	done chan struct{}
	err  error
}

// NewIndexer creates an indexer. root is the media root holding canonical
// files.
func NewIndexer(root string, ch *chunker.Chunker, em embedder.Embedder, chunks store.ChunkStore, files store.FileCatalog, trie *Trie, log *logger.Logger) *Indexer {
	if log == nil {
		log = logger.Default()
	}
	return &Indexer{
		root:     root,
		chunker:  ch,
		embedder: em,
		chunks:   chunks,
		files:    files,
		trie:     trie,
		log:      log.WithComponent("indexer"),
		inflight: make(map[string]*reindexFlight),
	}
}

// Reindex chunks, embeds and stores a file's text. Reindexes of the same
// source coalesce: a second caller waits for the one in flight and
// observes its result. Chunking the same bytes twice yields identical
// text and ordinal sequences.
func (ix *Indexer) Reindex(ctx context.Context, tenantID, fileID string) error {
	ix.mu.Lock()
	if f, ok := ix.inflight[fileID]; ok {
		ix.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return fault.FromContext(ctx)
		}
	}
	flight := &reindexFlight{done: make(chan struct{})}
	ix.inflight[fileID] = flight
	ix.mu.Unlock()

	flight.err = ix.reindex(ctx, tenantID, fileID)

	ix.mu.Lock()
	delete(ix.inflight, fileID)
	ix.mu.Unlock()
	close(flight.done)

	return flight.err
}

func (ix *Indexer) reindex(ctx context.Context, tenantID, fileID string) error {
	start := time.Now()

	f, err := ix.files.Get(ctx, tenantID, fileID)
	if err != nil {
		return err
	}
	if !IsTextCategory(f.Category) {
		return fault.Newf(fault.Validation, "category %s is not indexable", f.Category).
			WithHint("only text-bearing artifacts can be indexed")
	}

	data, err := os.ReadFile(filepath.Join(ix.root, f.CanonicalPath))
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to read canonical file")
	}

	text := ExtractText(data, f.Category)
	if printableRatio(text) < minPrintableRatio {
		return fault.Newf(fault.Validation, "file %s does not contain indexable text", fileID)
	}

	pieces := ix.chunker.Chunk(text)

	var records []store.ChunkRecord
	if len(pieces) > 0 {
		texts := make([]string, len(pieces))
		for i, p := range pieces {
			texts[i] = p.Text
		}

		// Embedding failure aborts before any chunk is written: the batch
		// fails atomically.
		vecs, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}

		records = make([]store.ChunkRecord, len(pieces))
		for i, p := range pieces {
			meta, _ := json.Marshal(map[string]any{
				"start":       p.Start,
				"end":         p.End,
				"token_count": p.TokenCount,
				"file_name":   f.OriginalName,
				"category":    f.Category,
			})
			records[i] = store.ChunkRecord{
				ID:           uuid.New().String(),
				SourceFileID: fileID,
				TenantID:     tenantID,
				Ordinal:      p.Ordinal,
				Text:         p.Text,
				Embedding:    vecs[i],
				Meta:         meta,
			}
		}
	}

	if err := ix.chunks.ReplaceForSource(ctx, fileID, tenantID, records); err != nil {
		return err
	}

	// Trie updates apply only after the chunk transaction commits.
	ix.trie.RemoveSource(fileID)
	for _, rec := range records {
		ix.trie.IndexText(fileID, tenantID, rec.Text)
	}

	if err := ix.files.MarkIndexed(ctx, fileID, true); err != nil {
		ix.log.Warn("failed to flip indexed flag", "file_id", fileID, "error", err)
	}

	ix.log.Info("file indexed",
		"tenant_id", tenantID,
		"file_id", fileID,
		"chunks", len(records),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Unindex removes a deleted file's chunks and trie postings.
func (ix *Indexer) Unindex(ctx context.Context, fileID string) error {
	if err := ix.chunks.DeleteBySource(ctx, fileID); err != nil {
		return err
	}
	ix.trie.RemoveSource(fileID)
	return nil
}

// RebuildTrie reconstructs the prefix index from the chunk catalog. Run at
// startup; the trie is a cache, never a source of truth.
func (ix *Indexer) RebuildTrie(ctx context.Context) error {
	rows, err := ix.chunks.Texts(ctx)
	if err != nil {
		return fmt.Errorf("trie rebuild failed: %w", err)
	}
	for _, row := range rows {
		ix.trie.IndexText(row.SourceFileID, row.TenantID, row.Text)
	}
	ix.log.Info("trie rebuilt", "chunks", len(rows), "tokens", ix.trie.TokenCount())
	return nil
}
