package search

import (
	"context"
	"strings"
	"time"

	"github.com/stackhaus/mediavault/internal/embedder"
	"github.com/stackhaus/mediavault/internal/fault"
	"github.com/stackhaus/mediavault/internal/store"
	"github.com/stackhaus/mediavault/pkg/logger"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModePrefix   Mode = "prefix"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// minSemanticQueryLen is the query length below which semantic search
// falls back to the prefix index.
const minSemanticQueryLen = 3

// Options tune a search call.
type Options struct {
	Mode       Mode
	TopK       int
	Categories []string
}

// Hit is one search result: either a token hit from the prefix index or a
// chunk hit from the vector index.
type Hit struct {
	Kind string `json:"kind"` // token or chunk

	// Token hits
	Token         string   `json:"token,omitempty"`
	SourceFileIDs []string `json:"source_file_ids,omitempty"`
	Frequency     int      `json:"frequency,omitempty"`

	// Chunk hits
	ChunkID      string  `json:"chunk_id,omitempty"`
	SourceFileID string  `json:"source_file_id,omitempty"`
	Ordinal      int     `json:"ordinal,omitempty"`
	Text         string  `json:"text,omitempty"`
	Category     string  `json:"category,omitempty"`
	Distance     float64 `json:"distance,omitempty"`
}

// Response is an ordered result list for one query.
type Response struct {
	Query string `json:"query"`
	Mode  Mode   `json:"mode"`
	Hits  []Hit  `json:"hits"`
}

// Composer routes queries through the embedding gateway and vector index
// (semantic), the trie (prefix), or both (hybrid).
type Composer struct {
	trie     *Trie
	embedder embedder.Embedder
	chunks   store.ChunkStore
	queries  store.QueryLog
	topK     int
	log      *logger.Logger
}

// NewComposer creates a retrieval composer.
func NewComposer(trie *Trie, em embedder.Embedder, chunks store.ChunkStore, queries store.QueryLog, defaultTopK int, log *logger.Logger) *Composer {
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	if log == nil {
		log = logger.Default()
	}
	return &Composer{
		trie:     trie,
		embedder: em,
		chunks:   chunks,
		queries:  queries,
		topK:     defaultTopK,
		log:      log.WithComponent("composer"),
	}
}

// Search executes a query in the tenant's scope. Every call logs a query
// row asynchronously; a logging failure never fails the query.
func (c *Composer) Search(ctx context.Context, tenantID, query string, opts Options) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fault.New(fault.Validation, "empty query")
	}
	if opts.TopK <= 0 {
		opts.TopK = c.topK
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeSemantic
	}
	// Short queries carry no semantic signal; route them to the prefix
	// index regardless of the requested mode.
	if len(query) < minSemanticQueryLen {
		mode = ModePrefix
	}

	start := time.Now()

	var (
		hits     []Hit
		queryVec []float32
		err      error
	)
	switch mode {
	case ModePrefix:
		hits = c.prefixSearch(tenantID, query, opts.TopK)
	case ModeSemantic:
		hits, queryVec, err = c.semanticSearch(ctx, tenantID, query, opts)
	case ModeHybrid:
		hits, queryVec, err = c.hybridSearch(ctx, tenantID, query, opts)
	default:
		return nil, fault.Newf(fault.Validation, "unknown search mode %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	c.logQuery(ctx, tenantID, query, queryVec, len(hits))

	c.log.Debug("search executed",
		"tenant_id", tenantID,
		"mode", mode,
		"hits", len(hits),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Response{Query: query, Mode: mode, Hits: hits}, nil
}

// prefixSearch answers from the trie: the exact token first, then
// autocomplete candidates, each enriched with its owning sources.
func (c *Composer) prefixSearch(tenantID, query string, topK int) []Hit {
	token := strings.ToLower(query)

	var hits []Hit
	seen := make(map[string]struct{})

	if sources := c.trie.Exact(token, tenantID); len(sources) > 0 {
		hits = append(hits, Hit{Kind: "token", Token: token, SourceFileIDs: sources})
		seen[token] = struct{}{}
	}

	for _, sug := range c.trie.Autocomplete(token, tenantID, topK) {
		if _, dup := seen[sug.Token]; dup {
			continue
		}
		sources := c.trie.Exact(sug.Token, tenantID)
		if len(sources) == 0 {
			continue
		}
		hits = append(hits, Hit{
			Kind:          "token",
			Token:         sug.Token,
			SourceFileIDs: sources,
			Frequency:     sug.Frequency,
		})
		if len(hits) >= topK {
			break
		}
	}

	return hits
}

func (c *Composer) semanticSearch(ctx context.Context, tenantID, query string, opts Options) ([]Hit, []float32, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	var filter *store.ChunkFilter
	if len(opts.Categories) > 0 {
		filter = &store.ChunkFilter{Categories: opts.Categories}
	}

	chunkHits, err := c.chunks.KNN(ctx, tenantID, vec, opts.TopK, filter)
	if err != nil {
		return nil, nil, err
	}

	hits := make([]Hit, len(chunkHits))
	for i, h := range chunkHits {
		hits[i] = Hit{
			Kind:         "chunk",
			ChunkID:      h.ChunkID,
			SourceFileID: h.SourceFileID,
			Ordinal:      h.Ordinal,
			Text:         h.Text,
			Category:     h.Category,
			Distance:     h.Distance,
		}
	}
	return hits, vec, nil
}

// hybridSearch runs both strategies, deduplicates by source, and ranks
// semantic hits first.
func (c *Composer) hybridSearch(ctx context.Context, tenantID, query string, opts Options) ([]Hit, []float32, error) {
	semantic, vec, err := c.semanticSearch(ctx, tenantID, query, opts)
	if err != nil {
		return nil, nil, err
	}

	seenSources := make(map[string]struct{}, len(semantic))
	for _, h := range semantic {
		seenSources[h.SourceFileID] = struct{}{}
	}

	hits := semantic
	for _, h := range c.prefixSearch(tenantID, query, opts.TopK) {
		var fresh []string
		for _, src := range h.SourceFileIDs {
			if _, dup := seenSources[src]; !dup {
				fresh = append(fresh, src)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		h.SourceFileIDs = fresh
		hits = append(hits, h)
	}

	return hits, vec, nil
}

// logQuery appends the query log row off the request path.
func (c *Composer) logQuery(ctx context.Context, tenantID, query string, vec []float32, resultCount int) {
	if c.queries == nil {
		return
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		logCtx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()

		err := c.queries.Insert(logCtx, store.QueryLogEntry{
			TenantID:    tenantID,
			QueryText:   query,
			Embedding:   vec,
			ResultCount: resultCount,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			c.log.Warn("failed to log query", "error", err)
		}
	}()
}
