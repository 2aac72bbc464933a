// Package embedder is the gateway to the external embedding model. It is
// the only component permitted to talk to the model runtime; everything
// else takes the Embedder interface as a dependency.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/stackhaus/mediavault/internal/fault"
	"github.com/stackhaus/mediavault/pkg/logger"
)

// Embedder defines the gateway capability set.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Health reports whether the model runtime is reachable.
	Health(ctx context.Context) error

	// Dimension returns the system-wide embedding dimension.
	Dimension() int
}

// Config holds gateway configuration.
type Config struct {
	BaseURL        string        // OpenAI-compatible endpoint (Ollama, LM Studio, OpenAI)
	APIKey         string
	Model          string
	Dimension      int           // system-wide constant D; validated on every response
	MaxBatchSize   int           // max texts per request (default: 100)
	MaxRetries     int           // attempts before EmbeddingUnavailable (default: 3)
	RetryDelay     time.Duration // initial backoff delay
	RateLimitRPS   int
	RequestTimeout time.Duration // per-call deadline at the suspension point
	CacheSize      int // 0 disables the embedding cache
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:11434/v1",
		APIKey:         "ollama",
		Model:          "nomic-embed-text",
		Dimension:      768,
		MaxBatchSize:   100,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		RateLimitRPS:   50,
		RequestTimeout: 60 * time.Second,
		CacheSize:      10000,
	}
}

// Gateway implements Embedder over any OpenAI-compatible embeddings API.
type Gateway struct {
	client      *openai.Client
	config      Config
	rateLimiter *rate.Limiter
	cache       *embeddingCache
	log         *logger.Logger
}

// New creates a gateway. Dimension must be positive; it is the system-wide
// constant every stored vector is validated against.
func New(cfg Config, log *logger.Logger) (*Gateway, error) {
	if cfg.Dimension <= 0 {
		return nil, fault.Newf(fault.Internal, "embedding dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.Model == "" {
		return nil, fault.New(fault.Validation, "embedding model is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	var cache *embeddingCache
	if cfg.CacheSize > 0 {
		cache = newEmbeddingCache(cfg.CacheSize)
	}

	return &Gateway{
		client:      openai.NewClientWithConfig(clientCfg),
		config:      cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS),
		cache:       cache,
		log:         log.WithComponent("embedder"),
	}, nil
}

// Dimension returns the configured embedding dimension.
func (g *Gateway) Dimension() int {
	return g.config.Dimension
}

// Health issues a minimal embedding request to verify the runtime answers
// with vectors of the expected dimension. A mismatch is fatal at startup.
func (g *Gateway) Health(ctx context.Context) error {
	vec, err := g.doEmbed(ctx, []string{"ping"})
	if err != nil {
		if isInternal(err) {
			return err
		}
		return fault.Wrap(fault.EmbeddingUnavailable, err, "embedding health check failed")
	}
	if len(vec) != 1 || len(vec[0]) != g.config.Dimension {
		return fault.Newf(fault.Internal, "embedding model returned dimension %d, expected %d",
			len(vec[0]), g.config.Dimension)
	}
	return nil
}

// Embed generates an embedding for a single text.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fault.New(fault.EmbeddingUnavailable, "no embedding returned")
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, serving repeats from
// the cache and batching the rest.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	results := make([][]float32, len(texts))

	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec := g.cache.get(text); vec != nil {
			results[i] = vec
		} else {
			missing = append(missing, text)
			missingIdx = append(missingIdx, i)
		}
	}

	for i := 0; i < len(missing); i += g.config.MaxBatchSize {
		end := i + g.config.MaxBatchSize
		if end > len(missing) {
			end = len(missing)
		}

		batch := missing[i:end]
		vecs, err := g.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}

		for j, vec := range vecs {
			results[missingIdx[i+j]] = vec
			g.cache.set(batch[j], vec)
		}
	}

	g.log.Debug("batch embedding complete",
		"total_texts", len(texts),
		"from_cache", len(texts)-len(missing),
		"from_api", len(missing),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return results, nil
}

// embedWithRetry performs the embedding call with bounded exponential
// backoff, mapping exhaustion to EmbeddingUnavailable.
func (g *Gateway) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := g.config.RetryDelay

	for attempt := 0; attempt < g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			g.log.Debug("retrying embedding request", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fault.FromContext(ctx)
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := g.rateLimiter.Wait(ctx); err != nil {
			return nil, fault.FromContext(ctx)
		}

		vecs, err := g.doEmbed(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		if isInternal(err) {
			// Wrong dimension is an invariant violation, not a transient
			// fault; retrying cannot fix it.
			return nil, err
		}

		lastErr = err
		g.log.WithError(err).Warn("embedding request failed", "attempt", attempt)
	}

	return nil, fault.Wrap(fault.EmbeddingUnavailable, lastErr, "embedding retries exhausted").
		WithHint("check the embedding model runtime")
}

// doEmbed performs a single API call and validates vector dimensions.
func (g *Gateway) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	resp, err := g.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(g.config.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding API error: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		if len(data.Embedding) != g.config.Dimension {
			return nil, fault.Newf(fault.Internal, "embedding %d has dimension %d, expected %d",
				i, len(data.Embedding), g.config.Dimension)
		}
		vecs[i] = data.Embedding
	}

	return vecs, nil
}

// isInternal reports whether err carries an explicit fault.Internal, such
// as a dimension mismatch. Plain transport errors do not.
func isInternal(err error) bool {
	var fe *fault.Error
	return errors.As(err, &fe) && fe.Kind == fault.Internal
}

// embeddingCache is a small LRU keyed by text hash.
type embeddingCache struct {
	entries map[string][]float32
	order   []string
	maxSize int
	mu      sync.RWMutex
}

func newEmbeddingCache(maxSize int) *embeddingCache {
	return &embeddingCache{
		entries: make(map[string][]float32),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

func (c *embeddingCache) get(text string) []float32 {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := hashText(text)
	vec, ok := c.entries[key]
	if !ok {
		return nil
	}
	// Move the hit to the most recently used end of the eviction order.
	for i, k := range c.order {
		if k == key {
			copy(c.order[i:], c.order[i+1:])
			c.order[len(c.order)-1] = key
			break
		}
	}
	return vec
}

func (c *embeddingCache) set(text string, vec []float32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashText(text)
	if _, exists := c.entries[key]; exists {
		return
	}
	if len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = vec
	c.order = append(c.order, key)
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// Mock is a deterministic in-process embedder for tests. Vectors are
// derived from the text hash, so similar inputs do not cluster; tests that
// need controlled geometry should set Fixed vectors per text.
type Mock struct {
	Dim   int
	Fixed map[string][]float32 // optional exact vectors by text
	Err   error

	mu    sync.Mutex
	Calls int
}

// NewMock creates a mock embedder of the given dimension.
func NewMock(dim int) *Mock {
	return &Mock{Dim: dim}
}

// Embed generates a deterministic embedding.
func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates deterministic embeddings for multiple texts.
func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		if fixed, ok := m.Fixed[text]; ok {
			vecs[i] = fixed
			continue
		}
		vec := make([]float32, m.Dim)
		sum := sha256.Sum256([]byte(text))
		for d := 0; d < m.Dim; d++ {
			word := binary.BigEndian.Uint32(sum[(d*4)%28 : (d*4)%28+4])
			vec[d] = float32(word%1000)/1000.0 - 0.5
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Health returns Err, which is nil unless a test sets it.
func (m *Mock) Health(ctx context.Context) error { return m.Err }

// Dimension returns the mock dimension.
func (m *Mock) Dimension() int { return m.Dim }
