package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stackhaus/mediavault/internal/fault"
)

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// newEmbeddingServer serves an OpenAI-compatible embeddings endpoint
// returning vectors of dim for each input, after failing `failures` times.
func newEmbeddingServer(t *testing.T, dim int, failures *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && atomic.AddInt32(failures, -1) >= 0 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var resp embeddingsResponse
		for i := range req.Input {
			vec := make([]float32, dim)
			for d := range vec {
				vec[d] = float32(i + d)
			}
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: vec, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(url string, dim int) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = url
	cfg.Dimension = dim
	cfg.RetryDelay = time.Millisecond
	cfg.RateLimitRPS = 1000
	return cfg
}

func TestGateway_EmbedBatch(t *testing.T) {
	srv := newEmbeddingServer(t, 8, nil)
	defer srv.Close()

	g, err := New(testConfig(srv.URL, 8), nil)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	vecs, err := g.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 8 {
			t.Errorf("vector %d has dimension %d", i, len(v))
		}
	}
}

func TestGateway_RetriesThenSucceeds(t *testing.T) {
	failures := int32(2)
	srv := newEmbeddingServer(t, 4, &failures)
	defer srv.Close()

	g, err := New(testConfig(srv.URL, 4), nil)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	if _, err := g.Embed(context.Background(), "retry me"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
}

func TestGateway_RetriesExhausted(t *testing.T) {
	failures := int32(100)
	srv := newEmbeddingServer(t, 4, &failures)
	defer srv.Close()

	g, err := New(testConfig(srv.URL, 4), nil)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	_, err = g.Embed(context.Background(), "never works")
	if !fault.Is(err, fault.EmbeddingUnavailable) {
		t.Fatalf("expected EmbeddingUnavailable, got %v", err)
	}
}

func TestGateway_DimensionMismatchIsInternal(t *testing.T) {
	srv := newEmbeddingServer(t, 4, nil)
	defer srv.Close()

	// Gateway expects 16, server answers 4.
	g, err := New(testConfig(srv.URL, 16), nil)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	_, err = g.Embed(context.Background(), "wrong dim")
	if !fault.Is(err, fault.Internal) {
		t.Fatalf("expected Internal for dimension mismatch, got %v", err)
	}

	if err := g.Health(context.Background()); err == nil {
		t.Fatal("expected health check to fail on dimension mismatch")
	}
}

func TestGateway_CacheServesRepeats(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		var resp embeddingsResponse
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: make([]float32, 4), Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	g, err := New(testConfig(srv.URL, 4), nil)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	ctx := context.Background()
	if _, err := g.Embed(ctx, "same text"); err != nil {
		t.Fatalf("first embed failed: %v", err)
	}
	if _, err := g.Embed(ctx, "same text"); err != nil {
		t.Fatalf("second embed failed: %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("expected 1 API request, got %d", got)
	}
}

func TestGateway_RejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Dimension: 0, Model: "m"}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := New(Config{Dimension: 8}, nil); err == nil {
		t.Error("expected error for missing model")
	}
}

func TestMock_Deterministic(t *testing.T) {
	m := NewMock(16)
	ctx := context.Background()

	a1, _ := m.Embed(ctx, "hello")
	a2, _ := m.Embed(ctx, "hello")
	b, _ := m.Embed(ctx, "goodbye")

	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("mock embeddings not deterministic")
		}
	}
	same := true
	for i := range a1 {
		if a1[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts produced identical mock embeddings")
	}
}

func TestMock_FixedVectors(t *testing.T) {
	m := NewMock(2)
	m.Fixed = map[string][]float32{"pinned": {1, 0}}

	vec, _ := m.Embed(context.Background(), "pinned")
	if vec[0] != 1 || vec[1] != 0 {
		t.Errorf("expected fixed vector, got %v", vec)
	}
}
