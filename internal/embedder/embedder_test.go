package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/solvia-ai/relay/pkg/models"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "mystery"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewRequiresAPIKeys(t *testing.T) {
	for _, provider := range []string{models.ProviderOpenAI, models.ProviderCohere, models.ProviderHuggingFace} {
		if _, err := New(Config{Provider: provider}); err == nil {
			t.Errorf("%s: expected error without api key", provider)
		}
	}
}

func TestForKnowledgeBaseRoutesCredentials(t *testing.T) {
	keys := Keys{
		OpenAI:        "sk-test",
		Cohere:        "co-test",
		HuggingFace:   "hf-test",
		OllamaBaseURL: "http://ollama:11434",
	}

	kb := &models.KnowledgeBase{
		EmbeddingProvider:  models.ProviderOllama,
		EmbeddingModel:     "mxbai-embed-large",
		EmbeddingDimension: 1024,
	}
	e, err := ForKnowledgeBase(kb, keys)
	if err != nil {
		t.Fatalf("ForKnowledgeBase error: %v", err)
	}
	if e.Name() != models.ProviderOllama {
		t.Errorf("Name() = %q, want ollama", e.Name())
	}
	if e.Dimension() != 1024 {
		t.Errorf("Dimension() = %d, want 1024", e.Dimension())
	}
}

func TestOllamaDimensionDefaults(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"nomic-embed-text", 768},
		{"mxbai-embed-large", 1024},
		{"all-minilm", 384},
		{"unknown-model", 768},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			e, err := newOllama(Config{Provider: models.ProviderOllama, Model: tt.model})
			if err != nil {
				t.Fatalf("newOllama error: %v", err)
			}
			if dim := e.Dimension(); dim != tt.want {
				t.Errorf("Dimension() = %d, want %d", dim, tt.want)
			}
		})
	}
}

func TestOllamaEmbedNative(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s, want /api/embeddings", r.URL.Path)
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Prompt != "hello" {
			t.Errorf("prompt = %q, want hello", req.Prompt)
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": want})
	}))
	defer server.Close()

	e, err := newOllama(Config{Provider: models.ProviderOllama, BaseURL: server.URL})
	if err != nil {
		t.Fatalf("newOllama error: %v", err)
	}

	got, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("embedding length %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("component %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLMStudioUsesCompatEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s, want /v1/embeddings", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0.4}},
				{"index": 0, "embedding": []float32{0.2}},
			},
		})
	}))
	defer server.Close()

	e, err := newOllama(Config{Provider: models.ProviderLMStudio, BaseURL: server.URL, Model: "embed"})
	if err != nil {
		t.Fatalf("newOllama error: %v", err)
	}

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	// Out-of-order responses land at their declared index.
	if vectors[0][0] != 0.2 || vectors[1][0] != 0.4 {
		t.Errorf("vectors not ordered by index: %v", vectors)
	}
}

func TestCohereEmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer co-key" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		})
	}))
	defer server.Close()

	e, err := newCohere(Config{Provider: models.ProviderCohere, APIKey: "co-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("newCohere error: %v", err)
	}

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}
}

func TestHuggingFaceCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]float32{{0.1}})
	}))
	defer server.Close()

	e, err := newHuggingFace(Config{Provider: models.ProviderHuggingFace, APIKey: "hf-key", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("newHuggingFace error: %v", err)
	}

	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	e, err := newOllama(Config{Provider: models.ProviderOllama})
	if err != nil {
		t.Fatalf("newOllama error: %v", err)
	}
	vectors, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}
