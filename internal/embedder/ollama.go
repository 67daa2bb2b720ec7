package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/solvia-ai/relay/pkg/models"
)

// ollamaEmbedder speaks to local inference servers. Ollama exposes a native
// embeddings endpoint; LM Studio exposes the OpenAI-compatible shape. Both
// run behind the same client with the request format switched by tag.
type ollamaEmbedder struct {
	name      string
	baseURL   string
	model     string
	dimension int
	compat    bool
	client    *http.Client
}

var _ Embedder = (*ollamaEmbedder)(nil)

func newOllama(cfg Config) (*ollamaEmbedder, error) {
	compat := cfg.Provider == models.ProviderLMStudio

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		if compat {
			baseURL = "http://localhost:1234"
		} else {
			baseURL = "http://localhost:11434"
		}
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}

	dim := cfg.Dimension
	if dim == 0 {
		switch model {
		case "mxbai-embed-large":
			dim = 1024
		case "all-minilm":
			dim = 384
		default:
			dim = 768
		}
	}

	return &ollamaEmbedder{
		name:      cfg.Provider,
		baseURL:   baseURL,
		model:     model,
		dimension: dim,
		compat:    compat,
		client:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (e *ollamaEmbedder) Name() string { return e.name }

func (e *ollamaEmbedder) Dimension() int { return e.dimension }

func (e *ollamaEmbedder) MaxBatchSize() int { return 100 }

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.compat {
		vectors, err := e.embedCompat(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) == 0 {
			return nil, fmt.Errorf("no embedding returned")
		}
		return vectors[0], nil
	}
	return e.embedNative(ctx, text)
}

func (e *ollamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.compat {
		return e.embedCompat(ctx, texts)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.embedNative(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (e *ollamaEmbedder) embedNative(ctx context.Context, text string) ([]float32, error) {
	payload := struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}{Model: e.model, Prompt: text}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := e.post(ctx, "/api/embeddings", payload, &result); err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

func (e *ollamaEmbedder) embedCompat(ctx context.Context, texts []string) ([][]float32, error) {
	payload := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: e.model, Input: texts}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := e.post(ctx, "/v1/embeddings", payload, &result); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func (e *ollamaEmbedder) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", e.name, resp.StatusCode, string(detail))
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
