package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solvia-ai/relay/pkg/models"
)

const cohereEndpoint = "https://api.cohere.com/v1/embed"

type cohereEmbedder struct {
	apiKey    string
	endpoint  string
	model     string
	dimension int
	client    *http.Client
}

var _ Embedder = (*cohereEmbedder)(nil)

func newCohere(cfg Config) (*cohereEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cohere embedding requires an api key")
	}
	model := cfg.Model
	if model == "" {
		model = "embed-multilingual-v3.0"
	}
	endpoint := cohereEndpoint
	if cfg.BaseURL != "" {
		endpoint = cfg.BaseURL
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = 1024
	}

	return &cohereEmbedder{
		apiKey:    cfg.APIKey,
		endpoint:  endpoint,
		model:     model,
		dimension: dim,
		client:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (e *cohereEmbedder) Name() string { return models.ProviderCohere }

func (e *cohereEmbedder) Dimension() int { return e.dimension }

// MaxBatchSize reflects Cohere's 96-text per-request cap.
func (e *cohereEmbedder) MaxBatchSize() int { return 96 }

func (e *cohereEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vectors[0], nil
}

func (e *cohereEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := struct {
		Model     string   `json:"model"`
		Texts     []string `json:"texts"`
		InputType string   `json:"input_type"`
	}{Model: e.model, Texts: texts, InputType: "search_document"}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cohere returned status %d: %s", resp.StatusCode, string(detail))
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("cohere returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}
