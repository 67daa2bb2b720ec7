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

const huggingFaceEndpoint = "https://api-inference.huggingface.co/pipeline/feature-extraction/"

type huggingFaceEmbedder struct {
	apiKey    string
	endpoint  string
	model     string
	dimension int
	client    *http.Client
}

var _ Embedder = (*huggingFaceEmbedder)(nil)

func newHuggingFace(cfg Config) (*huggingFaceEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("huggingface embedding requires an api key")
	}
	model := cfg.Model
	if model == "" {
		model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	endpoint := huggingFaceEndpoint
	if cfg.BaseURL != "" {
		endpoint = cfg.BaseURL
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = 384
	}

	return &huggingFaceEmbedder{
		apiKey:    cfg.APIKey,
		endpoint:  endpoint,
		model:     model,
		dimension: dim,
		client:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (e *huggingFaceEmbedder) Name() string { return models.ProviderHuggingFace }

func (e *huggingFaceEmbedder) Dimension() int { return e.dimension }

func (e *huggingFaceEmbedder) MaxBatchSize() int { return 64 }

func (e *huggingFaceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vectors[0], nil
}

func (e *huggingFaceEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := struct {
		Inputs  []string       `json:"inputs"`
		Options map[string]any `json:"options"`
	}{Inputs: texts, Options: map[string]any{"wait_for_model": true}}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+e.model, bytes.NewReader(body))
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
		return nil, fmt.Errorf("huggingface returned status %d: %s", resp.StatusCode, string(detail))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("huggingface returned %d embeddings for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}
