package embedder

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/solvia-ai/relay/pkg/models"
)

type openAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

var _ Embedder = (*openAIEmbedder)(nil)

func newOpenAI(cfg Config) (*openAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedding requires an api key")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	dim := cfg.Dimension
	if dim == 0 {
		switch cfg.Model {
		case string(openai.LargeEmbedding3):
			dim = 3072
		default:
			dim = 1536
		}
	}

	return &openAIEmbedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dimension: dim,
	}, nil
}

func (e *openAIEmbedder) Name() string { return models.ProviderOpenAI }

func (e *openAIEmbedder) Dimension() int { return e.dimension }

// MaxBatchSize reflects OpenAI's per-request input cap.
func (e *openAIEmbedder) MaxBatchSize() int { return 2048 }

func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vectors[0], nil
}

func (e *openAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	}
	// text-embedding-3 models accept a reduced output width.
	if e.dimension > 0 && e.model != string(openai.AdaEmbeddingV2) {
		req.Dimensions = e.dimension
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	vectors := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}
