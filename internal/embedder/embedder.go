// Package embedder turns text into vectors for knowledge retrieval. One
// Embedder is built per knowledge base so every chunk in a KB shares a single
// provider, model, and dimension.
package embedder

import (
	"context"
	"fmt"

	"github.com/solvia-ai/relay/pkg/models"
)

// Embedder generates embeddings for retrieval and ingest.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call where
	// the provider supports it.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider tag.
	Name() string

	// Dimension returns the vector width this embedder produces.
	Dimension() int

	// MaxBatchSize returns the largest batch EmbedBatch accepts.
	MaxBatchSize() int
}

// Config selects and authenticates one embedding backend.
type Config struct {
	// Provider is the backend tag: openai, ollama, lmstudio, cohere,
	// huggingface.
	Provider string

	// Model is the provider-native embedding model name.
	Model string

	// Dimension is the expected vector width, taken from the knowledge
	// base. Providers that let the caller pick a width request it; all
	// providers report it via Dimension.
	Dimension int

	// APIKey authenticates hosted providers.
	APIKey string

	// BaseURL overrides the endpoint for self-hosted backends.
	BaseURL string
}

// New builds the embedder for a provider tag.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case models.ProviderOpenAI:
		return newOpenAI(cfg)
	case models.ProviderOllama, models.ProviderLMStudio:
		return newOllama(cfg)
	case models.ProviderCohere:
		return newCohere(cfg)
	case models.ProviderHuggingFace:
		return newHuggingFace(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// ForKnowledgeBase builds the embedder a knowledge base demands. The keys
// struct carries per-provider credentials resolved from configuration.
func ForKnowledgeBase(kb *models.KnowledgeBase, keys Keys) (Embedder, error) {
	cfg := Config{
		Provider:  kb.EmbeddingProvider,
		Model:     kb.EmbeddingModel,
		Dimension: kb.EmbeddingDimension,
	}
	switch kb.EmbeddingProvider {
	case models.ProviderOpenAI:
		cfg.APIKey = keys.OpenAI
	case models.ProviderCohere:
		cfg.APIKey = keys.Cohere
	case models.ProviderHuggingFace:
		cfg.APIKey = keys.HuggingFace
	case models.ProviderOllama:
		cfg.BaseURL = keys.OllamaBaseURL
	case models.ProviderLMStudio:
		cfg.BaseURL = keys.LMStudioBaseURL
	}
	return New(cfg)
}

// Keys carries embedding credentials per provider tag.
type Keys struct {
	OpenAI          string
	Cohere          string
	HuggingFace     string
	OllamaBaseURL   string
	LMStudioBaseURL string
}
