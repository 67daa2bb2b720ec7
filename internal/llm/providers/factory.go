package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/solvia-ai/relay/internal/llm"
	"github.com/solvia-ai/relay/pkg/models"
)

// Keys are process-wide fallback credentials, used when an llm_configs row
// carries no api_key or base_url of its own.
type Keys struct {
	OpenAI          string
	Anthropic       string
	Google          string
	OllamaBaseURL   string
	LMStudioBaseURL string
}

// Factory returns the gateway's backend factory, routing each config to
// its SDK by provider tag.
func Factory(keys Keys) llm.BackendFactory {
	return func(cfg *models.LLMConfig) (llm.Provider, error) {
		switch cfg.Provider {
		case models.ProviderOpenAI:
			key := firstNonEmpty(cfg.APIKey, keys.OpenAI)
			if cfg.BaseURL != "" {
				return NewCompatible(models.ProviderOpenAI, key, cfg.BaseURL)
			}
			return NewOpenAI(key)

		case models.ProviderAnthropic:
			return NewAnthropic(firstNonEmpty(cfg.APIKey, keys.Anthropic), cfg.BaseURL)

		case models.ProviderGoogle:
			return NewGoogle(context.Background(), firstNonEmpty(cfg.APIKey, keys.Google))

		case models.ProviderOllama:
			base := firstNonEmpty(cfg.BaseURL, keys.OllamaBaseURL, "http://localhost:11434")
			return NewCompatible(models.ProviderOllama, cfg.APIKey, chatEndpoint(base))

		case models.ProviderLMStudio:
			base := firstNonEmpty(cfg.BaseURL, keys.LMStudioBaseURL, "http://localhost:1234")
			return NewCompatible(models.ProviderLMStudio, cfg.APIKey, chatEndpoint(base))
		}

		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// chatEndpoint appends the OpenAI-compatible path segment local runtimes
// expose, tolerating base URLs configured either way.
func chatEndpoint(base string) string {
	trimmed := strings.TrimSuffix(base, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
