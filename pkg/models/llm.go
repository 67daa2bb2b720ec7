package models

import (
	"time"
)

// LLM provider tags. The gateway instantiates one backend per tag at the
// configuration edge; everything past the factory is tag-agnostic.
const (
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderGoogle      = "google"
	ProviderOllama      = "ollama"
	ProviderLMStudio    = "lmstudio"
	ProviderCohere      = "cohere"
	ProviderHuggingFace = "huggingface"
)

// LLMConfig binds a flow to a concrete provider, model, and pricing.
type LLMConfig struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// Name is the operator-facing label.
	Name string `json:"name"`

	// Provider is the backend tag.
	Provider string `json:"provider"`

	// Model is the provider-native model name.
	Model string `json:"model"`

	// APIKey authenticates against the provider. May name an environment
	// variable via ${VAR} expansion at load time.
	APIKey string `json:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint (ollama, lmstudio, proxies).
	BaseURL string `json:"base_url,omitempty"`

	// Temperature is the default sampling temperature.
	Temperature float32 `json:"temperature"`

	// MaxTokens caps completion length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// PriceIn is USD per 1K prompt tokens, for cost accounting.
	PriceIn float64 `json:"price_in"`

	// PriceOut is USD per 1K completion tokens.
	PriceOut float64 `json:"price_out"`

	// TimeoutSeconds bounds one completion call. Zero uses the gateway
	// default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Priority orders providers under the priority selection strategy;
	// lower is preferred.
	Priority int `json:"priority"`

	// Active gates the config in and out of selection.
	Active bool `json:"active"`

	// CreatedAt is when the config was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the config last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Cost computes the spend for a usage record against this config's prices.
func (c *LLMConfig) Cost(usage TokenUsage) float64 {
	return float64(usage.Input)/1000*c.PriceIn + float64(usage.Output)/1000*c.PriceOut
}
