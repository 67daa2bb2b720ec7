// Package llm routes completion requests across model providers with
// selection strategies, circuit breaking, retries, and cost accounting.
package llm

import (
	"context"
	"encoding/json"

	"github.com/solvia-ai/relay/pkg/models"
)

// Message roles accepted by providers. Tool results travel as RoleTool
// messages carrying the originating call id.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a completion transcript.
type Message struct {
	// Role is system, user, assistant, or tool.
	Role string

	// Content is the text body. For tool messages it is the serialized
	// tool result.
	Content string

	// ToolCalls are the calls an assistant message requested.
	ToolCalls []models.ToolCall

	// ToolCallID links a tool message back to the call it answers.
	ToolCallID string

	// Name is the tool name on tool messages.
	Name string
}

// ToolSchema describes one callable tool in provider-neutral form.
type ToolSchema struct {
	Name        string
	Description string

	// Parameters is the JSON Schema for the argument object.
	Parameters json.RawMessage
}

// Request is a completion request before provider-specific conversion.
// Zero-valued tuning fields inherit from the serving LLM config.
type Request struct {
	// Model overrides the config's model when non-empty.
	Model string

	// System is the system prompt, kept separate because providers
	// disagree on where it goes.
	System string

	// Messages is the transcript, oldest first.
	Messages []Message

	// Tools are the callable tools exposed for this turn.
	Tools []ToolSchema

	// Temperature overrides the config default when non-nil.
	Temperature *float32

	// MaxTokens overrides the config default when non-zero.
	MaxTokens int

	// PreferConfigID pins the first provider tried, when that config is
	// registered and its breaker allows. Fallback still applies.
	PreferConfigID string
}

// Response is a completed turn in canonical form.
type Response struct {
	// Content is the assistant text, empty when the model only called
	// tools.
	Content string

	// ToolCalls are requested tool invocations, already normalized.
	ToolCalls []models.ToolCall

	// FinishReason is the canonical termination cause.
	FinishReason models.FinishReason

	// Usage is the token accounting reported by the provider.
	Usage models.TokenUsage

	// Model is the provider-reported model that served the request.
	Model string
}

// Chunk is one streaming increment. The terminal chunk has IsComplete set
// and carries the final usage and finish reason; consumers must treat the
// channel as open until they see it.
type Chunk struct {
	// Content is the text delta, empty on non-text events.
	Content string

	// ToolCalls are fully accumulated calls, delivered before the
	// terminal chunk.
	ToolCalls []models.ToolCall

	// FinishReason is set on the terminal chunk.
	FinishReason models.FinishReason

	// Usage is set on the terminal chunk.
	Usage *models.TokenUsage

	// IsComplete marks the terminal chunk.
	IsComplete bool

	// Err reports a mid-stream failure; the chunk carrying it is
	// terminal.
	Err error
}

// Provider is one model backend. Implementations are safe for concurrent
// use.
type Provider interface {
	// Complete runs the request to completion.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream runs the request and emits chunks as they arrive. The
	// channel closes after the terminal chunk.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Name reports the provider tag (openai, anthropic, ...).
	Name() string
}

// Embedder is implemented by providers that can also produce embeddings.
// The gateway's Embed surface routes to the first available one.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}
