// Package providers implements the llm.Provider backends for the supported
// model vendors.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/solvia-ai/relay/internal/llm"
	"github.com/solvia-ai/relay/pkg/models"
)

// OpenAI serves completions through the OpenAI chat API. With a custom base
// URL it also backs any OpenAI-compatible endpoint (Ollama, LM Studio,
// proxies), which is why the provider tag is configurable.
type OpenAI struct {
	client *openai.Client
	tag    string
}

// NewOpenAI builds the backend for api.openai.com.
func NewOpenAI(apiKey string) (*OpenAI, error) {
	return newOpenAICompatible(models.ProviderOpenAI, apiKey, "")
}

// NewCompatible builds a backend for an OpenAI-compatible server. Local
// runtimes accept any non-empty key.
func NewCompatible(tag, apiKey, baseURL string) (*OpenAI, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base URL is required", tag)
	}
	if apiKey == "" {
		apiKey = "unused"
	}
	return newOpenAICompatible(tag, apiKey, baseURL)
}

func newOpenAICompatible(tag, apiKey, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		tag:    tag,
	}, nil
}

// Name implements llm.Provider.
func (p *OpenAI) Name() string {
	return p.tag
}

// Complete implements llm.Provider.
func (p *OpenAI) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", p.tag, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s completion: empty response", p.tag)
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: mapOpenAIFinish(string(choice.FinishReason)),
		Model:        resp.Model,
		Usage: models.TokenUsage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		},
	}

	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:         call.ID,
			Name:       call.Function.Name,
			Parameters: normalizeArguments(call.Function.Arguments),
			Timestamp:  time.Now().UTC(),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = models.FinishToolCalls
	}

	return out, nil
}

// Stream implements llm.Provider. Tool calls arrive as fragments keyed by
// index and are accumulated until the finish reason reports them complete.
func (p *OpenAI) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	chatReq := p.buildRequest(req, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", p.tag, err)
	}

	chunks := make(chan llm.Chunk)
	go p.consumeStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- llm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)
	var order []int
	finish := models.FinishStop
	var usage *models.TokenUsage

	flushCalls := func() []models.ToolCall {
		calls := make([]models.ToolCall, 0, len(pending))
		for _, idx := range order {
			call := pending[idx]
			if call.ID == "" || call.Name == "" {
				continue
			}
			call.Timestamp = time.Now().UTC()
			calls = append(calls, *call)
		}
		pending = make(map[int]*models.ToolCall)
		order = order[:0]
		return calls
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.Chunk{Err: ctx.Err(), IsComplete: true, FinishReason: models.FinishError}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				terminal := llm.Chunk{IsComplete: true, FinishReason: finish, Usage: usage}
				if calls := flushCalls(); len(calls) > 0 {
					terminal.ToolCalls = calls
					terminal.FinishReason = models.FinishToolCalls
				}
				chunks <- terminal
				return
			}
			chunks <- llm.Chunk{Err: fmt.Errorf("%s stream: %w", p.tag, err), IsComplete: true, FinishReason: models.FinishError}
			return
		}

		if resp.Usage != nil {
			usage = &models.TokenUsage{
				Input:  resp.Usage.PromptTokens,
				Output: resp.Usage.CompletionTokens,
				Total:  resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- llm.Chunk{Content: choice.Delta.Content}
		}

		for _, frag := range choice.Delta.ToolCalls {
			idx := 0
			if frag.Index != nil {
				idx = *frag.Index
			}
			call, ok := pending[idx]
			if !ok {
				call = &models.ToolCall{}
				pending[idx] = call
				order = append(order, idx)
			}
			if frag.ID != "" {
				call.ID = frag.ID
			}
			if frag.Function.Name != "" {
				call.Name = frag.Function.Name
			}
			if frag.Function.Arguments != "" {
				call.Parameters = append(call.Parameters, frag.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			finish = mapOpenAIFinish(string(choice.FinishReason))
			if calls := flushCalls(); len(calls) > 0 {
				chunks <- llm.Chunk{ToolCalls: calls}
				finish = models.FinishToolCalls
			}
		}
	}
}

// Embed implements llm.Embedder for the gateway's embedding surface.
func (p *OpenAI) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("%s embeddings: %w", p.tag, err)
	}

	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			continue
		}
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}

func (p *OpenAI) buildRequest(req *llm.Request, stream bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req),
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq
}

// convertOpenAIMessages flattens the transcript into the chat format: the
// system prompt leads, and each tool result becomes its own tool-role
// message linked by call id.
func convertOpenAIMessages(req *llm.Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				Name:       msg.Name,
				ToolCallID: msg.ToolCallID,
			})

		case llm.RoleAssistant:
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Parameters),
					},
				})
			}
			out = append(out, converted)

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return out
}

func convertOpenAITools(tools []llm.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		params := tool.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func mapOpenAIFinish(raw string) models.FinishReason {
	switch raw {
	case "stop", "":
		return models.FinishStop
	case "length":
		return models.FinishLength
	case "tool_calls", "function_call":
		return models.FinishToolCalls
	case "content_filter":
		return models.FinishContentFilter
	}
	return models.FinishStop
}

// normalizeArguments guards against providers emitting empty or truncated
// argument strings; downstream validation expects a JSON object.
func normalizeArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(raw)) {
		quoted, _ := json.Marshal(raw)
		return json.RawMessage(fmt.Sprintf(`{"raw":%s}`, quoted))
	}
	return json.RawMessage(raw)
}
