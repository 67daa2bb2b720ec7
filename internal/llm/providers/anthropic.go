package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/solvia-ai/relay/internal/llm"
	"github.com/solvia-ai/relay/pkg/models"
)

// anthropicDefaultMaxTokens applies when neither the request nor the config
// caps output; the Messages API requires an explicit limit.
const anthropicDefaultMaxTokens = 4096

// Anthropic serves completions through the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic builds the backend. baseURL is optional and covers proxies.
func NewAnthropic(apiKey, baseURL string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	return &Anthropic{client: anthropic.NewClient(options...)}, nil
}

// Name implements llm.Provider.
func (p *Anthropic) Name() string {
	return models.ProviderAnthropic
}

// Complete implements llm.Provider by aggregating the streaming API, which
// is the only wire path the Messages endpoint needs.
func (p *Anthropic) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collect(chunks, req.Model)
}

// Stream implements llm.Provider. Tool-use blocks accumulate their input
// JSON across deltas and are emitted complete at block stop.
func (p *Anthropic) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.Chunk)
	go func() {
		defer close(chunks)

		stream := p.client.Messages.NewStreaming(ctx, params)

		var currentCall *models.ToolCall
		var currentInput strings.Builder
		var usage models.TokenUsage
		finish := models.FinishStop
		sawToolCalls := false

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				if start.Message.Usage.InputTokens > 0 {
					usage.Input = int(start.Message.Usage.InputTokens)
				}

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentCall = &models.ToolCall{
						ID:   toolUse.ID,
						Name: toolUse.Name,
					}
					currentInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- llm.Chunk{Content: delta.Text}
					}
				case "input_json_delta":
					currentInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentCall != nil {
					input := currentInput.String()
					if input == "" {
						input = "{}"
					}
					currentCall.Parameters = json.RawMessage(input)
					currentCall.Timestamp = time.Now().UTC()
					chunks <- llm.Chunk{ToolCalls: []models.ToolCall{*currentCall}}
					currentCall = nil
					sawToolCalls = true
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					usage.Output = int(delta.Usage.OutputTokens)
				}
				if delta.Delta.StopReason != "" {
					finish = mapAnthropicFinish(string(delta.Delta.StopReason))
				}

			case "message_stop":
				usage.Total = usage.Input + usage.Output
				if sawToolCalls {
					finish = models.FinishToolCalls
				}
				chunks <- llm.Chunk{IsComplete: true, FinishReason: finish, Usage: &usage}
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- llm.Chunk{
				Err:          fmt.Errorf("anthropic stream: %w", wrapAnthropicError(err)),
				IsComplete:   true,
				FinishReason: models.FinishError,
			}
			return
		}

		// Stream ended without message_stop; report what was observed.
		usage.Total = usage.Input + usage.Output
		chunks <- llm.Chunk{IsComplete: true, FinishReason: finish, Usage: &usage}
	}()

	return chunks, nil
}

func (p *Anthropic) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params, nil
}

// convertAnthropicMessages maps the transcript onto Anthropic content
// blocks. Tool results ride in user messages; system messages are excluded
// because the prompt travels in params.System.
func convertAnthropicMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == llm.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Parameters, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == llm.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []llm.ToolSchema) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			continue
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool != nil && tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, toolParam)
	}

	return result
}

func mapAnthropicFinish(raw string) models.FinishReason {
	switch raw {
	case "end_turn", "stop_sequence", "pause_turn":
		return models.FinishStop
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return models.FinishToolCalls
	case "refusal":
		return models.FinishContentFilter
	}
	return models.FinishStop
}

// wrapAnthropicError surfaces the API status code when the SDK provides
// one, so classification can key off it.
func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("status %d: %w", apiErr.StatusCode, err)
	}
	return err
}

// collect drains a chunk stream into a single response.
func collect(chunks <-chan llm.Chunk, model string) (*llm.Response, error) {
	var content strings.Builder
	resp := &llm.Response{Model: model, FinishReason: models.FinishStop}

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		content.WriteString(chunk.Content)
		resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCalls...)
		if chunk.IsComplete {
			resp.FinishReason = chunk.FinishReason
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}

	resp.Content = content.String()
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = models.FinishToolCalls
	}
	return resp, nil
}
