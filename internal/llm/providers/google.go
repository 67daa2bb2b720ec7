package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/solvia-ai/relay/internal/llm"
	"github.com/solvia-ai/relay/pkg/models"
)

// Google serves completions through the Gemini API.
type Google struct {
	client *genai.Client
}

// NewGoogle builds the backend against the Gemini API backend.
func NewGoogle(ctx context.Context, apiKey string) (*Google, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: creating client: %w", err)
	}

	return &Google{client: client}, nil
}

// Name implements llm.Provider.
func (p *Google) Name() string {
	return models.ProviderGoogle
}

// Complete implements llm.Provider by aggregating the stream.
func (p *Google) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collect(chunks, req.Model)
}

// Stream implements llm.Provider. Gemini delivers function calls whole, so
// no fragment accumulation is needed; call ids are synthesized because the
// API does not assign them.
func (p *Google) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	contents, err := convertGoogleMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	config := buildGoogleConfig(req)

	chunks := make(chan llm.Chunk)
	go func() {
		defer close(chunks)

		var usage models.TokenUsage
		finish := models.FinishStop
		sawToolCalls := false

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				chunks <- llm.Chunk{
					Err:          fmt.Errorf("google stream: %w", err),
					IsComplete:   true,
					FinishReason: models.FinishError,
				}
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				usage.Input = int(resp.UsageMetadata.PromptTokenCount)
				usage.Output = int(resp.UsageMetadata.CandidatesTokenCount)
				usage.Total = int(resp.UsageMetadata.TotalTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil {
					continue
				}
				if candidate.FinishReason != "" {
					finish = mapGoogleFinish(string(candidate.FinishReason))
				}
				if candidate.Content == nil {
					continue
				}

				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						chunks <- llm.Chunk{Content: part.Text}
					}
					if part.FunctionCall != nil {
						args, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							args = []byte("{}")
						}
						chunks <- llm.Chunk{ToolCalls: []models.ToolCall{{
							ID:         googleCallID(part.FunctionCall.Name),
							Name:       part.FunctionCall.Name,
							Parameters: args,
							Timestamp:  time.Now().UTC(),
						}}}
						sawToolCalls = true
					}
				}
			}
		}

		if usage.Total == 0 {
			usage.Total = usage.Input + usage.Output
		}
		if sawToolCalls {
			finish = models.FinishToolCalls
		}
		chunks <- llm.Chunk{IsComplete: true, FinishReason: finish, Usage: &usage}
	}()

	return chunks, nil
}

func buildGoogleConfig(req *llm.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens) // #nosec G115 -- bounded above
	}
	if req.Temperature != nil {
		config.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}

	return config
}

// convertGoogleMessages maps the transcript onto Gemini contents. Tool
// results travel as user-role function responses; system messages are
// excluded because the prompt rides in SystemInstruction.
func convertGoogleMessages(messages []llm.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == llm.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Role == llm.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.Name,
					Response: response,
				},
			})
			result = append(result, content)
			continue
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Parameters, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

func convertGoogleTools(tools []llm.ToolSchema) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))

	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  googleSchema(schemaMap),
		})
	}

	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// googleSchema converts a JSON Schema map to Gemini's schema type. Only the
// subset Gemini understands is carried over.
func googleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = googleSchema(items)
	}

	return schema
}

func mapGoogleFinish(raw string) models.FinishReason {
	switch {
	case strings.Contains(raw, "MAX_TOKENS"):
		return models.FinishLength
	case raw == "SAFETY", raw == "RECITATION", raw == "BLOCKLIST",
		raw == "PROHIBITED_CONTENT", raw == "SPII":
		return models.FinishContentFilter
	}
	return models.FinishStop
}

// googleCallID synthesizes a call id; Gemini does not assign them.
func googleCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}
