// Package orchestrator executes one conversational turn end to end: it
// composes the system prompt from the routed flow, retrieved knowledge, and
// external context, drives the LLM with a bounded tool sub-loop, and persists
// the exchange. The caller hands the reply to the send queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solvia-ai/relay/internal/flows"
	"github.com/solvia-ai/relay/internal/llm"
	"github.com/solvia-ai/relay/internal/rag"
	"github.com/solvia-ai/relay/internal/sessions"
	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/internal/tools"
	"github.com/solvia-ai/relay/pkg/models"
)

// defaultMaxToolRounds bounds how many times a turn may loop back into the
// model after executing tools.
const defaultMaxToolRounds = 10

// errorReply is sent to the user when a turn cannot complete.
const errorReply = "I'm sorry, I ran into a problem handling your message. Please try again in a moment."

// ErrToolLoopExceeded means the model kept requesting tools past the round
// bound.
var ErrToolLoopExceeded = errors.New("tool execution loop exceeded bound")

// Persister is the slice of the store a turn writes through.
type Persister interface {
	InsertMessage(ctx context.Context, msg *models.Message) error
	LinkToolExecutions(ctx context.Context, executionIDs []string, messageID string) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	InsertAnalyticsEvent(ctx context.Context, ev store.AnalyticsEvent) error
}

// Completer is the LLM gateway surface the orchestrator drives.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Result, error)
}

// ToolExecutor dispatches tool calls and describes the tools a flow enables.
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall, inv tools.Invocation) *models.ToolExecution
	Definitions(names []string) []*models.ToolDefinition
}

// Retriever produces the knowledge context block for a query.
type Retriever interface {
	Retrieve(ctx context.Context, flowID, query string, subset []string) (*rag.Result, error)
}

// ProcessingResult is the outcome of one turn.
type ProcessingResult struct {
	// Reply is the assistant text to dispatch back to the user.
	Reply string

	// ConversationID is the conversation the turn ran in.
	ConversationID string

	// MessageID is the persisted assistant message id.
	MessageID string

	// Usage is the accumulated token accounting across all completion
	// calls in the turn.
	Usage models.TokenUsage

	// Cost is the accumulated spend in USD.
	Cost float64

	// Provider and Model identify the backend that served the final
	// completion. Empty on aborted turns.
	Provider string
	Model    string

	// ToolExecutions are the executions the turn ran, in order.
	ToolExecutions []*models.ToolExecution

	// ProcessingTime is the wall time of the turn.
	ProcessingTime time.Duration

	// Metadata carries flow and finish-reason details.
	Metadata map[string]any
}

// Options configures an Orchestrator.
type Options struct {
	// Sessions is the context manager. Required.
	Sessions *sessions.Manager

	// Store persists messages, executions, and analytics. Required.
	Store Persister

	// Gateway serves completions. Required.
	Gateway Completer

	// Tools dispatches tool calls. Nil disables tool use.
	Tools ToolExecutor

	// RAG retrieves knowledge context. Nil disables retrieval.
	RAG Retriever

	// MaxToolRounds bounds the tool sub-loop. Defaults to 10.
	MaxToolRounds int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = defaultMaxToolRounds
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Orchestrator runs turns. Safe for concurrent use; per-user ordering comes
// from the session manager's turn lock.
type Orchestrator struct {
	sessions      *sessions.Manager
	store         Persister
	gateway       Completer
	tools         ToolExecutor
	rag           Retriever
	maxToolRounds int
	logger        *slog.Logger
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	opts.applyDefaults()
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("orchestrator: session manager is required")
	case opts.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case opts.Gateway == nil:
		return nil, errors.New("orchestrator: llm gateway is required")
	}
	return &Orchestrator{
		sessions:      opts.Sessions,
		store:         opts.Store,
		gateway:       opts.Gateway,
		tools:         opts.Tools,
		rag:           opts.RAG,
		maxToolRounds: opts.MaxToolRounds,
		logger:        opts.Logger.With("component", "orchestrator"),
	}, nil
}

// ProcessMessage runs one turn for an inbound message. The route may be nil
// when no flow claimed the message; the turn then runs with an empty system
// prompt and no tools.
//
// On fatal failures the returned result still carries a user-facing error
// reply alongside the non-nil error, so ingress can always dispatch
// something.
func (o *Orchestrator) ProcessMessage(ctx context.Context, msg *models.NormalizedMessage, route *flows.Route, conv *models.Conversation) (*ProcessingResult, error) {
	start := time.Now()
	if msg == nil || conv == nil || conv.ID == "" {
		return nil, errors.New("orchestrator: message and conversation are required")
	}

	session, release, err := o.sessions.Acquire(ctx, conv)
	if err != nil {
		return o.fatal(ctx, nil, msg, conv, start, nil, fmt.Errorf("acquire session: %w", err))
	}
	defer release()

	userMsg := newUserMessage(msg, conv)
	req := o.buildRequest(ctx, session, msg, route)

	var (
		usage      models.TokenUsage
		cost       float64
		executions []*models.ToolExecution
		final      *llm.Result
	)

	for round := 0; ; round++ {
		result, err := o.gateway.Complete(ctx, req)
		if err != nil {
			return o.fatal(ctx, session, msg, conv, start, userMsg, fmt.Errorf("completion: %w", err))
		}
		usage.Add(result.Response.Usage)
		cost += result.Cost

		if o.tools == nil || len(result.Response.ToolCalls) == 0 {
			final = result
			break
		}
		if round >= o.maxToolRounds {
			return o.fatal(ctx, session, msg, conv, start, userMsg,
				fmt.Errorf("%w (%d rounds)", ErrToolLoopExceeded, o.maxToolRounds))
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   result.Response.Content,
			ToolCalls: result.Response.ToolCalls,
		})
		for _, call := range result.Response.ToolCalls {
			exec := o.tools.Execute(ctx, call, tools.Invocation{
				ConversationID: conv.ID,
				CallID:         call.ID,
				Channel:        conv.ChannelType,
			})
			executions = append(executions, exec)
			req.Messages = append(req.Messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    toolResultContent(exec),
			})
		}
	}

	assistantMsg := o.newAssistantMessage(final, conv, route, usage, cost)
	o.persistTurn(ctx, session, conv, userMsg, assistantMsg, executions)
	o.emitProcessed(ctx, conv, route, final, usage, cost, len(executions), time.Since(start))

	return &ProcessingResult{
		Reply:          final.Response.Content,
		ConversationID: conv.ID,
		MessageID:      assistantMsg.ID,
		Usage:          usage,
		Cost:           cost,
		Provider:       assistantMsg.Provider,
		Model:          assistantMsg.Model,
		ToolExecutions: executions,
		ProcessingTime: time.Since(start),
		Metadata:       assistantMsg.Metadata,
	}, nil
}

// buildRequest composes the completion request: flow prompt, retrieval
// block, external-context block, history, and the current user message.
func (o *Orchestrator) buildRequest(ctx context.Context, session *sessions.Session, msg *models.NormalizedMessage, route *flows.Route) *llm.Request {
	req := &llm.Request{}

	var blocks []string
	if route != nil {
		if route.SystemPrompt != "" {
			blocks = append(blocks, route.SystemPrompt)
		}
		req.PreferConfigID = route.LLMConfigID
		req.Temperature = route.Flow.Config.Temperature
		req.MaxTokens = route.Flow.Config.MaxTokens
		req.Tools = o.toolSchemas(route.Tools)

		if o.rag != nil {
			res, err := o.rag.Retrieve(ctx, route.Flow.ID, msg.Content, nil)
			switch {
			case err != nil:
				// Retrieval never fails the turn.
				o.logger.Warn("knowledge retrieval failed, continuing without context",
					"flow_id", route.Flow.ID, "error", err)
			case res.Context != "":
				blocks = append(blocks, res.Context)
			}
		}
	}
	if block := session.ExternalContextBlock(); block != "" {
		blocks = append(blocks, block)
	}
	req.System = strings.Join(blocks, "\n\n")

	req.Messages = make([]llm.Message, 0, len(session.History)+1)
	for _, m := range session.History {
		req.Messages = append(req.Messages, llm.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: msg.Content})
	return req
}

func (o *Orchestrator) toolSchemas(names []string) []llm.ToolSchema {
	if o.tools == nil || len(names) == 0 {
		return nil
	}
	defs := o.tools.Definitions(names)
	schemas := make([]llm.ToolSchema, 0, len(defs))
	for _, def := range defs {
		schemas = append(schemas, llm.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return schemas
}

func newUserMessage(msg *models.NormalizedMessage, conv *models.Conversation) *models.Message {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &models.Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		Role:              models.RoleUser,
		Content:           msg.Content,
		Timestamp:         ts,
		OriginalMessageID: msg.OriginalMessageID,
		Metadata:          msg.Metadata,
	}
}

func (o *Orchestrator) newAssistantMessage(final *llm.Result, conv *models.Conversation, route *flows.Route, usage models.TokenUsage, cost float64) *models.Message {
	meta := map[string]any{
		"finish_reason": string(final.Response.FinishReason),
	}
	if route != nil {
		meta["flow_id"] = route.Flow.ID
		meta["route_source"] = string(route.Source)
	}

	model := final.Response.Model
	if model == "" {
		model = final.Config.Model
	}
	return &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        final.Response.Content,
		Timestamp:      time.Now(),
		Provider:       final.Config.Provider,
		Model:          model,
		TokensIn:       usage.Input,
		TokensOut:      usage.Output,
		Cost:           cost,
		Metadata:       meta,
	}
}

// persistTurn writes the exchange through to the store and the session.
// Failures here are logged, not returned: the reply is already composed and
// the user should receive it.
func (o *Orchestrator) persistTurn(ctx context.Context, session *sessions.Session, conv *models.Conversation, userMsg, assistantMsg *models.Message, executions []*models.ToolExecution) {
	if err := o.store.InsertMessage(ctx, userMsg); err != nil {
		o.logger.Error("persist user message failed", "conversation_id", conv.ID, "error", err)
	}
	if err := o.store.InsertMessage(ctx, assistantMsg); err != nil {
		o.logger.Error("persist assistant message failed", "conversation_id", conv.ID, "error", err)
	}

	if len(executions) > 0 {
		ids := make([]string, 0, len(executions))
		for _, exec := range executions {
			exec.MessageID = assistantMsg.ID
			ids = append(ids, exec.ID)
		}
		if err := o.store.LinkToolExecutions(ctx, ids, assistantMsg.ID); err != nil {
			o.logger.Error("link tool executions failed", "message_id", assistantMsg.ID, "error", err)
		}
	}

	if err := o.store.TouchConversation(ctx, conv.ID, assistantMsg.Timestamp); err != nil {
		o.logger.Warn("touch conversation failed", "conversation_id", conv.ID, "error", err)
	}

	if session != nil {
		o.sessions.Append(ctx, session, userMsg)
		o.sessions.Append(ctx, session, assistantMsg)
		if len(executions) > 0 {
			o.sessions.RecordExecutions(ctx, session, executions...)
		}
	}
}

func (o *Orchestrator) emitProcessed(ctx context.Context, conv *models.Conversation, route *flows.Route, final *llm.Result, usage models.TokenUsage, cost float64, toolCount int, elapsed time.Duration) {
	props := map[string]any{
		"processing_time_ms": elapsed.Milliseconds(),
		"tokens_in":          usage.Input,
		"tokens_out":         usage.Output,
		"cost":               cost,
		"tool_executions":    toolCount,
		"provider":           final.Config.Provider,
		"model":              final.Config.Model,
		"finish_reason":      string(final.Response.FinishReason),
	}
	if route != nil {
		props["flow_id"] = route.Flow.ID
	}

	err := o.store.InsertAnalyticsEvent(ctx, store.AnalyticsEvent{
		Event:          "message_processed",
		ConversationID: conv.ID,
		ChannelType:    string(conv.ChannelType),
		Properties:     props,
	})
	if err != nil {
		o.logger.Debug("analytics event failed", "conversation_id", conv.ID, "error", err)
	}
}

// fatal aborts a turn. The user message and an apology reply are still
// persisted best-effort so history reflects what the user saw.
func (o *Orchestrator) fatal(ctx context.Context, session *sessions.Session, msg *models.NormalizedMessage, conv *models.Conversation, start time.Time, userMsg *models.Message, cause error) (*ProcessingResult, error) {
	o.logger.Error("turn aborted",
		"conversation_id", conv.ID,
		"channel", string(conv.ChannelType),
		"error", cause)

	if userMsg == nil {
		userMsg = newUserMessage(msg, conv)
	}
	apology := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        errorReply,
		Timestamp:      time.Now(),
		Metadata:       map[string]any{"error": cause.Error()},
	}
	o.persistTurn(ctx, session, conv, userMsg, apology, nil)

	return &ProcessingResult{
		Reply:          errorReply,
		ConversationID: conv.ID,
		MessageID:      apology.ID,
		ProcessingTime: time.Since(start),
		Metadata:       map[string]any{"error": cause.Error()},
	}, cause
}

// toolResultContent is what the model sees for an executed tool call.
func toolResultContent(exec *models.ToolExecution) string {
	if exec.Status == models.ExecutionSuccess {
		return exec.Result
	}
	raw, err := json.Marshal(map[string]string{"error": exec.Error})
	if err != nil {
		return `{"error": "tool execution failed"}`
	}
	return string(raw)
}
