package models

import (
	"encoding/json"
	"time"
)

// ToolKind selects the execution variant for a tool definition.
type ToolKind string

const (
	// ToolKindCode is an in-process handler function keyed by name.
	ToolKindCode ToolKind = "code"
	// ToolKindEmail is a declarative SMTP send.
	ToolKindEmail ToolKind = "email"
	// ToolKindSQL is a declarative query against a configured database.
	ToolKindSQL ToolKind = "sql"
	// ToolKindREST is a declarative HTTP call.
	ToolKindREST ToolKind = "rest"
)

// ExecutionStatus is the outcome of one tool invocation.
type ExecutionStatus string

const (
	// ExecutionPending is recorded before dispatch.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionSuccess completed and returned a result.
	ExecutionSuccess ExecutionStatus = "success"
	// ExecutionError failed with a tool or validation error.
	ExecutionError ExecutionStatus = "error"
	// ExecutionTimeout exceeded the tool deadline.
	ExecutionTimeout ExecutionStatus = "timeout"
)

// NormalizeExecutionStatus maps legacy status spellings onto the canonical
// set before persistence. The historical value "failed" stores as "error".
func NormalizeExecutionStatus(s string) ExecutionStatus {
	switch ExecutionStatus(s) {
	case ExecutionPending, ExecutionSuccess, ExecutionError, ExecutionTimeout:
		return ExecutionStatus(s)
	}
	if s == "failed" {
		return ExecutionError
	}
	return ExecutionError
}

// ToolDefinition describes a tool the LLM may invoke.
type ToolDefinition struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// Name is the unique invocation name exposed to the model.
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description"`

	// Parameters is a JSON-schema object validating the arguments.
	Parameters json.RawMessage `json:"parameters"`

	// Kind selects the execution variant.
	Kind ToolKind `json:"kind"`

	// Spec is the declarative body for email/sql/rest kinds: SMTP
	// envelope template, database target and query shape, or HTTP call
	// description. Empty for code tools.
	Spec json.RawMessage `json:"spec,omitempty"`

	// Permissions gate dispatch.
	Permissions ToolPermissions `json:"permissions"`

	// Active gates the tool without deleting execution history.
	Active bool `json:"active"`

	// CreatedAt is when the tool was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the definition last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolPermissions gate tool dispatch per channel and call rate.
type ToolPermissions struct {
	// Channels whitelists transports allowed to trigger the tool. Empty
	// means all channels.
	Channels []ChannelType `json:"channels,omitempty"`

	// RateLimit bounds invocations per window. Nil means unlimited.
	RateLimit *ToolRateLimit `json:"rate_limit,omitempty"`
}

// ToolRateLimit is a fixed-window invocation budget.
type ToolRateLimit struct {
	// Requests is the number of invocations allowed per window.
	Requests int `json:"requests"`

	// WindowSeconds is the window length.
	WindowSeconds int `json:"window_seconds"`
}

// Allows reports whether the permissions admit a call from the channel.
func (p ToolPermissions) Allows(channel ChannelType) bool {
	if len(p.Channels) == 0 {
		return true
	}
	for _, c := range p.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// ToolExecution is the persisted record of one tool invocation.
type ToolExecution struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// MessageID backlinks to the assistant message whose turn ran the
	// tool. Set when the turn persists.
	MessageID string `json:"message_id,omitempty"`

	// ConversationID scopes the execution.
	ConversationID string `json:"conversation_id"`

	// ToolName is the invoked tool.
	ToolName string `json:"tool_name"`

	// Parameters is the validated argument JSON.
	Parameters json.RawMessage `json:"parameters"`

	// Result is the tool output, empty on failure.
	Result string `json:"result,omitempty"`

	// Status is the canonical outcome.
	Status ExecutionStatus `json:"status"`

	// Error holds the failure detail when Status is error or timeout.
	Error string `json:"error,omitempty"`

	// ExecutionTimeMS is the elapsed wall time.
	ExecutionTimeMS int64 `json:"execution_time_ms"`

	// CreatedAt is when the invocation started.
	CreatedAt time.Time `json:"created_at"`
}
