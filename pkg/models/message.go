// Package models defines the core data types shared across Relay.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the transport a message arrived on or departs through.
type ChannelType string

const (
	// ChannelWhatsApp covers all WhatsApp provider families (Cloud API,
	// Ultramsg, Twilio) behind a single adapter.
	ChannelWhatsApp ChannelType = "whatsapp"
	// ChannelTelegram is the Telegram Bot API transport.
	ChannelTelegram ChannelType = "telegram"
	// ChannelEmail is the SMTP/IMAP transport.
	ChannelEmail ChannelType = "email"
	// ChannelWebchat is the in-browser WebSocket widget.
	ChannelWebchat ChannelType = "webchat"
)

// Valid reports whether the channel type is one of the supported transports.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelTelegram, ChannelEmail, ChannelWebchat:
		return true
	}
	return false
}

// MessageRole describes who authored a message within a conversation.
type MessageRole string

const (
	// RoleUser marks a message received from the external user.
	RoleUser MessageRole = "user"
	// RoleAssistant marks a model-generated reply.
	RoleAssistant MessageRole = "assistant"
	// RoleSystem marks injected instructions (prompts, context blocks).
	RoleSystem MessageRole = "system"
)

// FinishReason is the canonical completion-termination cause. Provider-native
// reasons are mapped onto this set by the LLM gateway.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Message is one persisted entry in a conversation. Rows are append-only and
// never edited after insert.
type Message struct {
	// ID is the unique identifier for the message.
	ID string `json:"id"`

	// ConversationID links the message to its conversation.
	ConversationID string `json:"conversation_id"`

	// Role is who authored the message.
	Role MessageRole `json:"role"`

	// Content is the free-text body.
	Content string `json:"content"`

	// Timestamp orders messages within a conversation.
	Timestamp time.Time `json:"timestamp"`

	// OriginalMessageID is the provider-assigned id of the inbound message.
	// Set on user messages only; it is the deduplication key.
	OriginalMessageID string `json:"original_message_id,omitempty"`

	// Provider is the LLM provider that produced an assistant message.
	Provider string `json:"provider,omitempty"`

	// Model is the model that produced an assistant message.
	Model string `json:"model,omitempty"`

	// TokensIn is the prompt token count for assistant messages.
	TokensIn int `json:"tokens_in,omitempty"`

	// TokensOut is the completion token count for assistant messages.
	TokensOut int `json:"tokens_out,omitempty"`

	// Cost is the computed spend for assistant messages, in USD.
	Cost float64 `json:"cost,omitempty"`

	// Metadata carries auxiliary fields such as the flow reference.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NormalizedMessage is the channel-independent form every adapter produces
// from a webhook payload. It is the unit handed to the orchestrator.
type NormalizedMessage struct {
	// ChannelType is the transport the message arrived on.
	ChannelType ChannelType `json:"channel_type"`

	// ChannelConfigID is the identified channel instance, empty when
	// identification fell through to channel_type-only routing.
	ChannelConfigID string `json:"channel_config_id,omitempty"`

	// UserID is the normalized external user identity (phone digits,
	// telegram chat id, email address, widget user id).
	UserID string `json:"user_id"`

	// Content is the message text. Never nil: media without caption
	// normalizes to the empty string.
	Content string `json:"content"`

	// OriginalMessageID is the provider-assigned message id, used for
	// deduplication. Empty when the provider assigns none.
	OriginalMessageID string `json:"original_message_id,omitempty"`

	// ConversationID is set when the transport already knows the
	// conversation (webchat reconnects); otherwise resolved later.
	ConversationID string `json:"conversation_id,omitempty"`

	// Timestamp is the provider-reported receive time, or time of ingest.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries provider-specific extras (profile name, subject,
	// media descriptors) that downstream layers may consult.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolCall is the canonical form of a provider-native tool invocation
// request, as converted by the LLM gateway.
type ToolCall struct {
	// ID is the provider-assigned call id, echoed back in the result.
	ID string `json:"id"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Parameters is the raw JSON argument object.
	Parameters json.RawMessage `json:"parameters"`

	// Timestamp is when the call was observed.
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsage carries the token accounting for one completion.
type TokenUsage struct {
	// Input is the prompt token count.
	Input int `json:"input"`

	// Output is the completion token count.
	Output int `json:"output"`

	// Total is input plus output.
	Total int `json:"total"`
}

// Add accumulates another usage record, as when a tool loop makes several
// completion calls within one turn.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Total += other.Total
}
