package models

import (
	"encoding/json"
	"time"
)

// Flow is an agent configuration: the prompt, model binding, tool set, and
// routing rules that govern a conversation turn.
type Flow struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// Name is the human-readable flow name.
	Name string `json:"name"`

	// LLMConfigID references the model configuration serving this flow.
	LLMConfigID string `json:"llm_config_id"`

	// Tools are the names of tools enabled for this flow.
	Tools []string `json:"tools,omitempty"`

	// Config holds the prompt and conversation-graph definition.
	Config FlowConfig `json:"config"`

	// Routing are the declarative match rules, nil when the flow is only
	// reachable by pinning or external hint.
	Routing *RoutingRules `json:"routing,omitempty"`

	// Priority orders rule evaluation; lower values are tried first.
	Priority int `json:"priority"`

	// Active gates the flow in and out of routing without deletion.
	Active bool `json:"active"`

	// Greeting is the opening message sent to webchat users with no prior
	// history. Empty disables the greeting.
	Greeting string `json:"greeting,omitempty"`

	// CreatedAt is when the flow was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the flow was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowConfig is the prompt and graph definition for a flow.
type FlowConfig struct {
	// SystemPrompt is the source-of-truth instruction text. Downstream
	// layers append to a copy, never to this field.
	SystemPrompt string `json:"system_prompt"`

	// Graph is the optional conversation-graph JSON consumed by builders.
	Graph json.RawMessage `json:"graph,omitempty"`

	// Temperature overrides the LLM config when non-nil.
	Temperature *float32 `json:"temperature,omitempty"`

	// MaxTokens overrides the LLM config when non-zero.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// RoutingRules are the declarative conditions a message must satisfy for the
// flow to claim it. All populated conditions must hold.
type RoutingRules struct {
	// ChannelTypes restricts matching to these transports.
	ChannelTypes []ChannelType `json:"channel_types,omitempty"`

	// PhonePatterns are regular expressions matched against the
	// normalized user id.
	PhonePatterns []string `json:"phone_patterns,omitempty"`

	// BotUsernames match the receiving bot identity (telegram).
	BotUsernames []string `json:"bot_usernames,omitempty"`

	// TimeWindows restrict matching to time-of-day ranges.
	TimeWindows []TimeWindow `json:"time_windows,omitempty"`

	// Metadata requires exact-match values in the message metadata.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TimeWindow is a daily time-of-day range in a named timezone.
type TimeWindow struct {
	// Start is the inclusive opening time, "HH:MM" 24-hour clock.
	Start string `json:"start"`

	// End is the exclusive closing time, "HH:MM". A window with End
	// before Start wraps past midnight.
	End string `json:"end"`

	// Timezone is the IANA zone name the clock times are read in.
	Timezone string `json:"timezone"`
}

// FlowChannelBinding links a flow to a channel configuration. A flow is only
// reachable from channels it is bound to.
type FlowChannelBinding struct {
	// FlowID is the bound flow.
	FlowID string `json:"flow_id"`

	// ChannelConfigID is the bound channel instance.
	ChannelConfigID string `json:"channel_config_id"`

	// Priority ranks bindings when several channels could serve a flow;
	// lower wins after exact channel_config_id matches.
	Priority int `json:"priority"`
}

// FlowKnowledgeBinding links a flow to a knowledge base with per-link
// retrieval settings.
type FlowKnowledgeBinding struct {
	// FlowID is the bound flow.
	FlowID string `json:"flow_id"`

	// KnowledgeBaseID is the bound knowledge base.
	KnowledgeBaseID string `json:"knowledge_base_id"`

	// Priority orders KB blocks in the retrieval context; lower first.
	Priority int `json:"priority"`

	// SimilarityThreshold is the per-binding cosine floor. Zero means the
	// default (0.70).
	SimilarityThreshold float32 `json:"similarity_threshold,omitempty"`

	// MaxResults caps candidates per KB. Zero means the default (5).
	MaxResults int `json:"max_results,omitempty"`
}
