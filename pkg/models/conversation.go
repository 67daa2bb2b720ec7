package models

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	// ConversationActive accepts new turns.
	ConversationActive ConversationStatus = "active"
	// ConversationClosed is finished but still visible to lookups.
	ConversationClosed ConversationStatus = "closed"
	// ConversationArchived is terminal; archived rows may be purged.
	ConversationArchived ConversationStatus = "archived"
)

// Conversation groups the messages exchanged with one external user on one
// channel, optionally pinned to a flow. At most one conversation exists per
// (channel_type, channel_user_id, flow_id) tuple.
type Conversation struct {
	// ID is the opaque unique identifier.
	ID string `json:"id"`

	// ChannelType is the transport this conversation lives on.
	ChannelType ChannelType `json:"channel_type"`

	// ChannelUserID is the normalized external user identity.
	ChannelUserID string `json:"channel_user_id"`

	// FlowID pins the conversation to a flow. Empty means unpinned; the
	// router falls through to hint and rule resolution.
	FlowID string `json:"flow_id,omitempty"`

	// Status is the lifecycle state.
	Status ConversationStatus `json:"status"`

	// Metadata is a free-form bag. The external_context key holds
	// per-namespace integration envelopes.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the conversation was opened.
	CreatedAt time.Time `json:"created_at"`

	// LastActivity advances on every persisted message.
	LastActivity time.Time `json:"last_activity"`
}

// ExternalContextKey is the metadata key holding integration envelopes,
// namespaced by the upstream system.
const ExternalContextKey = "external_context"

// ExternalContext is one namespace's integration envelope as upserted through
// the integrations API and merged into the session before each LLM call.
type ExternalContext struct {
	// Namespace identifies the upstream system (e.g. a CRM).
	Namespace string `json:"namespace"`

	// CaseID is the upstream case or ticket reference.
	CaseID string `json:"caseId,omitempty"`

	// Refs are arbitrary upstream identifiers.
	Refs map[string]any `json:"refs,omitempty"`

	// Seed is free-form context text or structure injected into prompts.
	Seed map[string]any `json:"seed,omitempty"`

	// Routing carries the optional flow hint consulted by the router.
	Routing *ExternalRouting `json:"routing,omitempty"`
}

// ExternalRouting is the routing hint inside an external-context envelope.
type ExternalRouting struct {
	// FlowID names the flow this conversation should be served by.
	FlowID string `json:"flowId,omitempty"`
}

// ExternalContextOf extracts the per-namespace envelopes from conversation
// metadata. The second return is false when no envelope is present.
func ExternalContextOf(metadata map[string]any) (map[string]any, bool) {
	if metadata == nil {
		return nil, false
	}
	raw, ok := metadata[ExternalContextKey]
	if !ok {
		return nil, false
	}
	byNS, ok := raw.(map[string]any)
	if !ok || len(byNS) == 0 {
		return nil, false
	}
	return byNS, true
}
