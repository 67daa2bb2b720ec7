package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/pkg/models"
)

// errMissingAddress rejects integration calls that name neither a
// conversation nor a (channelType, userId) pair.
var errMissingAddress = errors.New("conversationId or channelType and userId are required")

// contextUpsertRequest is an external-context envelope plus the
// addressing that locates (or creates) the target conversation.
type contextUpsertRequest struct {
	Namespace      string                  `json:"namespace"`
	ChannelType    models.ChannelType      `json:"channelType"`
	UserID         string                  `json:"userId"`
	ConversationID string                  `json:"conversationId"`
	CaseID         string                  `json:"caseId"`
	Refs           map[string]any          `json:"refs"`
	Seed           map[string]any          `json:"seed"`
	Routing        *models.ExternalRouting `json:"routing"`
}

func (req *contextUpsertRequest) envelope() *models.ExternalContext {
	return &models.ExternalContext{
		Namespace: req.Namespace,
		CaseID:    req.CaseID,
		Refs:      req.Refs,
		Seed:      req.Seed,
		Routing:   req.Routing,
	}
}

// handleContextUpsert merges an upstream system's envelope into a
// conversation's external context. Applying the same envelope twice
// yields the same metadata.
func (s *Server) handleContextUpsert(w http.ResponseWriter, r *http.Request) {
	var req contextUpsertRequest
	if err := decodeBody(r, maxWebhookBody, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Namespace == "" {
		respondError(w, http.StatusBadRequest, "namespace is required")
		return
	}

	conv, err := s.upsertContext(r.Context(), &req)
	if err != nil {
		s.respondIntegrationError(w, "context upsert", err)
		return
	}

	if s.sessions != nil {
		s.sessions.Invalidate(r.Context(), conv.ChannelType, conv.ChannelUserID, conv.ID)
	}

	respondJSON(w, http.StatusOK, &apiResponse{
		Success: true,
		Data:    map[string]any{"conversationId": conv.ID},
	})
}

// handleOutboundSend is the combined upsert-and-send: persist an
// assistant message authored by the upstream system and queue its
// delivery. The Idempotency-Key header makes replays produce at most
// one job.
func (s *Server) handleOutboundSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		contextUpsertRequest
		Content string `json:"content"`
	}
	if err := decodeBody(r, maxWebhookBody, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && s.idempotency.Contains("outbound|"+idemKey, time.Now()) {
		respondJSON(w, http.StatusOK, &apiResponse{Success: true, Duplicate: true})
		return
	}

	ctx := r.Context()
	var (
		conv *models.Conversation
		err  error
	)
	if req.Namespace != "" {
		conv, err = s.upsertContext(ctx, &req.contextUpsertRequest)
	} else {
		conv, err = s.resolveIntegrationConversation(ctx, &req.contextUpsertRequest)
	}
	if err != nil {
		s.respondIntegrationError(w, "outbound send", err)
		return
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        req.Content,
		Timestamp:      time.Now(),
		Metadata:       map[string]any{"source": "integration"},
	}
	if req.Namespace != "" {
		msg.Metadata["namespace"] = req.Namespace
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		s.logger.Error("integration message persist failed",
			"conversation_id", conv.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "message persist failed")
		return
	}
	if err := s.store.TouchConversation(ctx, conv.ID, msg.Timestamp); err != nil {
		s.logger.Warn("conversation touch failed", "conversation_id", conv.ID, "error", err)
	}
	if s.sessions != nil {
		s.sessions.Invalidate(ctx, conv.ChannelType, conv.ChannelUserID, conv.ID)
	}

	if err := s.enqueueSend(ctx, &SendJob{
		ChannelType:     conv.ChannelType,
		ChannelConfigID: s.channelConfigFor(ctx, conv),
		UserID:          conv.ChannelUserID,
		Content:         req.Content,
		ConversationID:  conv.ID,
		MessageID:       msg.ID,
	}); err != nil {
		respondError(w, http.StatusServiceUnavailable, "delivery queue unavailable")
		return
	}

	// Recorded only after the job exists, so a failed attempt can be
	// retried under the same key.
	if idemKey != "" {
		s.idempotency.Seen("outbound|" + idemKey)
	}

	respondJSON(w, http.StatusOK, &apiResponse{
		Success: true,
		Data: map[string]any{
			"conversationId": conv.ID,
			"messageId":      msg.ID,
		},
	})
}

// upsertContext resolves the target conversation, merges the envelope
// into its metadata, and pins the hinted flow on unpinned conversations.
func (s *Server) upsertContext(ctx context.Context, req *contextUpsertRequest) (*models.Conversation, error) {
	conv, err := s.resolveIntegrationConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	conv.Metadata = mergeExternalContext(conv.Metadata, req.envelope())
	if err := s.store.UpdateConversationMetadata(ctx, conv.ID, conv.Metadata); err != nil {
		return nil, fmt.Errorf("update metadata: %w", err)
	}

	if req.Routing != nil && req.Routing.FlowID != "" && conv.FlowID == "" {
		if err := s.store.PinConversationFlow(ctx, conv.ID, req.Routing.FlowID); err != nil {
			s.logger.Warn("flow pin failed",
				"conversation_id", conv.ID, "flow_id", req.Routing.FlowID, "error", err)
		} else {
			conv.FlowID = req.Routing.FlowID
		}
	}
	return conv, nil
}

func (s *Server) resolveIntegrationConversation(ctx context.Context, req *contextUpsertRequest) (*models.Conversation, error) {
	if req.ConversationID != "" {
		return s.store.GetConversation(ctx, req.ConversationID)
	}
	if !req.ChannelType.Valid() || req.UserID == "" {
		return nil, errMissingAddress
	}

	flowID := ""
	if req.Routing != nil {
		flowID = req.Routing.FlowID
	}
	conv, _, err := s.store.GetOrCreateConversation(ctx, req.ChannelType,
		channels.NormalizeUserID(req.UserID), flowID)
	return conv, err
}

func (s *Server) respondIntegrationError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, errMissingAddress):
		respondError(w, http.StatusBadRequest, errMissingAddress.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "conversation not found")
	default:
		s.logger.Error(op+" failed", "error", err)
		respondError(w, http.StatusInternalServerError, op+" failed")
	}
}

// channelConfigFor picks the channel instance for an integration send:
// the conversation flow's binding on the same transport, when one
// exists. Empty falls back to the adapter default.
func (s *Server) channelConfigFor(ctx context.Context, conv *models.Conversation) string {
	if conv.FlowID == "" {
		return ""
	}
	bindings, err := s.store.ListFlowChannelBindings(ctx, conv.FlowID)
	if err != nil {
		return ""
	}
	for _, b := range bindings {
		cfg, err := s.store.GetChannelConfig(ctx, b.ChannelConfigID)
		if err == nil && cfg.ChannelType == conv.ChannelType && cfg.Active {
			return cfg.ID
		}
	}
	return ""
}

// mergeExternalContext folds one namespace's envelope into conversation
// metadata. Refs and seed merge key by key with the incoming value
// winning; caseId and routing are replaced when provided and kept
// otherwise.
func mergeExternalContext(metadata map[string]any, env *models.ExternalContext) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	byNS, _ := metadata[models.ExternalContextKey].(map[string]any)
	if byNS == nil {
		byNS = make(map[string]any)
	}
	current, _ := byNS[env.Namespace].(map[string]any)
	if current == nil {
		current = make(map[string]any)
	}

	current["namespace"] = env.Namespace
	if env.CaseID != "" {
		current["caseId"] = env.CaseID
	}
	if len(env.Refs) > 0 {
		refs, _ := current["refs"].(map[string]any)
		if refs == nil {
			refs = make(map[string]any, len(env.Refs))
		}
		for k, v := range env.Refs {
			refs[k] = v
		}
		current["refs"] = refs
	}
	if len(env.Seed) > 0 {
		seed, _ := current["seed"].(map[string]any)
		if seed == nil {
			seed = make(map[string]any, len(env.Seed))
		}
		for k, v := range env.Seed {
			seed[k] = v
		}
		current["seed"] = seed
	}
	if env.Routing != nil && env.Routing.FlowID != "" {
		current["routing"] = map[string]any{"flowId": env.Routing.FlowID}
	}

	byNS[env.Namespace] = current
	metadata[models.ExternalContextKey] = byNS
	return metadata
}
