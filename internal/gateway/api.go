package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/solvia-ai/relay/internal/auth"
	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/pkg/models"
)

// handleSendMessage is direct API ingress: a message injected on behalf
// of a user without a provider webhook. Same contract as a webhook,
// including the ack-then-process split.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizeSend(r); err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body struct {
		ChannelType models.ChannelType `json:"channelType"`
		UserID      string             `json:"userId"`
		Content     string             `json:"content"`
		Metadata    map[string]any     `json:"metadata"`
	}
	if err := decodeBody(r, maxWebhookBody, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch {
	case !body.ChannelType.Valid():
		respondError(w, http.StatusBadRequest, "unknown channelType")
		return
	case body.UserID == "":
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	case body.Content == "":
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := &models.NormalizedMessage{
		ChannelType: body.ChannelType,
		UserID:      channels.NormalizeUserID(body.UserID),
		Content:     body.Content,
		Timestamp:   time.Now(),
		Metadata:    body.Metadata,
	}
	s.identifyChannelConfig(r.Context(), msg)

	respondJSON(w, http.StatusOK, &apiResponse{Success: true, Processing: true})
	s.spawnTurn(msg)
}

// handleWebchatAuth exchanges a widget key for a signed bearer token the
// widget presents on the WebSocket.
func (s *Server) handleWebchatAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID    string `json:"userId"`
		WidgetKey string `json:"widgetKey"`
		FlowID    string `json:"flowId"`
	}
	if err := decodeBody(r, maxWebhookBody, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.WidgetKey == "" {
		respondError(w, http.StatusBadRequest, "widgetKey is required")
		return
	}

	cfg, err := s.widgetConfig(r.Context(), body.WidgetKey)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown widget key")
		return
	}

	userID := body.UserID
	if userID == "" {
		userID = uuid.NewString()
	}

	token, err := s.auth.IssueWebchatToken(userID, cfg.ID, body.FlowID)
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			respondError(w, http.StatusServiceUnavailable, "webchat auth not configured")
			return
		}
		s.logger.Error("webchat token issue failed", "error", err)
		respondError(w, http.StatusInternalServerError, "token issue failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"userId":    userID,
		"websiteId": cfg.ID,
		"expiresIn": int(s.cfg.Auth.TokenExpiry.Seconds()),
	})
}

// handleWidgetConfig serves the public render config the embedded widget
// bootstraps from.
func (s *Server) handleWidgetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.widgetConfig(r.Context(), r.PathValue("widgetKey"))
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown widget key")
		return
	}

	resp := map[string]any{
		"widgetKey": cfg.Credential(models.CredWidgetKey),
		"websiteId": cfg.ID,
		"name":      cfg.Name,
	}
	if len(cfg.Settings) > 0 {
		resp["settings"] = cfg.Settings
	}

	if bindings, err := s.store.ListBindingsForChannel(r.Context(), cfg.ID); err == nil && len(bindings) > 0 {
		resp["flowId"] = bindings[0].FlowID
		if greeting, ok := s.flowGreeting(r.Context(), bindings[0].FlowID); ok {
			resp["greeting"] = greeting
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleAgentPublic serves the public slice of a flow: the fields a
// customer site may render without credentials.
func (s *Server) handleAgentPublic(w http.ResponseWriter, r *http.Request) {
	flow, err := s.store.GetFlow(r.Context(), r.PathValue("agentId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.logger.Error("agent lookup failed", "error", err)
		respondError(w, http.StatusInternalServerError, "agent lookup failed")
		return
	}
	if !flow.Active {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}

	channelIDs := []string{}
	if bindings, err := s.store.ListFlowChannelBindings(r.Context(), flow.ID); err == nil {
		for _, b := range bindings {
			channelIDs = append(channelIDs, b.ChannelConfigID)
		}
	}

	resp := map[string]any{
		"id":       flow.ID,
		"name":     flow.Name,
		"channels": channelIDs,
	}
	if flow.Greeting != "" {
		resp["greeting"] = flow.Greeting
	}
	respondJSON(w, http.StatusOK, resp)
}

// widgetConfig resolves an active webchat channel config by widget key.
func (s *Server) widgetConfig(ctx context.Context, widgetKey string) (*models.ChannelConfig, error) {
	if widgetKey == "" {
		return nil, store.ErrNotFound
	}
	configs, err := s.store.ListActiveChannelConfigs(ctx, models.ChannelWebchat)
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if cfg.Credential(models.CredWidgetKey) == widgetKey {
			return cfg, nil
		}
	}
	return nil, store.ErrNotFound
}

// handleHealth reports component reachability. The endpoint always
// answers 200; the status field carries the truth so load balancers do
// not evict an instance that can still serve degraded traffic.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := map[string]string{
		"api":       "up",
		"database":  "up",
		"redis":     "up",
		"mcpServer": "up",
	}
	status := "ok"
	mark := func(name string, err error) {
		if err != nil {
			components[name] = "down"
			status = "degraded"
		}
	}

	mark("database", s.store.Ping(ctx))
	if s.redisPing != nil {
		mark("redis", s.redisPing(ctx))
	}
	if s.contextPing != nil {
		mark("mcpServer", s.contextPing(ctx))
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"components": components,
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
	})
}
