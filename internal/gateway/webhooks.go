package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/channels/email"
	"github.com/solvia-ai/relay/internal/channels/whatsapp"
	"github.com/solvia-ai/relay/internal/observability"
	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/pkg/models"
)

// handleWhatsAppVerify answers the Meta/360dialog subscription handshake:
// a GET carrying hub.mode, hub.verify_token, and hub.challenge. A matching
// token echoes the challenge back as plain text; anything else is 403.
func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	configured := s.cfg.Channels.WhatsApp.VerifyToken
	if mode != "subscribe" || configured == "" || token != configured {
		s.logger.Warn("whatsapp webhook verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, challenge)
}

// webhookHandler binds the shared ingress path to a fixed channel type.
func (s *Server) webhookHandler(channel models.ChannelType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.ingestWebhook(w, r, channel)
	}
}

// handleChannelWebhook serves the wildcard route for channels without a
// dedicated path.
func (s *Server) handleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	channel := models.ChannelType(r.PathValue("channel"))
	if !channel.Valid() {
		respondError(w, http.StatusNotFound, "unknown channel")
		return
	}
	s.ingestWebhook(w, r, channel)
}

// ingestWebhook is the synchronous half of message ingress: classify the
// payload, identify the channel instance, suppress duplicates, and ack.
// The ack is written before the turn goroutine spawns; nothing after the
// ack may touch the ResponseWriter.
func (s *Server) ingestWebhook(w http.ResponseWriter, r *http.Request, channel models.ChannelType) {
	body, err := readWebhookBody(w, r)
	if err != nil {
		s.metrics.RecordWebhook(channel, observability.WebhookError)
		s.logger.Error("webhook body read failed", "channel", channel, "error", err)
		respondError(w, http.StatusInternalServerError, "read body")
		return
	}

	adapter, err := s.registry.Get(channel)
	if err != nil {
		respondError(w, http.StatusNotFound, "channel not enabled")
		return
	}

	msg, err := adapter.HandleWebhook(body)
	switch {
	case errors.Is(err, channels.ErrUnrecognizedPayload):
		// Providers ship payload shapes we do not handle yet. Ack so
		// they stop redelivering.
		s.metrics.RecordWebhook(channel, observability.WebhookIgnored)
		s.logger.Debug("unrecognized webhook payload", "channel", channel)
		respondJSON(w, http.StatusOK, &apiResponse{Success: true})
		return
	case err != nil:
		s.metrics.RecordWebhook(channel, observability.WebhookError)
		s.logger.Error("webhook normalization failed", "channel", channel, "error", err)
		respondError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	case msg == nil:
		// Status update or an echo of our own send. Routine traffic,
		// not worth a log line.
		s.metrics.RecordWebhook(channel, observability.WebhookStatus)
		respondJSON(w, http.StatusOK, &apiResponse{Success: true})
		return
	}

	s.identifyChannelConfig(r.Context(), msg)

	if s.isDuplicate(r.Context(), msg) {
		s.metrics.RecordWebhook(channel, observability.WebhookDuplicate)
		s.logger.Info("duplicate webhook suppressed",
			"channel", channel, "original_message_id", msg.OriginalMessageID)
		respondJSON(w, http.StatusOK, &apiResponse{Success: true, Duplicate: true})
		return
	}

	s.metrics.RecordWebhook(channel, observability.WebhookProcessing)
	respondJSON(w, http.StatusOK, &apiResponse{Success: true, Processing: true})
	s.spawnTurn(msg)
}

// readWebhookBody drains the request body, converting form-encoded
// payloads (Twilio) to the JSON object form the adapters expect.
func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	if ct := r.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		form := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				form[k] = v[0]
			}
		}
		return json.Marshal(form)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// identifyChannelConfig resolves which channel instance received the
// message. WhatsApp payloads carry provider hints matched against the
// active configs; email matches the recipient mailbox; otherwise a
// single active config is taken as the instance. Identification is best
// effort: an empty ChannelConfigID routes on channel type alone.
func (s *Server) identifyChannelConfig(ctx context.Context, msg *models.NormalizedMessage) {
	if msg.ChannelConfigID != "" {
		return
	}

	configs, err := s.store.ListActiveChannelConfigs(ctx, msg.ChannelType)
	if err != nil {
		s.logger.Warn("channel config lookup failed, routing on channel type alone",
			"channel", msg.ChannelType, "error", err)
		return
	}
	if len(configs) == 0 {
		return
	}

	switch msg.ChannelType {
	case models.ChannelWhatsApp:
		if cfg := whatsapp.IdentifyChannel(msg, configs); cfg != nil {
			msg.ChannelConfigID = cfg.ID
		}
	case models.ChannelEmail:
		if to, _ := msg.Metadata["to"].(string); to != "" {
			for _, cfg := range configs {
				if strings.EqualFold(cfg.Credential(email.CredFromAddress), to) {
					msg.ChannelConfigID = cfg.ID
					return
				}
			}
		}
		if len(configs) == 1 {
			msg.ChannelConfigID = configs[0].ID
		}
	default:
		if len(configs) == 1 {
			msg.ChannelConfigID = configs[0].ID
		}
	}
}

// isDuplicate reports whether this provider message id was already
// ingested. The TTL cache catches rapid redeliveries; the store check
// catches redeliveries across restarts. A failed store lookup degrades
// suppression to the cache rather than failing the webhook.
func (s *Server) isDuplicate(ctx context.Context, msg *models.NormalizedMessage) bool {
	if msg.OriginalMessageID == "" {
		return false
	}

	key := string(msg.ChannelType) + "|" + msg.OriginalMessageID
	if s.dedupe.Seen(key) {
		return true
	}

	prior, err := s.store.FindUserMessageByOriginalID(ctx, msg.OriginalMessageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("dedupe lookup failed", "error", err)
		}
		return false
	}
	return prior != nil
}
