package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/solvia-ai/relay/internal/flows"
	"github.com/solvia-ai/relay/internal/observability"
	"github.com/solvia-ai/relay/internal/orchestrator"
	"github.com/solvia-ai/relay/internal/queue"
	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/pkg/models"
)

// spawnTurn hands the message to a detached goroutine. The webhook is
// already acked; from here on failures report through logs and metrics
// only, never through the HTTP response.
func (s *Server) spawnTurn(msg *models.NormalizedMessage) {
	go s.runTurn(msg)
}

func (s *Server) runTurn(msg *models.NormalizedMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("turn panicked",
				"channel", msg.ChannelType, "user_id", msg.UserID, "panic", rec)
		}
	}()

	// The turn outlives the webhook request, so it runs under its own
	// deadline rather than the request context.
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	s.processTurn(ctx, msg)
}

// processTurn resolves the conversation and flow, runs the orchestrator,
// and dispatches the reply.
func (s *Server) processTurn(ctx context.Context, msg *models.NormalizedMessage) {
	conv, route, err := s.resolveConversation(ctx, msg)
	if err != nil {
		s.metrics.RecordTurn(msg.ChannelType, "error", 0)
		s.logger.Error("conversation resolution failed",
			"channel", msg.ChannelType, "user_id", msg.UserID, "error", err)
		return
	}

	result, err := s.orchestrator.ProcessMessage(ctx, msg, route, conv)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if result == nil {
		s.metrics.RecordTurn(msg.ChannelType, status, 0)
		s.logger.Error("turn produced no result",
			"conversation_id", conv.ID, "channel", msg.ChannelType, "error", err)
		return
	}

	s.metrics.RecordTurn(msg.ChannelType, status, result.ProcessingTime.Seconds())
	s.metrics.RecordLLMUsage(result.Provider, result.Model, status, result.Usage, result.Cost)
	for _, exec := range result.ToolExecutions {
		s.metrics.RecordToolExecution(exec.ToolName, string(exec.Status),
			float64(exec.ExecutionTimeMS)/1000)
	}

	// An aborted turn still carries the apology reply; it is dispatched
	// like any other so the user is not left hanging.
	if result.Reply == "" {
		return
	}
	s.dispatchReply(ctx, msg, conv, result)
}

// resolveConversation finds or creates the conversation for a message
// and resolves the flow that governs it. A message that names its
// conversation (webchat) stays in that thread. Otherwise the
// conversation key includes the flow id, so a rule-matched flow lands
// in its own thread and every later message finds that thread again
// through its pinned flow.
func (s *Server) resolveConversation(ctx context.Context, msg *models.NormalizedMessage) (*models.Conversation, *flows.Route, error) {
	if msg.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, msg.ConversationID)
		switch {
		case err == nil:
			return conv, s.resolveRoute(ctx, msg, conv), nil
		case errors.Is(err, store.ErrNotFound):
			// Stale client state; fall through to user-level lookup.
		default:
			return nil, nil, fmt.Errorf("load conversation: %w", err)
		}
	}

	var latest *models.Conversation
	conv, err := s.store.FindLatestConversation(ctx, msg.ChannelType, msg.UserID)
	switch {
	case err == nil:
		latest = conv
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, nil, fmt.Errorf("find conversation: %w", err)
	}

	route := s.resolveRoute(ctx, msg, latest)
	flowID := ""
	if route != nil {
		flowID = route.Flow.ID
	}
	if latest != nil && latest.FlowID == flowID {
		return latest, route, nil
	}

	conv, created, err := s.store.GetOrCreateConversation(ctx, msg.ChannelType, msg.UserID, flowID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		s.logger.Info("conversation started",
			"conversation_id", conv.ID, "channel", msg.ChannelType, "flow_id", flowID)
	}
	return conv, route, nil
}

// resolveRoute asks the router for the governing flow. Resolution
// failures degrade to flowless turns rather than aborting.
func (s *Server) resolveRoute(ctx context.Context, msg *models.NormalizedMessage, conv *models.Conversation) *flows.Route {
	route, err := s.router.Resolve(ctx, msg, conv)
	if err != nil {
		s.logger.Warn("flow resolution failed, proceeding without flow",
			"channel", msg.ChannelType, "error", err)
		return nil
	}
	return route
}

// dispatchReply hands the assistant reply to the outbound queue. The
// turn is already persisted; a delivery failure here loses the send but
// never the record of it.
func (s *Server) dispatchReply(ctx context.Context, msg *models.NormalizedMessage, conv *models.Conversation, result *orchestrator.ProcessingResult) {
	if msg.ChannelType == models.ChannelWhatsApp && !s.whatsappQueueEnabled() {
		s.logger.Error("CRITICAL: whatsapp queue disabled, reply not delivered",
			"conversation_id", conv.ID, "message_id", result.MessageID)
		return
	}

	s.enqueueSend(ctx, &SendJob{
		ChannelType:     msg.ChannelType,
		ChannelConfigID: msg.ChannelConfigID,
		UserID:          msg.UserID,
		Content:         result.Reply,
		ConversationID:  conv.ID,
		MessageID:       result.MessageID,
	})
}

func (s *Server) enqueueSend(ctx context.Context, job *SendJob) error {
	_, err := s.queue.Enqueue(ctx, OutboundQueue, JobSendMessage, job, queue.JobOptions{
		Attempts: s.cfg.Queue.Attempts,
		Backoff:  s.cfg.Queue.InitialBackoff,
	})
	if err != nil {
		s.logger.Error("CRITICAL: outbound enqueue failed, reply not delivered",
			"channel", job.ChannelType, "conversation_id", job.ConversationID, "error", err)
		return err
	}
	s.metrics.RecordOutbound(OutboundQueue, observability.OutboundEnqueued)
	return nil
}

func (s *Server) whatsappQueueEnabled() bool {
	uq := s.cfg.Channels.WhatsApp.UseQueue
	return uq == nil || *uq
}

// webchatSink receives messages the hub read off a socket. The hub
// already detached from the read loop, so the turn runs inline here,
// under the gateway's deadline and recovery. Socket messages are not
// webhooks: there is no provider redelivery, so no dedupe pass.
func (s *Server) webchatSink(_ context.Context, msg *models.NormalizedMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("turn panicked",
				"channel", msg.ChannelType, "user_id", msg.UserID, "panic", rec)
		}
	}()

	// Detached from the connection context: a socket drop mid-turn must
	// not cancel the completion, the reply waits in the queue for the
	// reconnect.
	turnCtx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	s.metrics.RecordWebhook(msg.ChannelType, observability.WebhookProcessing)
	s.processTurn(turnCtx, msg)
}

// webchatGreeting resolves the widget's opening message. Returning
// users resume their conversation silently; a fresh user gets the bound
// flow's greeting when one is configured.
func (s *Server) webchatGreeting(ctx context.Context, userID, channelConfigID, flowID string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conv, err := s.store.FindLatestConversation(ctx, models.ChannelWebchat, userID)
	if err == nil {
		n, err := s.store.CountMessages(ctx, conv.ID)
		if err == nil && n > 0 {
			return "", false
		}
	}

	if flowID != "" {
		return s.flowGreeting(ctx, flowID)
	}
	if channelConfigID != "" {
		bindings, err := s.store.ListBindingsForChannel(ctx, channelConfigID)
		if err != nil || len(bindings) == 0 {
			return "", false
		}
		return s.flowGreeting(ctx, bindings[0].FlowID)
	}
	return "", false
}

func (s *Server) flowGreeting(ctx context.Context, flowID string) (string, bool) {
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil || !flow.Active || flow.Greeting == "" {
		return "", false
	}
	return flow.Greeting, true
}
