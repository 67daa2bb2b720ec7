package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/observability"
	"github.com/solvia-ai/relay/internal/queue"
	"github.com/solvia-ai/relay/pkg/models"
)

// OutboundQueue is the delivery queue all channel replies flow through.
const OutboundQueue = "outbound"

// JobSendMessage is the job name for one outbound text delivery.
const JobSendMessage = "send_message"

// SendJob is the payload of a JobSendMessage job. It carries everything
// a worker needs to deliver one reply; the turn that produced the reply
// is already persisted by the time the job exists.
type SendJob struct {
	ChannelType     models.ChannelType `json:"channel_type"`
	ChannelConfigID string             `json:"channel_config_id,omitempty"`
	UserID          string             `json:"user_id"`
	Content         string             `json:"content"`
	ConversationID  string             `json:"conversation_id,omitempty"`
	MessageID       string             `json:"message_id,omitempty"`
}

// ConfigSource loads the channel instance a send should go out through.
type ConfigSource interface {
	GetChannelConfig(ctx context.Context, id string) (*models.ChannelConfig, error)
}

// NewSendHandler returns the queue handler that delivers replies through
// the channel adapters. Errors propagate to the queue, which owns the
// retry budget. A named ChannelConfigID must resolve before the send
// goes out: silently falling back to the adapter default would deliver
// through the wrong channel identity.
func NewSendHandler(registry *channels.Registry, configs ConfigSource, metrics *observability.Metrics, logger *slog.Logger) queue.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "outbound")

	deliver := func(ctx context.Context, send *SendJob) error {
		adapter, err := registry.Get(send.ChannelType)
		if err != nil {
			return err
		}

		var override *models.ChannelConfig
		if send.ChannelConfigID != "" && configs != nil {
			override, err = configs.GetChannelConfig(ctx, send.ChannelConfigID)
			if err != nil {
				return fmt.Errorf("load channel config %s: %w", send.ChannelConfigID, err)
			}
		}

		if err := adapter.SendMessage(ctx, send.UserID, send.Content, override); err != nil {
			return fmt.Errorf("send via %s: %w", send.ChannelType, err)
		}
		return nil
	}

	return func(ctx context.Context, job *queue.Job) error {
		var send SendJob
		if err := json.Unmarshal(job.Payload, &send); err != nil {
			// A payload that does not decode cannot succeed later.
			logger.Error("undecodable send job dropped", "job_id", job.ID, "error", err)
			return nil
		}

		err := deliver(ctx, &send)
		switch {
		case err == nil:
			metrics.RecordOutbound(job.Queue, observability.OutboundSent)
			logger.Debug("reply delivered",
				"channel", send.ChannelType,
				"user_id", send.UserID,
				"conversation_id", send.ConversationID)
		case job.Attempt < job.Attempts:
			metrics.RecordOutbound(job.Queue, observability.OutboundRetried)
		default:
			metrics.RecordOutbound(job.Queue, observability.OutboundDead)
		}
		return err
	}
}
