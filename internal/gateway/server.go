// Package gateway is the HTTP edge of the relay: provider webhooks, the
// public widget endpoints, the integrations API, and the webchat
// WebSocket. Every inbound message is acknowledged synchronously and
// processed in a detached turn goroutine.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solvia-ai/relay/internal/auth"
	"github.com/solvia-ai/relay/internal/cache"
	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/channels/webchat"
	"github.com/solvia-ai/relay/internal/config"
	"github.com/solvia-ai/relay/internal/flows"
	"github.com/solvia-ai/relay/internal/observability"
	"github.com/solvia-ai/relay/internal/orchestrator"
	"github.com/solvia-ai/relay/internal/queue"
	"github.com/solvia-ai/relay/pkg/models"
)

const (
	// maxWebhookBody bounds inbound webhook payloads.
	maxWebhookBody = 1 << 20

	// turnTimeout is the deadline for one detached turn, covering the
	// LLM calls, tool rounds, and persistence.
	turnTimeout = 5 * time.Minute

	// dedupeTTL is the fast-path window for repeated provider message
	// ids; the store remains the authoritative check.
	dedupeTTL = 10 * time.Minute

	// idempotencyTTL is the replay window for integration send keys.
	idempotencyTTL = 24 * time.Hour
)

// Repository is the store surface the gateway reads and writes.
// *store.Store satisfies it.
type Repository interface {
	GetChannelConfig(ctx context.Context, id string) (*models.ChannelConfig, error)
	ListActiveChannelConfigs(ctx context.Context, channelType models.ChannelType) ([]*models.ChannelConfig, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	FindLatestConversation(ctx context.Context, channelType models.ChannelType, channelUserID string) (*models.Conversation, error)
	GetOrCreateConversation(ctx context.Context, channelType models.ChannelType, channelUserID, flowID string) (*models.Conversation, bool, error)
	UpdateConversationMetadata(ctx context.Context, id string, metadata map[string]any) error
	PinConversationFlow(ctx context.Context, id, flowID string) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	FindUserMessageByOriginalID(ctx context.Context, originalID string) (*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	ListBindingsForChannel(ctx context.Context, channelConfigID string) ([]models.FlowChannelBinding, error)
	ListFlowChannelBindings(ctx context.Context, flowID string) ([]models.FlowChannelBinding, error)
	Ping(ctx context.Context) error
}

// Resolver picks the flow governing a turn.
type Resolver interface {
	Resolve(ctx context.Context, msg *models.NormalizedMessage, conv *models.Conversation) (*flows.Route, error)
}

// Processor runs one turn.
type Processor interface {
	ProcessMessage(ctx context.Context, msg *models.NormalizedMessage, route *flows.Route, conv *models.Conversation) (*orchestrator.ProcessingResult, error)
}

// Outbound is the delivery queue surface.
type Outbound interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.JobOptions) (*queue.Job, error)
	Ping(ctx context.Context) error
}

// SessionInvalidator drops cached session state after out-of-band
// conversation changes.
type SessionInvalidator interface {
	Invalidate(ctx context.Context, channel models.ChannelType, userID, conversationID string)
}

// Options wire the gateway server.
type Options struct {
	Config       *config.Config
	Store        Repository
	Router       Resolver
	Orchestrator Processor
	Queue        Outbound
	Registry     *channels.Registry
	Auth         *auth.Service
	Sessions     SessionInvalidator
	Metrics      *observability.Metrics

	// RedisPing reports broker/cache reachability for /health. Nil
	// reports up.
	RedisPing func(ctx context.Context) error

	// ContextPing reports the session-context backend for /health.
	// Nil reports up.
	ContextPing func(ctx context.Context) error

	Logger *slog.Logger
}

// Server is the relay HTTP edge.
type Server struct {
	cfg          *config.Config
	store        Repository
	router       Resolver
	orchestrator Processor
	queue        Outbound
	registry     *channels.Registry
	auth         *auth.Service
	sessions     SessionInvalidator
	metrics      *observability.Metrics
	redisPing    func(ctx context.Context) error
	contextPing  func(ctx context.Context) error
	logger       *slog.Logger

	hub         *webchat.Hub
	dedupe      *cache.Dedupe
	idempotency *cache.Dedupe
	startTime   time.Time

	httpServer *http.Server
}

// New assembles the server and its webchat hub.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("gateway: config is required")
	case opts.Store == nil:
		return nil, errors.New("gateway: store is required")
	case opts.Router == nil:
		return nil, errors.New("gateway: flow router is required")
	case opts.Orchestrator == nil:
		return nil, errors.New("gateway: orchestrator is required")
	case opts.Queue == nil:
		return nil, errors.New("gateway: outbound queue is required")
	case opts.Registry == nil:
		return nil, errors.New("gateway: channel registry is required")
	case opts.Auth == nil:
		return nil, errors.New("gateway: auth service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		cfg:          opts.Config,
		store:        opts.Store,
		router:       opts.Router,
		orchestrator: opts.Orchestrator,
		queue:        opts.Queue,
		registry:     opts.Registry,
		auth:         opts.Auth,
		sessions:     opts.Sessions,
		metrics:      opts.Metrics,
		redisPing:    opts.RedisPing,
		contextPing:  opts.ContextPing,
		logger:       opts.Logger.With("component", "gateway"),
		dedupe:       cache.NewDedupe(dedupeTTL, 16384),
		idempotency:  cache.NewDedupe(idempotencyTTL, 16384),
		startTime:    time.Now(),
	}

	hub, err := webchat.NewHub(webchat.Options{
		Auth:           opts.Auth,
		Sink:           s.webchatSink,
		Greeting:       s.webchatGreeting,
		AllowedOrigins: opts.Config.Channels.Webchat.AllowedOrigins,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: webchat hub: %w", err)
	}
	s.hub = hub

	return s, nil
}

// Hub exposes the webchat hub so the webchat adapter can deliver
// replies through it.
func (s *Server) Hub() *webchat.Hub { return s.hub }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /webhooks/whatsapp", s.handleWhatsAppVerify)
	mux.HandleFunc("POST /webhooks/whatsapp", s.instrument("/webhooks/whatsapp", s.webhookHandler(models.ChannelWhatsApp)))
	mux.HandleFunc("POST /webhooks/telegram", s.instrument("/webhooks/telegram", s.webhookHandler(models.ChannelTelegram)))
	mux.HandleFunc("POST /webhooks/email", s.instrument("/webhooks/email", s.webhookHandler(models.ChannelEmail)))
	mux.HandleFunc("POST /webhooks/{channel}", s.instrument("/webhooks/{channel}", s.handleChannelWebhook))

	mux.HandleFunc("POST /api/v1/messages/send", s.instrument("/api/v1/messages/send", s.handleSendMessage))
	mux.HandleFunc("POST /api/v1/webchat/auth", s.instrument("/api/v1/webchat/auth", s.handleWebchatAuth))
	mux.Handle("/api/v1/webchat/ws", s.hub)

	mux.HandleFunc("/api/widgets/{widgetKey}/config", s.corsOpen(s.handleWidgetConfig))
	mux.HandleFunc("/api/agents/{agentId}/public", s.corsOpen(s.handleAgentPublic))

	mux.HandleFunc("POST /api/v1/integrations/context/upsert",
		s.instrument("/api/v1/integrations/context/upsert", s.requireAPIKey(s.handleContextUpsert)))
	mux.HandleFunc("POST /api/v1/integrations/outbound/send",
		s.instrument("/api/v1/integrations/outbound/send", s.requireAPIKey(s.handleOutboundSend)))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withRecovery(mux)
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server

	s.logger.Info("starting http server", "addr", addr)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown stops the listener and closes webchat sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			first = err
		}
		s.httpServer = nil
	}
	if err := s.hub.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	return first
}
