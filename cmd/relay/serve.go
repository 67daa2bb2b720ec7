package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/solvia-ai/relay/internal/auth"
	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/channels/email"
	"github.com/solvia-ai/relay/internal/channels/telegram"
	"github.com/solvia-ai/relay/internal/channels/webchat"
	"github.com/solvia-ai/relay/internal/channels/whatsapp"
	"github.com/solvia-ai/relay/internal/config"
	"github.com/solvia-ai/relay/internal/embedder"
	"github.com/solvia-ai/relay/internal/flows"
	"github.com/solvia-ai/relay/internal/gateway"
	"github.com/solvia-ai/relay/internal/llm"
	"github.com/solvia-ai/relay/internal/llm/providers"
	"github.com/solvia-ai/relay/internal/logging"
	"github.com/solvia-ai/relay/internal/observability"
	"github.com/solvia-ai/relay/internal/orchestrator"
	"github.com/solvia-ai/relay/internal/queue"
	"github.com/solvia-ai/relay/internal/rag"
	"github.com/solvia-ai/relay/internal/sessions"
	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/internal/tools"
	"github.com/solvia-ai/relay/pkg/models"
)

const (
	// shutdownTimeout bounds the drain of HTTP, queue, and adapters.
	shutdownTimeout = 30 * time.Second

	// ingestSchedule sweeps pending knowledge documents.
	ingestSchedule = "@every 30s"

	// toolSyncSchedule refreshes tool definitions from the database so
	// admin edits land without a restart.
	toolSyncSchedule = "@every 5m"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server with all configured channels and providers.

The server loads channel, flow, and LLM configuration from the database,
registers the channel adapters, and serves webhooks, the public widget
endpoints, the integrations API, and the webchat WebSocket.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  relay serve

  # Start with a specific config and debug logging
  relay serve --config /etc/relay/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version,
		"commit", commit,
		"config", configPath,
		"http_port", cfg.Server.HTTPPort)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(store.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		RunMigrations:   cfg.Database.MigrateOnStart,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Tee warnings and errors into system_logs, keeping stdout as the
	// primary stream.
	logHandler := logging.NewStoreHandler(logger.Handler(), st, 256)
	logger = slog.New(logHandler)
	slog.SetDefault(logger)
	defer logHandler.Close()

	rdb := openRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	sessionMgr, err := buildSessions(cfg, st, rdb, logger)
	if err != nil {
		return err
	}

	embedderFactory := buildEmbedderFactory(cfg)
	ragEngine := rag.NewEngine(st, embedderFactory, rag.Options{
		SimilarityThreshold: cfg.RAG.SimilarityThreshold,
		MaxResultsPerKB:     cfg.RAG.MaxResultsPerKB,
		TopN:                cfg.RAG.TopN,
		Logger:              logger,
	})
	ingestor := rag.NewIngestor(st, embedderFactory, logger)

	llmGateway, err := buildLLMGateway(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	runtime := tools.NewRuntime(tools.Options{
		Recorder: st,
		SMTP: tools.SMTPSettings{
			Host:     cfg.Channels.Email.SMTP.Host,
			Port:     cfg.Channels.Email.SMTP.Port,
			Username: cfg.Channels.Email.SMTP.Username,
			Password: cfg.Channels.Email.SMTP.Password,
			From:     cfg.Channels.Email.SMTP.From,
		},
		Timeout: cfg.Tools.Timeout,
		Logger:  logger,
	})
	if err := runtime.Sync(ctx, st); err != nil {
		logger.Warn("initial tool sync failed, registry starts empty", "error", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Sessions:      sessionMgr,
		Store:         st,
		Gateway:       llmGateway,
		Tools:         runtime,
		RAG:           ragEngine,
		MaxToolRounds: cfg.Gateway.MaxToolExecutions,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	registry := channels.NewRegistry()
	registry.Register(whatsapp.New(logger))
	registry.Register(telegram.New(logger))
	registry.Register(email.New(cfg.Channels.Email.SMTP, cfg.Channels.Email.IMAP, logger))

	metrics := observability.NewMetrics(nil)

	var broker queue.Broker
	if rdb != nil {
		broker = queue.NewRedisBroker(rdb)
	} else {
		logger.Warn("redis not configured, outbound queue runs in process")
		broker = queue.NewMemoryBroker()
	}
	q, err := queue.New(queue.Options{
		Broker:        broker,
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}

	var redisPing func(ctx context.Context) error
	if rdb != nil {
		redisPing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	srv, err := gateway.New(gateway.Options{
		Config:       cfg,
		Store:        st,
		Router:       flows.NewRouter(st, logger),
		Orchestrator: orch,
		Queue:        q,
		Registry:     registry,
		Auth:         auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry, cfg.Auth.APIKeys),
		Sessions:     sessionMgr,
		Metrics:      metrics,
		RedisPing:    redisPing,
		ContextPing:  sessionMgr.Ping,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	// Webchat delivers through the hub the gateway owns.
	registry.Register(webchat.NewAdapter(srv.Hub()))

	initAdapters(ctx, registry, st, logger)

	q.Register(gateway.OutboundQueue, cfg.Queue.Workers,
		gateway.NewSendHandler(registry, st, metrics, logger))
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	q.Start(queueCtx)

	sweeps := startSweeps(ingestor, runtime, st, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	select {
	case <-sweeps.Stop().Done():
	case <-shutdownCtx.Done():
	}
	stopQueue()
	q.Wait()
	if err := registry.ShutdownAll(shutdownCtx); err != nil {
		logger.Error("adapter shutdown failed", "error", err)
	}

	logger.Info("relay stopped")
	return nil
}

// openRedis connects the shared client. A missing URL or failed ping
// degrades to in-process fallbacks rather than failing boot.
func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Warn("invalid redis url, running without redis", "error", err)
		return nil
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at boot, continuing degraded", "error", err)
	}
	return rdb
}

func buildSessions(cfg *config.Config, st *store.Store, rdb *redis.Client, logger *slog.Logger) (*sessions.Manager, error) {
	var cache sessions.Store
	if rdb != nil {
		cache = sessions.NewFallbackStore(
			sessions.NewRedisStore(rdb, cfg.Session.TTL),
			sessions.NewMemoryStore(cfg.Session.TTL),
			logger,
		)
	} else {
		cache = sessions.NewMemoryStore(cfg.Session.TTL)
	}

	mgr, err := sessions.NewManager(sessions.Options{
		Store:        cache,
		History:      st,
		HistoryLimit: cfg.Session.HistoryLimit,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build session manager: %w", err)
	}
	return mgr, nil
}

func buildEmbedderFactory(cfg *config.Config) rag.EmbedderFactory {
	keys := embedder.Keys{
		OpenAI:          cfg.Gateway.OpenAIAPIKey,
		Cohere:          cfg.Gateway.CohereAPIKey,
		HuggingFace:     cfg.Gateway.HuggingFaceAPIKey,
		OllamaBaseURL:   cfg.Gateway.OllamaBaseURL,
		LMStudioBaseURL: cfg.Gateway.LMStudioBaseURL,
	}
	return func(kb *models.KnowledgeBase) (embedder.Embedder, error) {
		return embedder.ForKnowledgeBase(kb, keys)
	}
}

func buildLLMGateway(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) (*llm.Gateway, error) {
	configs, err := st.ListActiveLLMConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list llm configs: %w", err)
	}
	if len(configs) == 0 {
		logger.Warn("no active llm configs, turns will fail until one is added")
	}

	factory := providers.Factory(providers.Keys{
		OpenAI:          cfg.Gateway.OpenAIAPIKey,
		Anthropic:       cfg.Gateway.AnthropicAPIKey,
		Google:          cfg.Gateway.GoogleAPIKey,
		OllamaBaseURL:   cfg.Gateway.OllamaBaseURL,
		LMStudioBaseURL: cfg.Gateway.LMStudioBaseURL,
	})

	return llm.New(configs, factory, llm.Options{
		Strategy:         llm.ParseStrategy(cfg.Gateway.Strategy),
		RetryAttempts:    cfg.Gateway.RetryAttempts,
		RetryDelay:       cfg.Gateway.RetryDelay,
		FailureThreshold: cfg.Gateway.FailureThreshold,
		ResetTimeout:     cfg.Gateway.ResetTimeout,
		Fallback:         cfg.Gateway.FallbackEnabled,
		DefaultTimeout:   cfg.Gateway.DefaultTimeout,
		Logger:           logger,
	}), nil
}

// initAdapters installs each channel's first active config as the
// adapter default. Further instances are addressed per send through
// channel config overrides. A channel with no config stays registered
// so its webhook route still normalizes and logs.
func initAdapters(ctx context.Context, registry *channels.Registry, st *store.Store, logger *slog.Logger) {
	for _, adapter := range registry.All() {
		configs, err := st.ListActiveChannelConfigs(ctx, adapter.Type())
		if err != nil {
			logger.Error("list channel configs failed", "channel", adapter.Type(), "error", err)
			continue
		}
		if len(configs) == 0 {
			logger.Info("channel has no active config", "channel", adapter.Type())
			continue
		}
		if err := adapter.Initialize(ctx, configs[0]); err != nil {
			logger.Error("channel adapter init failed", "channel", adapter.Type(), "error", err)
			continue
		}
		logger.Info("channel adapter ready", "channel", adapter.Type(), "configs", len(configs))
	}
}

// startSweeps schedules the background maintenance: document ingestion
// and tool definition refresh.
func startSweeps(ingestor *rag.Ingestor, runtime *tools.Runtime, st *store.Store, logger *slog.Logger) *cron.Cron {
	c := cron.New()

	c.AddFunc(ingestSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		n, err := ingestor.ProcessPending(ctx)
		if err != nil {
			logger.Error("document ingest sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("documents ingested", "count", n)
		}
	})

	c.AddFunc(toolSyncSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runtime.Sync(ctx, st); err != nil {
			logger.Warn("tool definition sync failed", "error", err)
		}
	})

	c.Start()
	return c
}
