// Package config loads the Relay configuration from YAML with environment
// expansion and applies defaults plus recognized environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relay service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	RAG      RAGConfig      `yaml:"rag"`
	Tools    ToolsConfig    `yaml:"tools"`
	Channels ChannelsConfig `yaml:"channels"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	APIKeys     []string      `yaml:"api_keys"`
}

type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	HistoryLimit int           `yaml:"history_limit"`
}

// GatewayConfig tunes the LLM gateway: selection, retry, and circuit
// breaking. Provider credentials live in llm_configs rows; the keys here are
// process-wide fallbacks.
type GatewayConfig struct {
	Strategy            string        `yaml:"strategy"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	ResetTimeout        time.Duration `yaml:"reset_timeout"`
	FallbackEnabled     *bool         `yaml:"fallback_enabled"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	MaxToolExecutions   int           `yaml:"max_tool_executions"`
	OpenAIAPIKey        string        `yaml:"openai_api_key"`
	AnthropicAPIKey     string        `yaml:"anthropic_api_key"`
	GoogleAPIKey        string        `yaml:"google_api_key"`
	CohereAPIKey        string        `yaml:"cohere_api_key"`
	HuggingFaceAPIKey   string        `yaml:"huggingface_api_key"`
	OllamaBaseURL       string        `yaml:"ollama_base_url"`
	LMStudioBaseURL     string        `yaml:"lmstudio_base_url"`
}

type RAGConfig struct {
	SimilarityThreshold float32 `yaml:"similarity_threshold"`
	MaxResultsPerKB     int     `yaml:"max_results_per_kb"`
	TopN                int     `yaml:"top_n"`
}

type ToolsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
	Webchat  WebchatConfig  `yaml:"webchat"`
}

type WhatsAppConfig struct {
	VerifyToken string `yaml:"verify_token"`
	UseQueue    *bool  `yaml:"use_queue"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

type EmailConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
	IMAP IMAPConfig `yaml:"imap"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Mailbox  string `yaml:"mailbox"`
}

type WebchatConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type QueueConfig struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	KeepCompleted  int           `yaml:"keep_completed"`
	KeepFailed     int           `yaml:"keep_failed"`
	Workers        int           `yaml:"workers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, expands ${VAR} references, parses the
// YAML, applies environment overrides, and fills defaults. An empty path
// yields a configuration built from environment and defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides maps the recognized environment options onto the config.
// Environment values win over file values so containerized deployments can
// override a baked-in file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("MCP_CONTEXT_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Session.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("USE_QUEUE_FOR_WHATSAPP"); v != "" {
		b := parseBool(v)
		cfg.Channels.WhatsApp.UseQueue = &b
	}
	if v := os.Getenv("WEBCHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.Channels.Webchat.AllowedOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("WHATSAPP_VERIFY_TOKEN"); v != "" {
		cfg.Channels.WhatsApp.VerifyToken = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.BotToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Gateway.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Gateway.AnthropicAPIKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Gateway.GoogleAPIKey = v
	}
	if v := os.Getenv("COHERE_API_KEY"); v != "" {
		cfg.Gateway.CohereAPIKey = v
	}
	if v := os.Getenv("HUGGINGFACE_API_KEY"); v != "" {
		cfg.Gateway.HuggingFaceAPIKey = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Gateway.OllamaBaseURL = v
	}
	if v := os.Getenv("LMSTUDIO_BASE_URL"); v != "" {
		cfg.Gateway.LMStudioBaseURL = v
	}
	applyEmailEnv(&cfg.Channels.Email)
}

func applyEmailEnv(email *EmailConfig) {
	if v := os.Getenv("EMAIL_SMTP_HOST"); v != "" {
		email.SMTP.Host = v
	}
	if v := os.Getenv("EMAIL_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			email.SMTP.Port = port
		}
	}
	if v := os.Getenv("EMAIL_SMTP_USERNAME"); v != "" {
		email.SMTP.Username = v
	}
	if v := os.Getenv("EMAIL_SMTP_PASSWORD"); v != "" {
		email.SMTP.Password = v
	}
	if v := os.Getenv("EMAIL_SMTP_FROM"); v != "" {
		email.SMTP.From = v
	}
	if v := os.Getenv("EMAIL_IMAP_HOST"); v != "" {
		email.IMAP.Host = v
	}
	if v := os.Getenv("EMAIL_IMAP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			email.IMAP.Port = port
		}
	}
	if v := os.Getenv("EMAIL_IMAP_USERNAME"); v != "" {
		email.IMAP.Username = v
	}
	if v := os.Getenv("EMAIL_IMAP_PASSWORD"); v != "" {
		email.IMAP.Password = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 20
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = time.Hour
	}
	if cfg.Session.HistoryLimit == 0 {
		cfg.Session.HistoryLimit = 100
	}
	if cfg.Gateway.Strategy == "" {
		cfg.Gateway.Strategy = "priority"
	}
	if cfg.Gateway.RetryAttempts == 0 {
		cfg.Gateway.RetryAttempts = 3
	}
	if cfg.Gateway.RetryDelay == 0 {
		cfg.Gateway.RetryDelay = time.Second
	}
	if cfg.Gateway.FailureThreshold == 0 {
		cfg.Gateway.FailureThreshold = 5
	}
	if cfg.Gateway.ResetTimeout == 0 {
		cfg.Gateway.ResetTimeout = 60 * time.Second
	}
	if cfg.Gateway.FallbackEnabled == nil {
		b := true
		cfg.Gateway.FallbackEnabled = &b
	}
	if cfg.Gateway.DefaultTimeout == 0 {
		cfg.Gateway.DefaultTimeout = 60 * time.Second
	}
	if cfg.Gateway.MaxToolExecutions == 0 {
		cfg.Gateway.MaxToolExecutions = 10
	}
	if cfg.RAG.SimilarityThreshold == 0 {
		cfg.RAG.SimilarityThreshold = 0.70
	}
	if cfg.RAG.MaxResultsPerKB == 0 {
		cfg.RAG.MaxResultsPerKB = 5
	}
	if cfg.RAG.TopN == 0 {
		cfg.RAG.TopN = 8
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Channels.WhatsApp.UseQueue == nil {
		b := true
		cfg.Channels.WhatsApp.UseQueue = &b
	}
	if cfg.Channels.Email.SMTP.Port == 0 {
		cfg.Channels.Email.SMTP.Port = 587
	}
	if cfg.Channels.Email.IMAP.Port == 0 {
		cfg.Channels.Email.IMAP.Port = 993
	}
	if cfg.Channels.Email.IMAP.Mailbox == "" {
		cfg.Channels.Email.IMAP.Mailbox = "INBOX"
	}
	if cfg.Queue.Attempts == 0 {
		cfg.Queue.Attempts = 5
	}
	if cfg.Queue.InitialBackoff == 0 {
		cfg.Queue.InitialBackoff = 3 * time.Second
	}
	if cfg.Queue.KeepCompleted == 0 {
		cfg.Queue.KeepCompleted = 100
	}
	if cfg.Queue.KeepFailed == 0 {
		cfg.Queue.KeepFailed = 500
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
