// Package webchat implements the browser widget channel: an
// authenticated WebSocket session layer in front of the normalized
// pipeline. Frames are JSON objects tagged by type; the handshake,
// keepalive, and close-code handling follow the widget protocol.
package webchat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/solvia-ai/relay/internal/auth"
	"github.com/solvia-ai/relay/internal/cache"
	"github.com/solvia-ai/relay/pkg/models"
)

// ErrNotConnected is returned when a push targets a user without an
// open widget connection. Queued sends retry, covering reconnects.
var ErrNotConnected = errors.New("webchat user not connected")

const (
	defaultAuthTimeout  = 20 * time.Second
	defaultPingInterval = 60 * time.Second
	// greetingWindow suppresses duplicate greetings across quick
	// reconnects before the first greeting is persisted.
	greetingWindow = 5 * time.Second

	writeWait       = 10 * time.Second
	maxPayloadBytes = 64 * 1024
	sendBuffer      = 32
)

// Sink receives each normalized visitor message. Implementations hand
// it to the processing pipeline; the call must not block the reader.
type Sink func(ctx context.Context, msg *models.NormalizedMessage)

// GreetingFunc resolves the greeting for a freshly authenticated
// visitor. ok is false when the conversation already has history or no
// flow defines a greeting.
type GreetingFunc func(ctx context.Context, userID, channelConfigID, flowID string) (string, bool)

// Options configure the hub.
type Options struct {
	// Auth validates widget bearer tokens. Required.
	Auth *auth.Service

	// Sink receives inbound messages. Required.
	Sink Sink

	// Greeting resolves first-contact greetings. Optional.
	Greeting GreetingFunc

	// AllowedOrigins restricts the upgrade handshake. Empty allows
	// any origin; the widget is embedded on customer sites.
	AllowedOrigins []string

	// AuthTimeout is how long an unauthenticated connection may hold
	// a socket. Defaults to 20s.
	AuthTimeout time.Duration

	// PingInterval is the server keepalive cadence. Defaults to 60s.
	PingInterval time.Duration

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = defaultAuthTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub owns the widget connections, keyed by authenticated user id.
type Hub struct {
	auth         *auth.Service
	sink         Sink
	greeting     GreetingFunc
	authTimeout  time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	logger       *slog.Logger

	greeted *cache.Dedupe

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub builds the hub.
func NewHub(opts Options) (*Hub, error) {
	if opts.Auth == nil {
		return nil, errors.New("webchat: auth service is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("webchat: sink is required")
	}
	opts.applyDefaults()

	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		allowed[origin] = struct{}{}
	}
	return &Hub{
		auth:         opts.Auth,
		sink:         opts.Sink,
		greeting:     opts.Greeting,
		authTimeout:  opts.AuthTimeout,
		pingInterval: opts.PingInterval,
		logger:       opts.Logger.With("component", "channels.webchat"),
		greeted:      cache.NewDedupe(greetingWindow, 4096),
		conns:        make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}, nil
}

// ServeHTTP upgrades the request and runs the connection state machine
// until the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("webchat upgrade rejected", "error", err)
		return
	}
	c := &conn{
		hub:  h,
		ws:   ws,
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	c.run()
}

// Push delivers an assistant reply to a connected user.
func (h *Hub) Push(userID, content string, metadata map[string]any) error {
	h.mu.RLock()
	c := h.conns[userID]
	h.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	if !c.enqueue(marshalFrame(frame{
		Type:      frameMessage,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})) {
		return ErrNotConnected
	}
	return nil
}

// Connected reports whether a user currently holds a connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[userID] != nil
}

// Shutdown closes every connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}

// register installs an authenticated connection, closing any previous
// connection for the same user.
func (h *Hub) register(c *conn) {
	h.mu.Lock()
	prev := h.conns[c.userID]
	h.conns[c.userID] = c
	h.mu.Unlock()
	if prev != nil && prev != c {
		prev.closeWithCode(websocket.CloseNormalClosure, "superseded by new connection")
	}
}

// drop removes the connection if it is still the registered one.
func (h *Hub) drop(c *conn) {
	if c.userID == "" {
		return
	}
	h.mu.Lock()
	if h.conns[c.userID] == c {
		delete(h.conns, c.userID)
	}
	h.mu.Unlock()
}

// shouldGreet applies the reconnect guard: at most one greeting per
// user within the window.
func (h *Hub) shouldGreet(userID string) bool {
	return h.greeting != nil && !h.greeted.Seen("greet|"+userID)
}
