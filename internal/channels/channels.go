// Package channels defines the adapter contract every transport
// implements and the registry the gateway dispatches through. Concrete
// adapters live in subpackages (whatsapp, telegram, email, webchat).
package channels

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/solvia-ai/relay/pkg/models"
)

var (
	// ErrNotRegistered is returned when no adapter handles a channel type.
	ErrNotRegistered = errors.New("channel adapter not registered")

	// ErrNotInitialized is returned when an adapter is used before
	// Initialize succeeded.
	ErrNotInitialized = errors.New("channel adapter not initialized")

	// ErrUnknownProvider is returned when a channel config names a
	// provider the adapter has no driver for.
	ErrUnknownProvider = errors.New("unknown channel provider")

	// ErrUnrecognizedPayload is returned by HandleWebhook when the
	// payload matches no shape the adapter knows. The gateway acks
	// these with a debug log rather than failing the request.
	ErrUnrecognizedPayload = errors.New("unrecognized webhook payload")
)

// Adapter is the contract between the gateway and a transport.
//
// HandleWebhook turns a raw provider payload into a NormalizedMessage.
// A (nil, nil) return means the payload was valid but carries nothing
// to process (delivery receipts, echoes of our own sends); the caller
// acks and moves on. SendMessage delivers text to a user; override,
// when non-nil, selects the channel instance to send through instead
// of the adapter's default.
type Adapter interface {
	Type() models.ChannelType
	Initialize(ctx context.Context, cfg *models.ChannelConfig) error
	SendMessage(ctx context.Context, userID, text string, override *models.ChannelConfig) error
	HandleWebhook(payload []byte) (*models.NormalizedMessage, error)
	IsHealthy(ctx context.Context) bool
	Shutdown(ctx context.Context) error
}

// Registry holds the active adapter per channel type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register installs an adapter, replacing any previous adapter for the
// same channel type.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for the channel type.
func (r *Registry) Get(t models.ChannelType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t)
	}
	return a, nil
}

// All returns the registered adapters in no particular order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// ShutdownAll stops every registered adapter, returning the first error.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	var first error
	for _, a := range r.All() {
		if err := a.Shutdown(ctx); err != nil && first == nil {
			first = fmt.Errorf("shutdown %s: %w", a.Type(), err)
		}
	}
	return first
}

// NewHTTPClient returns the client adapters use for provider API calls.
// Connection counts are capped because all egress shares one SNAT
// address in production.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			MaxConnsPerHost: 50,
			MaxIdleConns:    10,
			IdleConnTimeout: 90 * time.Second,
		},
	}
}

// NormalizeUserID canonicalizes an external user identifier: interior
// whitespace, a leading "+", and a WhatsApp "@c.us" suffix are all
// stripped so the same user always maps to the same conversation.
func NormalizeUserID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSuffix(b.String(), "@c.us")
	return strings.TrimPrefix(out, "+")
}
