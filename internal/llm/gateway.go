package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solvia-ai/relay/internal/retry"
	"github.com/solvia-ai/relay/pkg/models"
)

// Strategy selects which provider serves the next request.
type Strategy string

const (
	// StrategyRoundRobin rotates through available providers.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyLeastLatency prefers the lowest rolling-average latency.
	// Providers without samples sort last.
	StrategyLeastLatency Strategy = "least_latency"

	// StrategyLeastCost prefers the cheapest combined token price.
	StrategyLeastCost Strategy = "least_cost"

	// StrategyPriority follows the configs' priority field, lower first.
	StrategyPriority Strategy = "priority"
)

// ParseStrategy maps a config string onto a Strategy, defaulting to
// priority for unknown values.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLeastLatency, StrategyLeastCost, StrategyPriority:
		return Strategy(s)
	}
	return StrategyPriority
}

// BackendFactory builds the provider backend for one config. The gateway
// calls it once per registered config.
type BackendFactory func(cfg *models.LLMConfig) (Provider, error)

// Options tunes the gateway. Zero values take the documented defaults.
type Options struct {
	// Strategy is the selection strategy. Default priority.
	Strategy Strategy

	// RetryAttempts caps attempts per provider, including the first.
	// Default 3.
	RetryAttempts int

	// RetryDelay is the initial backoff between attempts, doubling each
	// retry. Default 1s.
	RetryDelay time.Duration

	// FailureThreshold opens a provider's circuit after this many
	// consecutive failures. Default 5.
	FailureThreshold int

	// ResetTimeout holds an open circuit before the half-open probe.
	// Default 60s.
	ResetTimeout time.Duration

	// Fallback tries the remaining providers in selection order after
	// the preferred one fails. Default true.
	Fallback *bool

	// DefaultTimeout bounds one completion call when the config carries
	// no timeout. Default 120s.
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyPriority
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 60 * time.Second
	}
	if o.Fallback == nil {
		enabled := true
		o.Fallback = &enabled
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 120 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// entry pairs a config with its backend and health state.
type entry struct {
	config    *models.LLMConfig
	backend   Provider
	breaker   *breaker
	latencies *latencyRing
}

// Result is a completed request with its serving config and cost.
type Result struct {
	Response *Response
	Config   *models.LLMConfig

	// Cost is the usage priced against the serving config, in USD.
	Cost float64

	// Latency is the wall time of the winning call.
	Latency time.Duration
}

// StreamHandle is an open stream with its serving config, so callers can
// price the final usage chunk.
type StreamHandle struct {
	Chunks <-chan Chunk
	Config *models.LLMConfig
}

// ProviderStatus is one provider's health snapshot.
type ProviderStatus struct {
	ConfigID  string  `json:"config_id"`
	Name      string  `json:"name"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Available bool    `json:"available"`
	Failures  int     `json:"failures"`
	AvgMs     float64 `json:"avg_latency_ms,omitempty"`
}

// Gateway multiplexes completion traffic across the registered configs.
type Gateway struct {
	opts  Options
	retry retry.Config

	mu      sync.RWMutex
	entries []*entry

	rr     atomic.Uint64
	logger *slog.Logger
	now    func() time.Time
}

// New builds a gateway over the active configs. Configs whose backend
// cannot be constructed (missing key, bad base URL) are skipped with a
// warning rather than failing boot.
func New(configs []*models.LLMConfig, factory BackendFactory, opts Options) *Gateway {
	opts.applyDefaults()

	g := &Gateway{
		opts:   opts,
		retry:  retry.Exponential(opts.RetryAttempts, opts.RetryDelay, 30*time.Second),
		logger: opts.Logger.With("component", "llm_gateway"),
		now:    time.Now,
	}

	for _, cfg := range configs {
		if err := g.Register(cfg, factory); err != nil {
			g.logger.Warn("skipping llm config",
				"config_id", cfg.ID,
				"provider", cfg.Provider,
				"error", err)
		}
	}

	return g
}

// Register adds one config to the rotation. Inactive configs are ignored.
func (g *Gateway) Register(cfg *models.LLMConfig, factory BackendFactory) error {
	if !cfg.Active {
		return nil
	}

	backend, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("building %s backend: %w", cfg.Provider, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.entries = append(g.entries, &entry{
		config:    cfg,
		backend:   backend,
		breaker:   newBreaker(g.opts.FailureThreshold, g.opts.ResetTimeout),
		latencies: newLatencyRing(100),
	})
	return nil
}

// Complete routes the request to the selected provider, retrying transient
// failures and falling back across providers until one succeeds.
func (g *Gateway) Complete(ctx context.Context, req *Request) (*Result, error) {
	order := g.selection(req.PreferConfigID)
	if len(order) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for i, ent := range order {
		if i > 0 && !*g.opts.Fallback {
			break
		}

		resp, elapsed, err := g.attempt(ctx, ent, req)
		if err == nil {
			ent.breaker.success()
			ent.latencies.record(elapsed)
			return &Result{
				Response: resp,
				Config:   ent.config,
				Cost:     ent.config.Cost(resp.Usage),
				Latency:  elapsed,
			}, nil
		}

		lastErr = err
		opened := ent.breaker.failure(g.now())
		g.logger.Warn("llm completion failed",
			"config_id", ent.config.ID,
			"provider", ent.config.Provider,
			"model", ent.config.Model,
			"reason", string(Classify(err)),
			"circuit_open", opened,
			"error", err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Stream opens a streaming completion on the selected provider. Fallback
// applies only to opening the stream; a mid-stream failure surfaces as a
// terminal error chunk.
func (g *Gateway) Stream(ctx context.Context, req *Request) (*StreamHandle, error) {
	order := g.selection(req.PreferConfigID)
	if len(order) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for i, ent := range order {
		if i > 0 && !*g.opts.Fallback {
			break
		}

		upstream, err := ent.backend.Stream(ctx, g.requestFor(ent, req))
		if err != nil {
			lastErr = err
			ent.breaker.failure(g.now())
			g.logger.Warn("llm stream open failed",
				"config_id", ent.config.ID,
				"provider", ent.config.Provider,
				"reason", string(Classify(err)),
				"error", err)
			continue
		}

		out := make(chan Chunk, 8)
		go g.relayStream(ent, upstream, out)
		return &StreamHandle{Chunks: out, Config: ent.config}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// relayStream forwards chunks while keeping breaker and latency state in
// step with the stream's outcome.
func (g *Gateway) relayStream(ent *entry, upstream <-chan Chunk, out chan<- Chunk) {
	defer close(out)
	start := time.Now()

	for chunk := range upstream {
		switch {
		case chunk.Err != nil:
			ent.breaker.failure(g.now())
			g.logger.Warn("llm stream failed",
				"config_id", ent.config.ID,
				"provider", ent.config.Provider,
				"reason", string(Classify(chunk.Err)),
				"error", chunk.Err)
		case chunk.IsComplete:
			ent.breaker.success()
			ent.latencies.record(time.Since(start))
		}
		out <- chunk
	}
}

// Embed produces embeddings through the first available provider that
// supports them.
func (g *Gateway) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	order := g.selection("")

	var lastErr error
	tried := false
	for _, ent := range order {
		emb, ok := ent.backend.(Embedder)
		if !ok {
			continue
		}
		tried = true

		vectors, err := emb.Embed(ctx, model, texts)
		if err == nil {
			ent.breaker.success()
			return vectors, nil
		}

		lastErr = err
		ent.breaker.failure(g.now())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if !tried {
		return nil, fmt.Errorf("%w: none support embeddings", ErrNoProviders)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// IsHealthy reports whether at least one provider can accept traffic.
func (g *Gateway) IsHealthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	for _, ent := range g.entries {
		if ent.breaker.allow(now) {
			return true
		}
	}
	return false
}

// Status snapshots every registered provider for health reporting.
func (g *Gateway) Status() []ProviderStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	statuses := make([]ProviderStatus, 0, len(g.entries))
	for _, ent := range g.entries {
		failures, open := ent.breaker.state(now)
		status := ProviderStatus{
			ConfigID:  ent.config.ID,
			Name:      ent.config.Name,
			Provider:  ent.config.Provider,
			Model:     ent.config.Model,
			Available: !open,
			Failures:  failures,
		}
		if avg, ok := ent.latencies.average(); ok {
			status.AvgMs = float64(avg) / float64(time.Millisecond)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// attempt runs one provider with per-call timeout and bounded retries.
// Non-retryable errors stop the loop immediately.
func (g *Gateway) attempt(ctx context.Context, ent *entry, req *Request) (*Response, time.Duration, error) {
	r := g.requestFor(ent, req)

	timeout := g.opts.DefaultTimeout
	if ent.config.TimeoutSeconds > 0 {
		timeout = time.Duration(ent.config.TimeoutSeconds) * time.Second
	}

	var resp *Response
	var elapsed time.Duration
	err := retry.Do(ctx, g.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		var callErr error
		resp, callErr = ent.backend.Complete(callCtx, r)
		elapsed = time.Since(start)

		if callErr == nil {
			return nil
		}
		if !Classify(callErr).Retryable() {
			return retry.Permanent(callErr)
		}
		return callErr
	})
	if err != nil {
		return nil, 0, err
	}
	return resp, elapsed, nil
}

// requestFor copies the request and fills unset tuning fields from the
// entry's config.
func (g *Gateway) requestFor(ent *entry, req *Request) *Request {
	r := *req
	if r.Model == "" {
		r.Model = ent.config.Model
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = ent.config.MaxTokens
	}
	if r.Temperature == nil {
		t := ent.config.Temperature
		r.Temperature = &t
	}
	return &r
}

// selection returns the available entries in preference order. A preferred
// config id, when registered and available, moves to the front; the rest
// follow the configured strategy.
func (g *Gateway) selection(preferID string) []*entry {
	g.mu.RLock()
	all := make([]*entry, len(g.entries))
	copy(all, g.entries)
	g.mu.RUnlock()

	now := g.now()

	var candidates []*entry
	switch g.opts.Strategy {
	case StrategyRoundRobin:
		// Rotate over the full registry, then filter, so the cursor
		// advances past providers with open circuits.
		offset := int(g.rr.Add(1)-1) % max(len(all), 1)
		for i := range all {
			ent := all[(offset+i)%len(all)]
			if ent.breaker.allow(now) {
				candidates = append(candidates, ent)
			}
		}

	case StrategyLeastLatency:
		candidates = available(all, now)
		sort.SliceStable(candidates, func(i, j int) bool {
			return avgOrInf(candidates[i]) < avgOrInf(candidates[j])
		})

	case StrategyLeastCost:
		candidates = available(all, now)
		sort.SliceStable(candidates, func(i, j int) bool {
			ci := candidates[i].config.PriceIn + candidates[i].config.PriceOut
			cj := candidates[j].config.PriceIn + candidates[j].config.PriceOut
			return ci < cj
		})

	default: // StrategyPriority
		candidates = available(all, now)
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].config.Priority < candidates[j].config.Priority
		})
	}

	if preferID == "" {
		return candidates
	}
	for i, ent := range candidates {
		if ent.config.ID == preferID {
			reordered := make([]*entry, 0, len(candidates))
			reordered = append(reordered, ent)
			reordered = append(reordered, candidates[:i]...)
			reordered = append(reordered, candidates[i+1:]...)
			return reordered
		}
	}
	return candidates
}

func available(entries []*entry, now time.Time) []*entry {
	out := make([]*entry, 0, len(entries))
	for _, ent := range entries {
		if ent.breaker.allow(now) {
			out = append(out, ent)
		}
	}
	return out
}

func avgOrInf(ent *entry) float64 {
	if avg, ok := ent.latencies.average(); ok {
		return float64(avg)
	}
	return math.Inf(1)
}
