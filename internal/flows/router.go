// Package flows resolves which agent configuration governs a conversation
// turn. Resolution walks three stages in order: the conversation's pinned
// flow, the external-context routing hint, then declarative rules by flow
// priority. The first usable flow wins; no match returns nil so the
// orchestrator can fall back to default-model behavior.
package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/pkg/models"
)

// Source records which resolution stage produced a route.
type Source string

const (
	// SourcePinned means the conversation's flow_id selected the flow.
	SourcePinned Source = "pinned"
	// SourceHint means an external-context routing hint selected it.
	SourceHint Source = "hint"
	// SourceRule means a declarative routing rule matched.
	SourceRule Source = "rule"
)

// Catalog is the read surface the router needs. *store.Store satisfies it.
type Catalog interface {
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	ListActiveFlows(ctx context.Context) ([]*models.Flow, error)
	ListFlowChannelBindings(ctx context.Context, flowID string) ([]models.FlowChannelBinding, error)
}

// Route is the resolved (flow, llm config, tools, channel) tuple for one
// turn. SystemPrompt and Tools are copies: downstream layers append to them
// without touching the stored flow.
type Route struct {
	Flow            *models.Flow
	LLMConfigID     string
	Tools           []string
	ChannelConfigID string
	SystemPrompt    string
	Greeting        string
	Source          Source
}

// Router resolves flows for normalized messages.
type Router struct {
	catalog Catalog
	matcher *matcher
	logger  *slog.Logger
	now     func() time.Time
}

// NewRouter creates a router over the given catalog.
func NewRouter(catalog Catalog, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "flow_router")
	return &Router{
		catalog: catalog,
		matcher: newMatcher(logger),
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve returns the route governing this turn, or nil when no flow
// claims the message.
func (r *Router) Resolve(ctx context.Context, msg *models.NormalizedMessage, conv *models.Conversation) (*Route, error) {
	if msg == nil {
		return nil, errors.New("flows: message is nil")
	}

	if conv != nil && conv.FlowID != "" {
		route, err := r.tryFlow(ctx, conv.FlowID, msg, SourcePinned)
		if err != nil {
			return nil, err
		}
		if route != nil {
			return route, nil
		}
		r.logger.Debug("pinned flow not usable, falling through",
			"flow_id", conv.FlowID, "conversation_id", conv.ID)
	}

	if conv != nil {
		if flowID := hintedFlowID(conv.Metadata); flowID != "" {
			route, err := r.tryFlow(ctx, flowID, msg, SourceHint)
			if err != nil {
				return nil, err
			}
			if route != nil {
				return route, nil
			}
			r.logger.Debug("hinted flow not usable, falling through",
				"flow_id", flowID, "conversation_id", conv.ID)
		}
	}

	flows, err := r.catalog.ListActiveFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	sort.SliceStable(flows, func(i, j int) bool { return flows[i].Priority < flows[j].Priority })

	now := r.now()
	for _, flow := range flows {
		if flow.Routing == nil {
			continue
		}
		if !r.matcher.matches(flow.Routing, msg, now) {
			continue
		}
		route, err := r.buildRoute(ctx, flow, msg, SourceRule)
		if err != nil {
			return nil, err
		}
		if route != nil {
			return route, nil
		}
	}
	return nil, nil
}

// tryFlow loads a specific flow and routes to it if it is active and
// reachable. Missing or inactive flows fall through without error.
func (r *Router) tryFlow(ctx context.Context, id string, msg *models.NormalizedMessage, source Source) (*Route, error) {
	flow, err := r.catalog.GetFlow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}
	if !flow.Active {
		return nil, nil
	}
	return r.buildRoute(ctx, flow, msg, source)
}

func (r *Router) buildRoute(ctx context.Context, flow *models.Flow, msg *models.NormalizedMessage, source Source) (*Route, error) {
	bindings, err := r.catalog.ListFlowChannelBindings(ctx, flow.ID)
	if err != nil {
		return nil, fmt.Errorf("load bindings for flow %s: %w", flow.ID, err)
	}
	channelConfigID, reachable := selectBinding(bindings, msg.ChannelConfigID)
	if !reachable {
		return nil, nil
	}

	return &Route{
		Flow:            flow,
		LLMConfigID:     flow.LLMConfigID,
		Tools:           slices.Clone(flow.Tools),
		ChannelConfigID: channelConfigID,
		SystemPrompt:    flow.Config.SystemPrompt,
		Greeting:        flow.Greeting,
		Source:          source,
	}, nil
}

// selectBinding ranks a flow's channel bindings against the message's
// channel: an exact channel_config_id match wins, then binding priority.
// A flow with no bindings is reachable from every channel. A flow whose
// bindings exclude an identified channel is not reachable from it.
func selectBinding(bindings []models.FlowChannelBinding, channelConfigID string) (string, bool) {
	if len(bindings) == 0 {
		return channelConfigID, true
	}

	if channelConfigID != "" {
		for _, b := range bindings {
			if b.ChannelConfigID == channelConfigID {
				return b.ChannelConfigID, true
			}
		}
		return "", false
	}

	// Channel identification fell through; rank by binding priority.
	best := bindings[0]
	for _, b := range bindings[1:] {
		if b.Priority < best.Priority {
			best = b
		}
	}
	return best.ChannelConfigID, true
}

// hintedFlowID extracts external_context.{namespace}.routing.flowId from
// conversation metadata. Namespaces are walked in sorted order so the hint
// is deterministic when several integrations have written envelopes.
func hintedFlowID(metadata map[string]any) string {
	raw, ok := metadata[models.ExternalContextKey].(map[string]any)
	if !ok {
		return ""
	}

	namespaces := make([]string, 0, len(raw))
	for ns := range raw {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		envelope, ok := raw[ns].(map[string]any)
		if !ok {
			continue
		}
		routing, ok := envelope["routing"].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := routing["flowId"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
