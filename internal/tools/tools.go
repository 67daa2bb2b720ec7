// Package tools executes the tools a flow exposes to the model. A runtime
// holds the registry of tool definitions, validates call arguments against
// each tool's JSON schema, enforces channel and rate-limit permissions at
// dispatch, and records every invocation as an execution row.
//
// Four kinds are supported: code tools run in-process handler functions
// registered by name; email, sql, and rest tools are declarative, driven
// entirely by the definition's spec document.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/solvia-ai/relay/internal/ratelimit"
	"github.com/solvia-ai/relay/pkg/models"
)

const (
	// maxToolNameLength bounds the tool name accepted from the model.
	maxToolNameLength = 256

	// maxToolParamsSize bounds the argument payload accepted from the
	// model (1 MB).
	maxToolParamsSize = 1 << 20

	defaultTimeout = 30 * time.Second
)

// Invocation carries the turn coordinates a tool call executes under.
type Invocation struct {
	// ConversationID scopes the execution record.
	ConversationID string

	// CallID is the model-assigned tool call id.
	CallID string

	// Channel is the transport the triggering message arrived on.
	// Checked against the tool's channel whitelist.
	Channel models.ChannelType
}

// Handler implements a code tool. The returned string becomes the
// execution result handed back to the model.
type Handler func(ctx context.Context, params json.RawMessage, inv Invocation) (string, error)

// executor is the uniform dispatch contract behind every tool kind.
type executor interface {
	run(ctx context.Context, params json.RawMessage, inv Invocation) (string, error)
}

// Recorder persists execution rows. *store.Store satisfies it.
type Recorder interface {
	InsertToolExecution(ctx context.Context, exec *models.ToolExecution) error
}

// Definitions lists the active tool definitions to sync the registry from.
type Definitions interface {
	ListActiveToolDefinitions(ctx context.Context) ([]*models.ToolDefinition, error)
}

// Options configures a Runtime.
type Options struct {
	// Recorder receives one execution row per invocation. Nil skips
	// persistence.
	Recorder Recorder

	// Limiter enforces per-tool rate limits. Nil allocates a private
	// limiter.
	Limiter *ratelimit.Limiter

	// SMTP is the default relay for email tools whose spec does not
	// carry its own smtp block.
	SMTP SMTPSettings

	// Mailer overrides the SMTP transport for email tools. Nil uses
	// go-mail against the resolved relay settings.
	Mailer Mailer

	// Timeout bounds each invocation's wall clock. Default 30s.
	Timeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Limiter == nil {
		o.Limiter = ratelimit.NewLimiter()
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// registration binds a definition to its compiled schema and executor.
type registration struct {
	def    *models.ToolDefinition
	exec   executor
	schema *jsonschema.Schema
}

// Runtime is the process-wide tool registry and dispatcher.
type Runtime struct {
	opts       Options
	logger     *slog.Logger
	restClient *restClient

	mu       sync.RWMutex
	tools    map[string]*registration
	handlers map[string]Handler
}

// NewRuntime creates an empty runtime. Definitions arrive via Register or
// Sync; code-tool implementations via RegisterHandler.
func NewRuntime(opts Options) *Runtime {
	opts.applyDefaults()
	return &Runtime{
		opts:       opts,
		logger:     opts.Logger.With("component", "tool_runtime"),
		restClient: newRESTClient(opts.Timeout),
		tools:      make(map[string]*registration),
		handlers:   make(map[string]Handler),
	}
}

// RegisterHandler installs the in-process implementation for a code tool.
// The handler is looked up by the tool's name at dispatch time, so handlers
// and definitions may register in either order.
func (r *Runtime) RegisterHandler(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Register adds or replaces one tool definition. Inactive definitions are
// removed from the registry.
func (r *Runtime) Register(def *models.ToolDefinition) error {
	if def == nil || def.Name == "" {
		return errors.New("tool definition requires a name")
	}
	if !def.Active {
		r.Deregister(def.Name)
		return nil
	}

	var schema *jsonschema.Schema
	if len(def.Parameters) > 0 && string(def.Parameters) != "null" {
		compiled, err := compileSchema(def.Parameters)
		if err != nil {
			return fmt.Errorf("compile parameters for %q: %w", def.Name, err)
		}
		schema = compiled
	}

	var exec executor
	var err error
	switch def.Kind {
	case models.ToolKindCode:
		exec = &codeExecutor{name: def.Name, runtime: r}
	case models.ToolKindEmail:
		exec, err = newEmailExecutor(def.Spec, r.opts.SMTP, r.opts.Mailer)
	case models.ToolKindSQL:
		exec, err = newSQLExecutor(def.Name, def.Spec, r.logger)
	case models.ToolKindREST:
		exec, err = newRESTExecutor(def.Spec, r.restClient)
	default:
		err = fmt.Errorf("unsupported tool kind %q", def.Kind)
	}
	if err != nil {
		return fmt.Errorf("register tool %q: %w", def.Name, err)
	}

	r.mu.Lock()
	old := r.tools[def.Name]
	r.tools[def.Name] = &registration{def: def, exec: exec, schema: schema}
	r.mu.Unlock()

	closeExecutor(old)
	return nil
}

// Deregister removes a tool and releases any resources it held.
func (r *Runtime) Deregister(name string) {
	r.mu.Lock()
	old := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()
	closeExecutor(old)
}

// Sync replaces the registry with the active definitions from src.
// Definitions that fail to register are skipped with a warning; definitions
// no longer present are dropped.
func (r *Runtime) Sync(ctx context.Context, src Definitions) error {
	defs, err := src.ListActiveToolDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("list tool definitions: %w", err)
	}

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			r.logger.Warn("skipping tool definition", "tool", def.Name, "error", err)
			continue
		}
		seen[def.Name] = true
	}

	var stale []*registration
	r.mu.Lock()
	for name, reg := range r.tools {
		if !seen[name] {
			stale = append(stale, reg)
			delete(r.tools, name)
		}
	}
	r.mu.Unlock()
	for _, reg := range stale {
		closeExecutor(reg)
	}

	r.logger.Debug("tool registry synced", "tools", len(seen), "dropped", len(stale))
	return nil
}

// Definitions returns the registered definitions for the named tools, in
// the given order. Unknown names are skipped.
func (r *Runtime) Definitions(names []string) []*models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*models.ToolDefinition, 0, len(names))
	for _, name := range names {
		if reg, ok := r.tools[name]; ok {
			defs = append(defs, reg.def)
		}
	}
	return defs
}

// Execute dispatches one tool call and returns its execution record.
// Failures are encoded in the record's status and error, never as a Go
// error: the model consumes the outcome either way.
func (r *Runtime) Execute(ctx context.Context, call models.ToolCall, inv Invocation) *models.ToolExecution {
	start := time.Now()
	exec := &models.ToolExecution{
		ID:             uuid.New().String(),
		ConversationID: inv.ConversationID,
		ToolName:       call.Name,
		Parameters:     call.Parameters,
		Status:         models.ExecutionPending,
		CreatedAt:      start,
	}

	reg, gateErr := r.admit(call, inv)
	if gateErr != nil {
		r.finish(ctx, exec, start, "", models.ExecutionError, gateErr)
		return exec
	}

	content, timedOut, runErr := r.runWithTimeout(ctx, reg, call.Parameters, inv)
	switch {
	case timedOut:
		r.finish(ctx, exec, start, "", models.ExecutionTimeout, runErr)
	case runErr != nil:
		r.finish(ctx, exec, start, "", models.ExecutionError, runErr)
	default:
		r.finish(ctx, exec, start, content, models.ExecutionSuccess, nil)
	}
	return exec
}

// admit runs the dispatch gates: registry lookup, channel whitelist, and
// rate limit.
func (r *Runtime) admit(call models.ToolCall, inv Invocation) (*registration, error) {
	if len(call.Name) > maxToolNameLength {
		return nil, fmt.Errorf("tool name exceeds %d characters", maxToolNameLength)
	}
	if len(call.Parameters) > maxToolParamsSize {
		return nil, fmt.Errorf("tool parameters exceed %d bytes", maxToolParamsSize)
	}

	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}

	if !reg.def.Permissions.Allows(inv.Channel) {
		return nil, fmt.Errorf("tool %q not permitted on channel %q", call.Name, inv.Channel)
	}

	if rl := reg.def.Permissions.RateLimit; rl != nil {
		key := ratelimit.CompositeKey("tool", call.Name)
		window := time.Duration(rl.WindowSeconds) * time.Second
		if !r.opts.Limiter.Allow(key, rl.Requests, window) {
			return nil, fmt.Errorf("tool %q rate limit exceeded (%d per %ds)",
				call.Name, rl.Requests, rl.WindowSeconds)
		}
	}

	if err := validateParams(reg.schema, call.Parameters); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	return reg, nil
}

// runWithTimeout executes the tool body under the runtime deadline. The
// body runs in its own goroutine so a stuck tool cannot wedge the turn; a
// late result is discarded with a warning.
func (r *Runtime) runWithTimeout(ctx context.Context, reg *registration, params json.RawMessage, inv Invocation) (string, bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		content, err := reg.exec.run(runCtx, params, inv)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		return out.content, false, out.err
	case <-runCtx.Done():
		name := reg.def.Name
		go func() {
			out := <-done
			r.logger.Warn("tool completed after cancellation, result discarded",
				"tool", name, "error", out.err)
		}()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", true, fmt.Errorf("tool execution timed out after %v", r.opts.Timeout)
		}
		return "", false, errors.New("tool execution canceled")
	}
}

// finish stamps the outcome onto the record, persists it, and logs.
func (r *Runtime) finish(ctx context.Context, exec *models.ToolExecution, start time.Time, content string, status models.ExecutionStatus, cause error) {
	exec.Status = status
	exec.Result = content
	if cause != nil {
		exec.Error = cause.Error()
	}
	exec.ExecutionTimeMS = time.Since(start).Milliseconds()

	switch status {
	case models.ExecutionSuccess:
		r.logger.Debug("tool executed",
			"tool", exec.ToolName, "duration_ms", exec.ExecutionTimeMS)
	default:
		r.logger.Warn("tool execution failed",
			"tool", exec.ToolName, "status", status,
			"duration_ms", exec.ExecutionTimeMS, "error", exec.Error)
	}

	if r.opts.Recorder == nil {
		return
	}
	// The turn context may already be expired (that is how timeouts
	// arrive here), so persistence gets a detached deadline.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.opts.Recorder.InsertToolExecution(recordCtx, exec); err != nil {
		r.logger.Error("recording tool execution failed",
			"tool", exec.ToolName, "execution_id", exec.ID, "error", err)
	}
}

// Close releases pooled resources held by declarative tools.
func (r *Runtime) Close() error {
	r.mu.Lock()
	regs := make([]*registration, 0, len(r.tools))
	for name, reg := range r.tools {
		regs = append(regs, reg)
		delete(r.tools, name)
	}
	r.mu.Unlock()

	var firstErr error
	for _, reg := range regs {
		if closer, ok := reg.exec.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func closeExecutor(reg *registration) {
	if reg == nil {
		return
	}
	if closer, ok := reg.exec.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
