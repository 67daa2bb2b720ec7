package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// codeExecutor dispatches to the in-process handler registered under the
// tool's name. The lookup happens per call, so handler registration and
// definition sync may happen in either order.
type codeExecutor struct {
	name    string
	runtime *Runtime
}

func (e *codeExecutor) run(ctx context.Context, params json.RawMessage, inv Invocation) (string, error) {
	e.runtime.mu.RLock()
	handler := e.runtime.handlers[e.name]
	e.runtime.mu.RUnlock()

	if handler == nil {
		return "", fmt.Errorf("no handler registered for code tool %q", e.name)
	}
	return handler(ctx, params, inv)
}
