// Package tools provides the tool registry and execution contract for the
// orchestrator: named tools with JSON-schema parameter specs, executed with
// failures normalized into result values.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/workdeck/types"
)

// Handler is the function signature every registered tool implements.
// A returned error (or a panic) becomes a failed ToolResult, never a crash.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

const defaultTimeout = 30 * time.Second

type registration struct {
	schema  types.ToolSchema
	handler Handler
	timeout time.Duration
	limiter *rate.Limiter
}

// Option customizes a tool registration.
type Option func(*registration)

// WithTimeout overrides the per-call execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *registration) { r.timeout = d }
}

// WithRateLimit bounds the tool to maxCalls per window.
func WithRateLimit(maxCalls int, window time.Duration) Option {
	return func(r *registration) {
		r.limiter = rate.NewLimiter(rate.Limit(float64(maxCalls)/window.Seconds()), maxCalls)
	}
}

// Registry holds tool definitions and handlers. Read-mostly: safe for shared
// use across concurrent executions within a run.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	tools  map[string]*registration
	logger *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*registration),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register adds a {definition, handler} pair. Registering a name twice fails.
func (r *Registry) Register(schema types.ToolSchema, handler Handler, opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schema.Name == "" {
		return types.NewError(types.ErrInvalidRequest, "tool schema has no name")
	}
	if handler == nil {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("tool %s has no handler", schema.Name))
	}
	if _, exists := r.tools[schema.Name]; exists {
		return types.NewError(types.ErrDuplicateTool, fmt.Sprintf("tool %s already registered", schema.Name))
	}

	reg := &registration{
		schema:  schema,
		handler: handler,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.tools[schema.Name] = reg
	r.order = append(r.order, schema.Name)

	r.logger.Info("tool registered",
		zap.String("name", schema.Name),
		zap.String("category", schema.Category),
		zap.Duration("timeout", reg.timeout),
	)
	return nil
}

// List returns enabled tool definitions in registration order. When enabledNames
// is non-nil, only tools in that set are returned. Order is stable because it
// is surfaced to the model as available-tool context.
func (r *Registry) List(enabledNames []string) []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filter := nameSet(enabledNames)
	schemas := make([]types.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		reg := r.tools[name]
		if !reg.schema.Enabled {
			continue
		}
		if filter != nil && !filter[name] {
			continue
		}
		schemas = append(schemas, reg.schema)
	}
	return schemas
}

// ListNames is the name projection of List.
func (r *Registry) ListNames(enabledNames []string) []string {
	schemas := r.List(enabledNames)
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	return names
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Execute runs a named call and returns its result. Never returns an error:
// every failure mode (unknown tool, bad arguments, handler error, panic,
// timeout, cancellation) is normalized into a failed ToolResult.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	start := time.Now()
	result := types.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
	}

	// Cancellation observed before invocation never starts the handler.
	if err := ctx.Err(); err != nil {
		result.Error = fmt.Sprintf("cancelled: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		result.Error = fmt.Sprintf("Unknown tool: %s", call.Name)
		result.Duration = time.Since(start)
		r.logger.Warn("unknown tool requested", zap.String("name", call.Name))
		return result
	}

	if reg.limiter != nil && !reg.limiter.Allow() {
		result.Error = fmt.Sprintf("rate limit exceeded for tool %s", call.Name)
		result.Duration = time.Since(start)
		r.logger.Warn("tool rate limit exceeded", zap.String("name", call.Name))
		return result
	}

	if len(call.Arguments) > 0 && !json.Valid(call.Arguments) {
		result.Error = fmt.Sprintf("invalid arguments for tool %s: not valid JSON", call.Name)
		result.Duration = time.Since(start)
		return result
	}

	execCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	// Buffered so the goroutine can exit even if nobody receives after timeout.
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		content, err := reg.handler(execCtx, call.Arguments)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		result.Duration = time.Since(start)
		if out.err != nil {
			result.Error = out.err.Error()
			r.logger.Error("tool execution failed",
				zap.String("name", call.Name),
				zap.Error(out.err),
				zap.Duration("duration", result.Duration),
			)
		} else {
			result.Content = out.content
			r.logger.Debug("tool executed",
				zap.String("name", call.Name),
				zap.Duration("duration", result.Duration),
			)
		}
	case <-execCtx.Done():
		result.Duration = time.Since(start)
		if ctx.Err() != nil {
			result.Error = fmt.Sprintf("cancelled: %v", ctx.Err())
		} else {
			result.Error = fmt.Sprintf("execution timeout after %s", reg.timeout)
		}
		r.logger.Error("tool execution aborted",
			zap.String("name", call.Name),
			zap.String("error", result.Error),
		)
	}

	return result
}

// ExecuteAll runs calls sequentially in request order so results are fed back
// in the same order the model asked for them.
func (r *Registry) ExecuteAll(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.Execute(ctx, call))
	}
	return results
}

func nameSet(names []string) map[string]bool {
	if names == nil {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
