package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	MaxToolNameLength = 256
	MaxToolArgsSize   = 1 << 20
)

// ArtifactRecorder appends to the session artifact log.
type ArtifactRecorder interface {
	RecordArtifact(ctx context.Context, ev *models.ArtifactEvent) error
}

// Metrics receives tool execution measurements.
type Metrics interface {
	ObserveToolCall(name string, ok bool, elapsed time.Duration)
}

// Config controls execution.
type Config struct {
	Timeout time.Duration
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds tools and executes calls with validation, timeout and
// panic capture.
//
// Thread Safety:
// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]entry
	config    Config
	artifacts ArtifactRecorder
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config, artifacts ArtifactRecorder, metrics Metrics, logger *slog.Logger) *Registry {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:     make(map[string]entry),
		config:    config,
		artifacts: artifacts,
		metrics:   metrics,
		logger:    logger.With("component", "tools"),
		now:       time.Now,
	}
}

// Register adds a tool, compiling its schema. A tool with the same name is
// replaced.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		var err error
		compiled, err = jsonschema.CompileString("tool:"+name, string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = entry{tool: tool, schema: compiled}
	return nil
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Specs describes the tools in allowed, or every tool when allowed is
// empty.
func (r *Registry) Specs(allowed []string) []llm.ToolSpec {
	names := allowed
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        name,
			Description: e.tool.Description(),
			Schema:      e.tool.Schema(),
		})
	}
	return specs
}

// Execute runs one call and always returns a result envelope. The error is
// non-nil only when ctx was cancelled by the caller.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (Result, error) {
	ctx, span := otel.Tracer("conductor/tools").Start(ctx, "tool."+call.Name)
	span.SetAttributes(attribute.String("tool.name", call.Name), attribute.String("tool.call_id", call.ID))
	defer span.End()

	start := r.now()
	data, err := r.execute(ctx, call)
	elapsed := r.now().Sub(start)

	result := Result{Tool: call.Name, OK: err == nil, Timestamp: r.now().UnixMilli()}
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.WarnContext(ctx, "tool call failed", "tool", call.Name, "error", err, "duration", elapsed)
	} else {
		result.Data = data
		r.logger.DebugContext(ctx, "tool call succeeded", "tool", call.Name, "duration", elapsed)
	}
	if r.metrics != nil {
		r.metrics.ObserveToolCall(call.Name, result.OK, elapsed)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

func (r *Registry) execute(ctx context.Context, call models.ToolCall) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewToolError(call.Name, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name))
	}

	args := normalizeArgs(call.Arguments)
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, NewToolError(call.Name, fmt.Errorf("%w: %w", ErrInvalidArguments, err))
	}
	if len(raw) > MaxToolArgsSize {
		return nil, NewToolError(call.Name, fmt.Errorf("%w: larger than %d bytes", ErrInvalidArguments, MaxToolArgsSize))
	}
	if e.schema != nil {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, NewToolError(call.Name, fmt.Errorf("%w: %w", ErrInvalidArguments, err))
		}
		if err := e.schema.Validate(decoded); err != nil {
			return nil, NewToolError(call.Name, fmt.Errorf("%w: %w", ErrInvalidArguments, err))
		}
	}

	data, err := r.run(ctx, e.tool, raw)
	if err != nil {
		return nil, NewToolError(call.Name, err)
	}
	r.recordArtifact(ctx, e.tool, call.Name, raw)
	return data, nil
}

// run executes with a timeout, converting panics to errors.
func (r *Registry) run(ctx context.Context, tool Tool, raw json.RawMessage) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrToolPanic, p)}
			}
		}()
		data, err := tool.Execute(callCtx, raw)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrToolTimeout, r.config.Timeout)
	}
}

func (r *Registry) recordArtifact(ctx context.Context, tool Tool, name string, raw json.RawMessage) {
	if r.artifacts == nil {
		return
	}
	userID, sessionID := ScopeFrom(ctx)
	if sessionID == "" {
		return
	}
	kind, target := models.ArtifactTool, name
	if a, ok := tool.(Artifacter); ok {
		if k, t := a.Artifact(raw); t != "" {
			kind, target = k, t
		}
	}
	ev := &models.ArtifactEvent{
		UserID:    userID,
		SessionID: sessionID,
		Kind:      kind,
		Target:    target,
		Tool:      name,
		CreatedAt: r.now(),
	}
	if err := r.artifacts.RecordArtifact(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "failed to record artifact", "tool", name, "error", err)
	}
}

func normalizeArgs(args any) any {
	switch v := args.(type) {
	case nil:
		return map[string]any{}
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return map[string]any{}
		}
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
		return map[string]any{"input": v}
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			return decoded
		}
		return map[string]any{}
	}
	return args
}
