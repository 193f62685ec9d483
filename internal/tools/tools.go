// Package tools defines the capability tools available to the agent loop
// and the registry that dispatches calls to them by name.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`

	schema *jsonschema.Schema
}

// Registry holds available tools. Register every tool before the registry
// is shared; lookups are not synchronized against registration.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry, replacing any tool of the same
// name. Its Parameters are compiled as a JSON Schema; a declaration that
// does not compile is a programming error and panics.
func (r *Registry) Register(t *Tool) {
	schema, err := compileSchema(t.Name, t.Parameters)
	if err != nil {
		panic(fmt.Sprintf("tools: schema for %q: %v", t.Name, err))
	}
	t.schema = schema
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List returns all tool declarations for the LLM, sorted by name so the
// request body is stable across calls.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with the given JSON arguments. Unknown tools
// yield *ErrToolUnavailable and schema violations *ErrInvalidArguments;
// handler errors are returned as-is.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &ErrInvalidArguments{ToolName: name, Reason: "arguments are not a JSON object"}
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	if err := validateArgs(tool.schema, argsJSON); err != nil {
		return "", &ErrInvalidArguments{ToolName: name, Reason: err.Error()}
	}

	return tool.Handler(ctx, args)
}

// Invocation is the outcome of one tool call as seen by the loop.
type Invocation struct {
	Name     string
	Result   string
	OK       bool
	Err      error
	Duration time.Duration
}

// Invoke runs a tool and never fails: every error, including a handler
// panic, becomes a JSON object with an "error" field in Result so the
// model can see what went wrong and continue.
func (r *Registry) Invoke(ctx context.Context, name string, argsJSON string) (inv Invocation) {
	start := time.Now()
	inv.Name = name

	defer func() {
		if p := recover(); p != nil {
			inv.Err = fmt.Errorf("tool %q panicked: %v", name, p)
		}
		inv.Duration = time.Since(start)
		if inv.Err != nil {
			inv.OK = false
			inv.Result = errorPayload(name, inv.Err)
			r.logger.Warn("tool call failed",
				"thread", ThreadIDFromContext(ctx),
				"tool", name,
				"error", inv.Err,
				"elapsed", inv.Duration.Round(time.Millisecond),
			)
			return
		}
		inv.OK = true
		r.logger.Debug("tool call completed",
			"thread", ThreadIDFromContext(ctx),
			"tool", name,
			"result_len", len(inv.Result),
			"elapsed", inv.Duration.Round(time.Millisecond),
		)
	}()

	inv.Result, inv.Err = r.Execute(ctx, name, argsJSON)
	if inv.Err == nil && ctx.Err() != nil {
		inv.Err = ctx.Err()
	}
	return inv
}

func errorPayload(name string, err error) string {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("tool %q timed out", name)
	}
	b, _ := json.Marshal(map[string]string{"error": msg, "tool": name})
	return string(b)
}
