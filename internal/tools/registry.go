package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/toolflow/pkg/schema"
)

// Registry is the thread-safe set of available tools. It is the engine's
// Tool Invoker: Invoke looks a tool up by name and normalizes its result.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Returns CONFLICT on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeToolError, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeToolError, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		spec := t.Spec()
		infos = append(infos, ToolInfo{Name: t.Name(), Description: spec.Description, Params: spec.Params})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke runs the named tool with params. Missing required params fail
// before the tool runs. A result that is not a JSON object is wrapped as
// {"result": value}. Errors come back as FlowErrors: TOOL_NOT_FOUND,
// TIMEOUT when ctx expired, TOOL_ERROR otherwise.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	for _, p := range tool.Spec().Params {
		if _, ok := params[p.Name]; p.Required && !ok {
			return nil, schema.NewErrorf(schema.ErrCodeToolError, "tool %q: missing required parameter %q", name, p.Name)
		}
	}

	out, err := tool.Invoke(ctx, params)
	if err != nil {
		return nil, classifyError(ctx, name, err)
	}
	return normalizeResult(out), nil
}

func classifyError(ctx context.Context, name string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "tool %q timed out", name).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeToolError, fmt.Sprintf("tool %q: %s", name, err)).WithCause(err)
}

// normalizeResult converts tool output to plain JSON shapes (float64
// numbers, []any lists) so paths and comparisons behave the same for every tool.
func normalizeResult(out any) map[string]any {
	if b, err := json.Marshal(out); err == nil {
		var decoded any
		if err := json.Unmarshal(b, &decoded); err == nil {
			out = decoded
		}
	}
	switch v := out.(type) {
	case map[string]any:
		if v == nil {
			return map[string]any{}
		}
		return v
	case nil:
		return map[string]any{"result": nil}
	default:
		return map[string]any{"result": v}
	}
}
