package tools

import (
	"context"
)

// Tool is an external capability a workflow step invokes by name.
// Invoke returns any JSON-like value; the registry normalizes it to an object.
type Tool interface {
	Name() string
	Spec() ToolSpec
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// ToolSpec describes a tool's parameters for listings and MCP exposure.
type ToolSpec struct {
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
}

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
	ParamAny     ParamType = "any"
)

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
}

// ToolInfo is a summary of a registered tool for listing.
type ToolInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	ToolSpec ToolSpec
	Fn       func(ctx context.Context, params map[string]any) (any, error)
}

func (f *Func) Name() string   { return f.ToolName }
func (f *Func) Spec() ToolSpec { return f.ToolSpec }

func (f *Func) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return f.Fn(ctx, params)
}

// NewFunc builds a Func tool.
func NewFunc(name, description string, fn func(ctx context.Context, params map[string]any) (any, error), params ...ParamSpec) *Func {
	return &Func{ToolName: name, ToolSpec: ToolSpec{Description: description, Params: params}, Fn: fn}
}

// --- param helpers ---

func stringParam(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func objectParam(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func success(result any) map[string]any {
	return map[string]any{"status": "success", "result": result}
}
