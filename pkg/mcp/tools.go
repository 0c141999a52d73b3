package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/toolflow/internal/diagram"
	"github.com/rendis/toolflow/internal/tools"
	"github.com/rendis/toolflow/pkg/schema"
)

// defaultListLimit caps list_executions when the caller gives no limit.
const defaultListLimit = 50

// workflowInfo is the list_workflows entry for one workflow.
type workflowInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
	Builtin     bool   `json:"builtin,omitempty"`
}

// handleListWorkflows returns every registered workflow, sorted by name.
func (s *Server) handleListWorkflows(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all := s.workflows.Describe()
	out := make([]workflowInfo, 0, len(all))
	for _, wf := range all {
		out = append(out, workflowInfo{
			Name:        wf.Name,
			Description: wf.Description,
			Steps:       len(wf.Steps),
			Builtin:     wf.Builtin,
		})
	}
	return marshalResult(map[string]any{"workflows": out})
}

// handleDescribeWorkflow returns one workflow's full definition.
func (s *Server) handleDescribeWorkflow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	wf, err := s.workflows.Get(name)
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(wf)
}

// handleRegisterWorkflow parses steps_json and registers the workflow.
func (s *Server) handleRegisterWorkflow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	stepsJSON, err := req.RequireString("steps_json")
	if err != nil {
		return mcp.NewToolResultError("steps_json is required"), nil
	}
	description := req.GetString("description", "")

	steps, err := s.validator.ParseSteps([]byte(stepsJSON))
	if err != nil {
		return flowErrorResult(err), nil
	}

	result, err := s.workflows.Register(name, description, steps)
	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeInvalidWorkflow)
		return flowErrorResult(fe.WithDetails(map[string]any{"errors": result.Errors})), nil
	}

	return marshalResult(map[string]any{
		"registered": name,
		"steps":      len(steps),
		"warnings":   result.Warnings,
	})
}

// handleExecuteWorkflow starts a run and returns without waiting for it.
func (s *Server) handleExecuteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	metadata := mcp.ParseStringMap(req, "metadata", nil)

	id, err := s.engine.ExecuteWithHook(ctx, name, metadata, func(id string) {
		s.captureSession(ctx, id)
	})
	if err != nil {
		return flowErrorResult(err), nil
	}

	return marshalResult(map[string]any{
		"execution_id": id,
		"workflow":     name,
		"status":       schema.ExecutionStatusRunning,
	})
}

// handleStatus returns a point-in-time snapshot of an execution.
func (s *Server) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	ex, err := s.engine.Get(id)
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(map[string]any{
		"execution": ex,
		"summary":   ex.Summary(),
	})
}

// handleListExecutions returns execution summaries, newest first.
func (s *Server) handleListExecutions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow := req.GetString("workflow", "")
	status := schema.ExecutionStatus(req.GetString("status", ""))
	limit := req.GetInt("limit", defaultListLimit)

	out := make([]schema.ExecutionSummary, 0)
	for _, sum := range s.executions.List() {
		if workflow != "" && sum.WorkflowName != workflow {
			continue
		}
		if status != "" && sum.Status != status {
			continue
		}
		out = append(out, sum)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return marshalResult(map[string]any{"executions": out})
}

// handleCancel requests cooperative cancellation.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.engine.Cancel(ctx, id); err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(map[string]any{
		"execution_id":     id,
		"cancel_requested": true,
	})
}

// handleDiagram renders a workflow, with an execution's statuses if given.
func (s *Server) handleDiagram(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	wf, err := s.workflows.Get(name)
	if err != nil {
		return flowErrorResult(err), nil
	}

	var ex *schema.Execution
	if id := req.GetString("execution_id", ""); id != "" {
		if ex, err = s.engine.Get(id); err != nil {
			return flowErrorResult(err), nil
		}
		if ex.WorkflowName != wf.Name {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s is a run of %q, not %q", id, ex.WorkflowName, wf.Name)), nil
		}
	}

	model, err := diagram.Build(wf, ex)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch req.GetString("format", "mermaid") {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q", req.GetString("format", ""))), nil
	}
}

// --- Host tools ---

// hostTools exposes every registered tool directly. A tool whose name clashes
// with an orchestration tool is skipped.
func (s *Server) hostTools() []server.ServerTool {
	if s.tools == nil {
		return nil
	}
	reserved := make(map[string]bool)
	for _, t := range s.orchestrationTools() {
		reserved[t.Tool.Name] = true
	}

	var out []server.ServerTool
	for _, info := range s.tools.List() {
		if reserved[info.Name] {
			s.logger.Warn("host tool shadowed by orchestration tool, not exposed", "tool", info.Name)
			continue
		}
		out = append(out, server.ServerTool{
			Tool:    hostTool(info),
			Handler: s.invokeHandler(info.Name),
		})
	}
	return out
}

func hostTool(info tools.ToolInfo) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(info.Description)}
	for _, p := range info.Params {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		switch p.Type {
		case tools.ParamString:
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		case tools.ParamNumber:
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		case tools.ParamBoolean:
			opts = append(opts, mcp.WithBoolean(p.Name, propOpts...))
		case tools.ParamObject:
			opts = append(opts, mcp.WithObject(p.Name, propOpts...))
		case tools.ParamArray:
			opts = append(opts, mcp.WithArray(p.Name, propOpts...))
		default:
			opts = append(opts, mcp.WithAny(p.Name, propOpts...))
		}
	}
	return mcp.NewTool(info.Name, opts...)
}

func (s *Server) invokeHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := s.tools.Invoke(ctx, name, req.GetArguments())
		if err != nil {
			return flowErrorResult(err), nil
		}
		return marshalResult(out)
	}
}

// --- Internal helpers ---

// captureSession maps the execution to the calling MCP session so the
// notifier can report its outcome.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// flowErrorResult renders err as a tool error carrying its code and details.
func flowErrorResult(err error) *mcp.CallToolResult {
	fe := schema.AsFlowError(err, schema.ErrCodeToolError)
	data, mErr := json.Marshal(map[string]any{"error": fe})
	if mErr != nil {
		return mcp.NewToolResultError(fe.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
