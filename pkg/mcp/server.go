package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/internal/tools"
	"github.com/rendis/toolflow/internal/validation"
	"github.com/rendis/toolflow/internal/workflows"
)

// SSEBasePath is where the SSE transport is mounted: clients connect to
// SSEBasePath+"/sse" and post to SSEBasePath+"/message".
const SSEBasePath = "/mcp"

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Workflows  *workflows.Registry
	Validator  *validation.Validator
	Engine     *engine.Engine
	Executions *store.ExecutionStore
	Tools      *tools.Registry // host tools are re-exposed when set
	Hub        streaming.EventHub
	Logger     *slog.Logger
	Version    string
}

// Server wraps an MCP server with the orchestrator's tool handlers.
type Server struct {
	workflows  *workflows.Registry
	validator  *validation.Validator
	engine     *engine.Engine
	executions *store.ExecutionStore
	tools      *tools.Registry
	hub        streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with the orchestration tools and every host
// tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		workflows:  deps.Workflows,
		validator:  deps.Validator,
		engine:     deps.Engine,
		executions: deps.Executions,
		tools:      deps.Tools,
		hub:        deps.Hub,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"toolflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("Toolflow runs workflows: named graphs of tool calls. Use list_workflows and describe_workflow to discover them, register_workflow to add one, execute_workflow to start a run, get_workflow_status to poll it and cancel_workflow to stop it. Host tools can also be called directly."),
	)

	mcpSrv.AddTools(s.orchestrationTools()...)
	mcpSrv.AddTools(s.hostTools()...)
	s.mcpServer = mcpSrv
	return s
}

// hooks drops session mappings when a client goes away.
func (s *Server) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler returns the SSE transport as an http.Handler rooted at SSEBasePath.
func (s *Server) SSEHandler() http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(SSEBasePath))
}

// ServeSSE serves the SSE transport on addr until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(SSEBasePath+"/", s.SSEHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mcp sse listening", "addr", addr, "path", SSEBasePath+"/sse")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns a Notifier that reports finished runs to the sessions that
// started them.
func (s *Server) Notifier() *Notifier {
	return NewNotifier(s.mcpServer, s.sessions, s.hub, s.logger)
}

// ForgetExecution drops the session mapping of a pruned execution.
func (s *Server) ForgetExecution(executionID string) {
	s.sessions.Forget(executionID)
}

// orchestrationTools returns the workflow tools as ServerTool entries.
func (s *Server) orchestrationTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: describeWorkflowTool(), Handler: s.handleDescribeWorkflow},
		{Tool: registerWorkflowTool(), Handler: s.handleRegisterWorkflow},
		{Tool: executeWorkflowTool(), Handler: s.handleExecuteWorkflow},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("list_workflows",
		mcp.WithDescription("List registered workflows"),
	)
}

func describeWorkflowTool() mcp.Tool {
	return mcp.NewTool("describe_workflow",
		mcp.WithDescription("Show a workflow's steps, dependencies and conditions"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
	)
}

func registerWorkflowTool() mcp.Tool {
	return mcp.NewTool("register_workflow",
		mcp.WithDescription("Register or replace a workflow from a JSON list of steps"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("steps_json", mcp.Required(), mcp.Description(`JSON array of steps: [{"name", "tool_name", "parameters", "depends_on", "condition", "validation_rules", "timeout"}]`)),
		mcp.WithString("description", mcp.Description("Workflow description")),
	)
}

func executeWorkflowTool() mcp.Tool {
	return mcp.NewTool("execute_workflow",
		mcp.WithDescription("Start a run of a registered workflow and return its execution id"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithObject("metadata", mcp.Description("Caller metadata stored with the execution")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("get_workflow_status",
		mcp.WithDescription("Get an execution's status and per-step results"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("list_executions",
		mcp.WithDescription("List executions, newest first"),
		mcp.WithString("workflow", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status", mcp.Description("Only executions in this status"),
			mcp.Enum("pending", "running", "completed", "failed", "cancelled")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("cancel_workflow",
		mcp.WithDescription("Request cancellation of a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("workflow_diagram",
		mcp.WithDescription("Render a workflow as a Mermaid flowchart or ASCII art, optionally with an execution's step statuses"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("execution_id", mcp.Description("Execution whose statuses to overlay")),
		mcp.WithString("format", mcp.Description("Output format (default mermaid)"), mcp.Enum("mermaid", "ascii")),
	)
}
