package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	env := newTestEnv(t)
	require.NotNil(t, env.server.mcpServer)
	assert.NotNil(t, env.server.logger)
	assert.NotNil(t, env.server.sessions)
}

func TestToolRegistration(t *testing.T) {
	env := newTestEnv(t)

	tools := env.server.mcpServer.ListTools()
	require.Len(t, tools, 8+env.tools.Count())

	expectedTools := []string{
		"list_workflows",
		"describe_workflow",
		"register_workflow",
		"execute_workflow",
		"get_workflow_status",
		"list_executions",
		"cancel_workflow",
		"workflow_diagram",
		"echo",
		"block",
	}
	for _, name := range expectedTools {
		tool := env.server.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"list", "list_workflows", "List registered workflows"},
		{"register", "register_workflow", "Register or replace a workflow from a JSON list of steps"},
		{"execute", "execute_workflow", "Start a run of a registered workflow and return its execution id"},
		{"status", "get_workflow_status", "Get an execution's status and per-step results"},
		{"cancel", "cancel_workflow", "Request cancellation of a running execution"},
		{"host", "echo", "return the params"},
	}

	env := newTestEnv(t)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := env.server.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestHostToolSchema(t *testing.T) {
	env := newTestEnv(t)
	tool := env.server.mcpServer.GetTool("echo")
	require.NotNil(t, tool)
	assert.Contains(t, tool.Tool.InputSchema.Properties, "msg")
	assert.Contains(t, tool.Tool.InputSchema.Required, "msg")
}

// TestHandleMessage drives the server through raw JSON-RPC the way a client
// transport does.
func TestHandleMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	srv := env.server.MCPServer()

	initMsg := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`
	resp := srv.HandleMessage(ctx, json.RawMessage(initMsg))
	require.NotNil(t, resp)

	callMsg := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_workflows","arguments":{}}}`
	resp = srv.HandleMessage(ctx, json.RawMessage(callMsg))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var envelope struct {
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope), string(raw))
	require.False(t, envelope.Result.IsError)
	require.Len(t, envelope.Result.Content, 1)

	var list struct {
		Workflows []workflowInfo `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal([]byte(envelope.Result.Content[0].Text), &list))
	require.Len(t, list.Workflows, 2)
	assert.Equal(t, "greet", list.Workflows[0].Name)
	assert.Equal(t, 2, list.Workflows[0].Steps)
}
