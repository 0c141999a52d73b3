package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/pkg/schema"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	isolate(t)
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	cfg.DesktopDir = t.TempDir()
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *app {
	t.Helper()
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.shutdown(time.Second) })
	return a
}

func TestNewApp_RegistersBuiltins(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	assert.True(t, a.tools.Has("echo"))
	assert.True(t, a.tools.Has("count_r"))
	assert.True(t, a.workflows.Has("data_processing"))
	assert.True(t, a.workflows.Has("email_campaign"))
	assert.True(t, a.workflows.Has("file_analysis"))
}

func TestNewApp_LoadsWorkflowsDir(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte(`
description: two echo steps
steps:
  - name: first
    tool_name: echo
    parameters: {value: 1}
  - name: second
    tool_name: echo
    depends_on: [first]
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("steps: [{name: a}]\n"), 0o600))
	cfg.WorkflowsDir = dir

	a := newTestApp(t, cfg)
	assert.True(t, a.workflows.Has("pipeline"))
	assert.False(t, a.workflows.Has("broken"))
}

func TestNewApp_ScheduleUnknownWorkflow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules = []ScheduleConfig{{Workflow: "missing", Cron: "* * * * *"}}

	_, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "unknown workflow")
}

func TestNewApp_Schedules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules = []ScheduleConfig{{Workflow: "data_processing", Cron: "0 8 * * *"}}

	a := newTestApp(t, cfg)
	jobs := a.scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "data_processing", jobs[0].Workflow)
}

func TestRunOnce(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	_, err := a.workflows.Register("pipeline", "", []schema.StepDefinition{
		{Name: "first", ToolName: "echo", Parameters: map[string]any{"value": "x"}},
		{Name: "second", ToolName: "echo", DependsOn: []string{"first"}},
	})
	require.NoError(t, err)

	ex, err := a.runOnce(context.Background(), "pipeline", map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, ex.Status)
	assert.Equal(t, schema.StepStatusCompleted, ex.Steps["second"].Status)

	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, ex))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, ex.ID, decoded["execution_id"])
}

func TestRunOnce_UnknownWorkflow(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	_, err := a.runOnce(context.Background(), "nope", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRunOnce_CancelledOnContextEnd(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	_, err := a.workflows.Register("slow", "", []schema.StepDefinition{
		{Name: "wait", ToolName: "sleep", Parameters: map[string]any{"duration": "50ms"}},
		{Name: "after", ToolName: "echo", DependsOn: []string{"wait"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ex, err := a.runOnce(ctx, "slow", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, ex.Status)
	assert.Equal(t, schema.StepStatusSkipped, ex.Steps["after"].Status)
}

func TestPrune(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention = time.Hour
	a := newTestApp(t, cfg)
	var forgotten []string
	a.onPrune = append(a.onPrune, func(id string) { forgotten = append(forgotten, id) })
	_, err := a.workflows.Register("single", "", []schema.StepDefinition{{Name: "only", ToolName: "echo"}})
	require.NoError(t, err)

	ex, err := a.runOnce(context.Background(), "single", nil)
	require.NoError(t, err)
	require.NotEmpty(t, a.events.GetEvents(context.Background(), ex.ID, 0))

	assert.Equal(t, 0, a.prune(time.Now().UTC()))
	assert.Equal(t, 1, a.executions.Len())

	assert.Equal(t, 1, a.prune(time.Now().UTC().Add(2*time.Hour)))
	assert.Equal(t, 0, a.executions.Len())
	assert.Empty(t, a.events.GetEvents(context.Background(), ex.ID, 0))
	assert.Equal(t, []string{ex.ID}, forgotten)
}

func TestPrune_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention = 0
	a := newTestApp(t, cfg)
	assert.Equal(t, 0, a.prune(time.Now().Add(1000*time.Hour)))
}

func TestPruneInterval(t *testing.T) {
	assert.Equal(t, time.Second, pruneInterval(time.Second))
	assert.Equal(t, 6*time.Minute, pruneInterval(time.Hour))
	assert.Equal(t, 10*time.Minute, pruneInterval(24*time.Hour))
}

func TestRootCmd_Version(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestRootCmd_Validate(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "flow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"flow","steps":[
		{"name":"a","tool_name":"echo"},
		{"name":"b","tool_name":"echo","depends_on":["a"],"parameters":{"v":"{{a.status}}"}}
	]}`), 0o600))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", path, "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	var res map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "flow", res["name"])
	assert.Equal(t, true, res["valid"])
}

func TestRootCmd_ValidateCycle(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "loop.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"steps":[
		{"name":"a","tool_name":"echo","depends_on":["b"]},
		{"name":"b","tool_name":"echo","depends_on":["a"]}
	]}`), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"validate", path})
	assert.Error(t, cmd.Execute())
}

func TestRootCmd_Diagram(t *testing.T) {
	isolate(t)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"diagram", "data_processing"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "graph TD")
	assert.Contains(t, out.String(), "fetch_data --> validate_data")

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"diagram", "data_processing", "--format", "png"})
	assert.Error(t, cmd.Execute())
}
