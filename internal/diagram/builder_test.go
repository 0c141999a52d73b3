package diagram

import (
	"testing"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test workflow builders ---

func linearWorkflow() *schema.Workflow {
	return &schema.Workflow{
		Name: "etl",
		Steps: []schema.StepDefinition{
			{Name: "fetch", ToolName: "list_desktop_contents"},
			{Name: "transform", ToolName: "jq", DependsOn: []string{"fetch"}},
			{Name: "store", ToolName: "sendmail", DependsOn: []string{"transform"}},
		},
	}
}

func diamondWorkflow() *schema.Workflow {
	return &schema.Workflow{
		Name: "diamond",
		Steps: []schema.StepDefinition{
			{Name: "check", ToolName: "echo"},
			{Name: "left", ToolName: "echo", DependsOn: []string{"check"}},
			{Name: "right", ToolName: "echo", DependsOn: []string{"check"}, Condition: "check.status == 'success'"},
			{Name: "join", ToolName: "echo", DependsOn: []string{"left", "right"}},
		},
	}
}

func finishedExecution(wf *schema.Workflow) *schema.Execution {
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	ex := schema.NewExecution("diamond_1_1", wf.Name, wf.Steps, nil, start)
	ex.Status = schema.ExecutionStatusFailed

	done := start.Add(250 * time.Millisecond)
	ex.Steps["check"].Status = schema.StepStatusCompleted
	ex.Steps["check"].StartedAt, ex.Steps["check"].CompletedAt = &start, &done
	ex.Steps["left"].Status = schema.StepStatusFailed
	ex.Steps["left"].Error = schema.NewError(schema.ErrCodeToolError, "boom")
	ex.Steps["right"].Status = schema.StepStatusSkipped
	ex.Steps["right"].SkipReason = schema.SkipConditionFalse
	ex.Steps["join"].Status = schema.StepStatusFailed
	ex.Steps["join"].Error = schema.NewError(schema.ErrCodeUpstreamFailure, "dependency failed")
	return ex
}

func edgeSet(model *DiagramModel) map[string]string {
	out := make(map[string]string, len(model.Edges))
	for _, e := range model.Edges {
		out[e.From+"->"+e.To] = e.Label
	}
	return out
}

// --- Tests ---

func TestBuildLinearWorkflow(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "etl", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, StartID, model.Nodes[0].ID)
	assert.Equal(t, EndID, model.Nodes[4].ID)
	assert.Equal(t, []string{"fetch", "transform", "store"},
		[]string{model.Nodes[1].ID, model.Nodes[2].ID, model.Nodes[3].ID})

	edges := edgeSet(model)
	assert.Len(t, edges, 4)
	for _, e := range []string{"__start__->fetch", "fetch->transform", "transform->store", "store->__end__"} {
		assert.Contains(t, edges, e)
	}
	assert.Equal(t, [][]string{{StartID}, {"fetch"}, {"transform"}, {"store"}, {EndID}}, model.Levels)
}

func TestBuildConditionalStep(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	right := model.Node("right")
	require.NotNil(t, right)
	assert.Equal(t, NodeKindConditional, right.Kind)
	assert.Equal(t, "check.status == 'success'", right.Condition)
	assert.Equal(t, NodeKindTool, model.Node("left").Kind)

	edges := edgeSet(model)
	assert.Equal(t, "if", edges["check->right"])
	assert.Equal(t, "", edges["check->left"])
	assert.Equal(t, [][]string{{StartID}, {"check"}, {"left", "right"}, {"join"}, {EndID}}, model.Levels)
}

func TestBuildWithStatusOverlay(t *testing.T) {
	wf := diamondWorkflow()
	model, err := Build(wf, finishedExecution(wf))
	require.NoError(t, err)

	assert.Contains(t, model.Title, "diamond_1_1")
	assert.Contains(t, model.Title, "failed")

	check := model.Node("check").Status
	require.NotNil(t, check)
	assert.Equal(t, "completed", check.Status)
	assert.Equal(t, int64(250), check.DurationMs)

	assert.Equal(t, schema.ErrCodeToolError, model.Node("left").Status.Error)
	assert.Equal(t, schema.SkipConditionFalse, model.Node("right").Status.SkipReason)
	assert.Nil(t, model.Node(StartID).Status)
}

func TestBuildRejectsForeignExecution(t *testing.T) {
	ex := finishedExecution(diamondWorkflow())
	_, err := Build(linearWorkflow(), ex)
	assert.Error(t, err)
}

func TestBuildInvalidGraph(t *testing.T) {
	_, err := Build(&schema.Workflow{Name: "bad", Steps: []schema.StepDefinition{
		{Name: "a", ToolName: "echo", DependsOn: []string{"b"}},
		{Name: "b", ToolName: "echo", DependsOn: []string{"a"}},
	}}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
}
