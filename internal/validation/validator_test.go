package validation

import (
	"testing"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toolSet map[string]bool

func (s toolSet) Has(name string) bool { return s[name] }

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(toolSet{"echo": true})
	require.NoError(t, err)
	return v
}

func TestValidator_Valid(t *testing.T) {
	v := newValidator(t)
	result := v.Validate("wf", steps(
		schema.StepDefinition{Name: "a", Parameters: map[string]any{"msg": "hi"}},
		schema.StepDefinition{Name: "b", DependsOn: []string{"a"}, Condition: "a.status == 'success'",
			Parameters: map[string]any{"msg": "{{a.result}}"}},
	))
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidator_StructuralErrors(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name  string
		wf    string
		steps []schema.StepDefinition
	}{
		{"no name", "", steps(schema.StepDefinition{Name: "a"})},
		{"no steps", "wf", nil},
		{"empty step name", "wf", steps(schema.StepDefinition{Name: ""})},
		{"dotted step name", "wf", steps(schema.StepDefinition{Name: "a.b"})},
		{"hyphenated step name", "wf", steps(schema.StepDefinition{Name: "fetch-data"})},
		{"step name with space", "wf", steps(schema.StepDefinition{Name: "fetch data"})},
		{"step name starting with digit", "wf", steps(schema.StepDefinition{Name: "1st"})},
		{"reserved step name", "wf", steps(schema.StepDefinition{Name: "not"})},
		{"duplicate", "wf", steps(schema.StepDefinition{Name: "a"}, schema.StepDefinition{Name: "a"})},
		{"no tool", "wf", []schema.StepDefinition{{Name: "a"}}},
		{"bad timeout", "wf", steps(schema.StepDefinition{Name: "a", Timeout: "later"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Check(tt.wf, tt.steps)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidWorkflow), "got %v", err)
		})
	}
}

func TestValidator_StepNamesUsableInConditionsAndTemplates(t *testing.T) {
	v := newValidator(t)
	result := v.Validate("wf", steps(
		schema.StepDefinition{Name: "fetch_data"},
		schema.StepDefinition{Name: "_Report2", DependsOn: []string{"fetch_data"},
			Condition:  "fetch_data.status == 'success'",
			Parameters: map[string]any{"msg": "{{fetch_data.result}}"}},
	))
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidator_GraphErrors(t *testing.T) {
	v := newValidator(t)

	err := v.Check("wf", steps(
		schema.StepDefinition{Name: "a", DependsOn: []string{"b"}},
		schema.StepDefinition{Name: "b", DependsOn: []string{"a"}},
	))
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))

	err = v.Check("wf", steps(schema.StepDefinition{Name: "a", DependsOn: []string{"zzz"}}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownDependency))
}

func TestValidator_Warnings(t *testing.T) {
	v := newValidator(t)
	result := v.Validate("wf", steps(
		schema.StepDefinition{Name: "a", ToolName: "mystery"},
		schema.StepDefinition{Name: "b", Condition: "len(a.result) > 0"},
		schema.StepDefinition{Name: "c", Parameters: map[string]any{"x": "{{a.result}}"}},
		schema.StepDefinition{Name: "d", DependsOn: []string{"a", "a"}},
	))

	assert.True(t, result.Valid(), "warnings never block registration")
	codes := map[string]bool{}
	for _, w := range result.Warnings {
		codes[w.Code] = true
	}
	assert.True(t, codes[schema.ErrCodeToolNotFound])
	assert.True(t, codes[schema.ErrCodeInvalidCondition])
	assert.True(t, codes[schema.ErrCodeUnresolvedReference])
	assert.True(t, codes[schema.ErrCodeInvalidWorkflow])
}

func TestValidator_ParseSteps(t *testing.T) {
	v := newValidator(t)

	raw := `[
	  {"name": "a", "tool_name": "echo", "parameters": {"msg": "hi"}},
	  {"name": "b", "description": "second", "tool_name": "echo", "depends_on": ["a"],
	   "condition": "a.status == 'success'",
	   "validation_rules": {"required_fields": ["status"], "expected_status": "success"},
	   "timeout": "1m30s"}
	]`
	got, err := v.ParseSteps([]byte(raw))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Parameters["msg"])
	assert.Equal(t, []string{"a"}, got[1].DependsOn)
	require.NotNil(t, got[1].ValidationRules)
	assert.Equal(t, "success", got[1].ValidationRules.ExpectedStatus)
	assert.Equal(t, "1m30s", got[1].Timeout)

	wrapped, err := v.ParseSteps([]byte(`{"steps": [{"name": "a", "tool_name": "echo"}]}`))
	require.NoError(t, err)
	assert.Len(t, wrapped, 1)
}

func TestValidator_ParseStepsRejects(t *testing.T) {
	v := newValidator(t)

	for name, raw := range map[string]string{
		"empty":         ``,
		"not json":      `{steps`,
		"empty list":    `[]`,
		"missing tool":  `[{"name": "a"}]`,
		"unknown field": `[{"name": "a", "tool_name": "echo", "retries": 3}]`,
		"bad deps type": `[{"name": "a", "tool_name": "echo", "depends_on": "b"}]`,
		"bad timeout":   `[{"name": "a", "tool_name": "echo", "timeout": "soon"}]`,
		"scalar":        `42`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.ParseSteps([]byte(raw))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidWorkflow), "got %v", err)
		})
	}
}

func TestValidator_ParseDocument(t *testing.T) {
	v := newValidator(t)
	wf, err := v.ParseDocument(map[string]any{
		"name":        "from_yaml",
		"description": "loaded",
		"steps": []any{
			map[string]any{"name": "a", "tool_name": "echo"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "from_yaml", wf.Name)
	assert.Len(t, wf.Steps, 1)
}
