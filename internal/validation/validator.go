package validation

import (
	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/pkg/schema"
)

// ToolLookup reports whether a tool is known. The validator only warns about
// unknown tools: tools may be registered after the workflow.
type ToolLookup interface {
	Has(name string) bool
}

// Validator checks workflow definitions before they enter the registry.
// Stages: structural (JSON Schema, for raw documents), semantic, graph.
// It is safe for concurrent use.
type Validator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
	conditions *expressions.ConditionCompiler
}

// New creates a Validator. tools may be nil to skip tool existence warnings.
func New(tools ToolLookup) (*Validator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{
		jsonSchema: jsv,
		tools:      tools,
		conditions: expressions.NewConditionCompiler(),
	}, nil
}

// Validate runs the semantic and graph stages over a decoded step list.
// The graph is not retained: the engine rebuilds it for every run.
func (v *Validator) Validate(name string, steps []schema.StepDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if name == "" {
		result.AddError("name", schema.ErrCodeInvalidWorkflow, "workflow name is required")
	}
	if len(steps) == 0 {
		result.AddError("steps", schema.ErrCodeInvalidWorkflow, "workflow must have at least one step")
		return result
	}

	result.Merge(validateSemantic(steps, v.tools, v.conditions))
	result.Merge(ValidateGraph(steps))
	if result.Valid() {
		result.Merge(validateReferences(steps))
	}
	return result
}

// Check is Validate reduced to an error.
func (v *Validator) Check(name string, steps []schema.StepDefinition) error {
	return v.Validate(name, steps).ToError()
}

// ParseSteps validates raw JSON against the step list schema and decodes it.
// Both a bare array of steps and an object with a "steps" key are accepted.
func (v *Validator) ParseSteps(raw []byte) ([]schema.StepDefinition, error) {
	wf, err := v.jsonSchema.DecodeWorkflow(raw)
	if err != nil {
		return nil, err
	}
	return wf.Steps, nil
}

// ParseWorkflow validates and decodes a full workflow document
// ({"name", "description", "steps"}).
func (v *Validator) ParseWorkflow(raw []byte) (*schema.Workflow, error) {
	return v.jsonSchema.DecodeWorkflow(raw)
}

// ParseDocument validates an already-decoded document (for example one read
// from YAML) and decodes it.
func (v *Validator) ParseDocument(doc any) (*schema.Workflow, error) {
	return v.jsonSchema.DecodeDocument(doc)
}
