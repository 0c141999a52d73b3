package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/toolflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const workflowSchemaURL = "https://toolflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes the transport form of a step list: either a
// bare array of steps or an object carrying one.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://toolflow.dev/schemas/workflow.json",
  "oneOf": [
    { "$ref": "#/$defs/steps" },
    {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "name": { "type": "string" },
        "description": { "type": "string" },
        "steps": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    }
  ],
  "$defs": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "step": {
      "type": "object",
      "required": ["name", "tool_name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "tool_name": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": ["string", "null"] },
        "validation_rules": { "$ref": "#/$defs/validation_rules" },
        "timeout": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    },
    "validation_rules": {
      "type": ["object", "null"],
      "properties": {
        "required_fields": {
          "type": "array",
          "items": { "type": "string" }
        },
        "expected_status": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks raw workflow documents against the embedded
// schema. Compiled schemas are immutable, so it is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	sch, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: sch}, nil
}

// DecodeWorkflow validates raw JSON and decodes it into a Workflow.
func (v *JSONSchemaValidator) DecodeWorkflow(raw []byte) (*schema.Workflow, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow document is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "invalid JSON: %s", err).WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return nil, toFlowError(err)
	}
	return decode(raw)
}

// DecodeDocument validates a decoded value (maps, slices, scalars) and
// converts it into a Workflow.
func (v *JSONSchemaValidator) DecodeDocument(doc any) (*schema.Workflow, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow document is not JSON-compatible").WithCause(err)
	}
	return v.DecodeWorkflow(raw)
}

func decode(raw []byte) (*schema.Workflow, error) {
	trimmed := bytes.TrimSpace(raw)
	wf := &schema.Workflow{}

	var err error
	if trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &wf.Steps)
	} else {
		err = json.Unmarshal(trimmed, wf)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "decode workflow: %s", err).WithCause(err)
	}
	return wf, nil
}

// toFlowError flattens a jsonschema.ValidationError into an INVALID_WORKFLOW
// error listing every leaf violation with its location.
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeInvalidWorkflow, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	msg := verr.Error()
	switch len(violations) {
	case 0:
	case 1:
		msg = violations[0]
	default:
		msg = fmt.Sprintf("%s (and %d more violations)", violations[0], len(violations)-1)
	}
	return schema.NewError(schema.ErrCodeInvalidWorkflow, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
