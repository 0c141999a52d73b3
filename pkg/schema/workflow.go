package schema

import (
	"time"
)

// Workflow is a named, ordered list of steps. Registered workflows are
// immutable; re-registration replaces the whole value.
type Workflow struct {
	Name         string           `json:"name" yaml:"name"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps        []StepDefinition `json:"steps" yaml:"steps"`
	Builtin      bool             `json:"builtin,omitempty" yaml:"-"`
	RegisteredAt time.Time        `json:"registered_at" yaml:"-"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	Name            string           `json:"name" yaml:"name"`
	Description     string           `json:"description,omitempty" yaml:"description,omitempty"`
	ToolName        string           `json:"tool_name" yaml:"tool_name"`
	Parameters      map[string]any   `json:"parameters,omitempty" yaml:"parameters,omitempty"`   // values may contain {{step.field}} references
	DependsOn       []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`   // step names that must finish first
	Condition       string           `json:"condition,omitempty" yaml:"condition,omitempty"`     // boolean predicate over prior results
	ValidationRules *ValidationRules `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
	Timeout         string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // e.g. "30s"; empty uses the engine default
}

// ValidationRules classify a returned tool result as a logical failure.
type ValidationRules struct {
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	ExpectedStatus string   `json:"expected_status,omitempty" yaml:"expected_status,omitempty"`
}

// StatusField is the result field compared against ValidationRules.ExpectedStatus.
const StatusField = "status"

// Check returns a VALIDATION_FAILED error when result breaks the rules, nil otherwise.
func (r *ValidationRules) Check(result map[string]any) error {
	if r == nil {
		return nil
	}
	var missing []string
	for _, f := range r.RequiredFields {
		if _, ok := result[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return NewErrorf(ErrCodeValidationFailed, "result is missing required fields %v", missing).
			WithDetails(map[string]any{"missing_fields": missing, "result": result})
	}
	if r.ExpectedStatus != "" {
		got, _ := result[StatusField].(string)
		if got != r.ExpectedStatus {
			return NewErrorf(ErrCodeValidationFailed, "expected status %q, got %q", r.ExpectedStatus, got).
				WithDetails(map[string]any{"expected_status": r.ExpectedStatus, "result": result})
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a registered definition.
func (s StepDefinition) Clone() StepDefinition {
	out := s
	if s.Parameters != nil {
		out.Parameters = CloneMap(s.Parameters)
	}
	if s.DependsOn != nil {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.ValidationRules != nil {
		vr := *s.ValidationRules
		vr.RequiredFields = append([]string(nil), s.ValidationRules.RequiredFields...)
		out.ValidationRules = &vr
	}
	return out
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []StepDefinition) []StepDefinition {
	out := make([]StepDefinition, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

// StepTimeout parses the step timeout, falling back to def when unset.
func (s StepDefinition) StepTimeout(def time.Duration) (time.Duration, error) {
	if s.Timeout == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, NewErrorf(ErrCodeInvalidWorkflow, "invalid timeout %q", s.Timeout).WithStep(s.Name).WithCause(err)
	}
	return d, nil
}
