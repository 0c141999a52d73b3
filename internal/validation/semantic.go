package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/pkg/schema"
)

// stepNamePattern is the identifier form a condition can use as a path root.
var stepNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedStepNames are words the condition parser reads as literals or
// operators, never as a path root.
var reservedStepNames = map[string]bool{
	"true": true, "false": true, "nil": true,
	"not": true, "and": true, "or": true, "in": true,
	"matches": true, "contains": true, "startsWith": true, "endsWith": true,
	"let": true, "if": true, "else": true,
}

// validateSemantic checks each step on its own: names, tool, timeout and
// condition syntax. Dependency resolution is left to ValidateGraph.
func validateSemantic(steps []schema.StepDefinition, tools ToolLookup, conditions *expressions.ConditionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]int, len(steps))

	for i, s := range steps {
		path := fmt.Sprintf("steps[%d]", i)

		switch {
		case strings.TrimSpace(s.Name) == "":
			result.AddError(path+".name", schema.ErrCodeInvalidWorkflow, "step name is required")
		case !stepNamePattern.MatchString(s.Name):
			result.AddError(path+".name", schema.ErrCodeInvalidWorkflow,
				fmt.Sprintf("step name %q must start with a letter or '_' and contain only letters, digits and '_'", s.Name))
		case reservedStepNames[s.Name]:
			result.AddError(path+".name", schema.ErrCodeInvalidWorkflow,
				fmt.Sprintf("step name %q is a reserved word", s.Name))
		default:
			if first, dup := seen[s.Name]; dup {
				result.AddError(path+".name", schema.ErrCodeInvalidWorkflow,
					fmt.Sprintf("duplicate step name %q (first declared at steps[%d])", s.Name, first))
			} else {
				seen[s.Name] = i
			}
		}

		if s.ToolName == "" {
			result.AddError(path+".tool_name", schema.ErrCodeInvalidWorkflow,
				fmt.Sprintf("step %q has no tool_name", s.Name))
		} else if tools != nil && !tools.Has(s.ToolName) {
			result.AddWarning(path+".tool_name", schema.ErrCodeToolNotFound,
				fmt.Sprintf("tool %q is not registered yet", s.ToolName))
		}

		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err != nil || d < 0 {
				result.AddError(path+".timeout", schema.ErrCodeInvalidWorkflow,
					fmt.Sprintf("invalid timeout %q", s.Timeout))
			}
		}

		depSeen := make(map[string]bool, len(s.DependsOn))
		for j, dep := range s.DependsOn {
			if depSeen[dep] {
				result.AddWarning(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeInvalidWorkflow,
					fmt.Sprintf("duplicate dependency %q", dep))
			}
			depSeen[dep] = true
		}

		// A malformed condition is accepted and fails only its own step at run time.
		if s.Condition != "" {
			if _, err := conditions.Compile(s.Condition); err != nil {
				result.AddWarning(path+".condition", schema.ErrCodeInvalidCondition, err.Error())
			}
		}
	}
	return result
}

// validateReferences warns about templates that name a step the referencing
// step does not transitively depend on. Such references always fail at run
// time with UNRESOLVED_REFERENCE; dependencies are never inferred.
func validateReferences(steps []schema.StepDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	ancestors := Ancestors(steps)

	for i, s := range steps {
		for _, ref := range expressions.References(s.Parameters) {
			if !ancestors[s.Name][ref] {
				result.AddWarning(fmt.Sprintf("steps[%d].parameters", i), schema.ErrCodeUnresolvedReference,
					fmt.Sprintf("step %q references {{%s...}} without depending on it", s.Name, ref))
			}
		}
	}
	return result
}
