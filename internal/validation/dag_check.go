package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/toolflow/pkg/schema"
)

type visitColour uint8

const (
	white visitColour = iota // not visited
	grey                     // on the current DFS path
	black                    // fully explored
)

// ValidateGraph rejects unknown dependencies and dependency cycles. Cycles
// are found with a three-colour depth-first traversal; the first cycle found
// is reported with its path.
func ValidateGraph(steps []schema.StepDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.Name]; !dup {
			index[s.Name] = i
		}
	}

	edges := make(map[string][]string, len(steps))
	for i, s := range steps {
		for j, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				result.AddError(fmt.Sprintf("steps[%d].depends_on[%d]", i, j),
					schema.ErrCodeUnknownDependency,
					fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep))
				continue
			}
			edges[s.Name] = append(edges[s.Name], dep)
		}
	}

	if cycle := findCycle(steps, edges); cycle != nil {
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}
	return result
}

// findCycle returns the first cycle found as a closed path (first == last), or nil.
func findCycle(steps []schema.StepDefinition, edges map[string][]string) []string {
	colour := make(map[string]visitColour, len(steps))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		colour[name] = grey
		stack = append(stack, name)
		for _, dep := range edges[name] {
			switch colour[dep] {
			case grey:
				for i, n := range stack {
					if n == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[name] = black
		return nil
	}

	// Walk in declaration order so the reported cycle is deterministic.
	for _, s := range steps {
		if colour[s.Name] == white {
			if c := visit(s.Name); c != nil {
				return c
			}
		}
	}
	return nil
}

// Ancestors returns, for each step, the set of steps it transitively depends
// on. Only meaningful for an acyclic graph with known dependencies.
func Ancestors(steps []schema.StepDefinition) map[string]map[string]bool {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.Name] = s.DependsOn
	}

	memo := make(map[string]map[string]bool, len(steps))
	var collect func(name string) map[string]bool
	collect = func(name string) map[string]bool {
		if m, ok := memo[name]; ok {
			return m
		}
		m := make(map[string]bool)
		memo[name] = m
		for _, d := range deps[name] {
			m[d] = true
			for a := range collect(d) {
				m[a] = true
			}
		}
		return m
	}

	for _, s := range steps {
		collect(s.Name)
	}
	return memo
}
