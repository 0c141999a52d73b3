package engine

import (
	"github.com/rendis/toolflow/pkg/schema"
)

// DAG is the run-time graph of one execution's step snapshot. It is rebuilt
// for every run; registration-time validation is not trusted to still hold.
type DAG struct {
	Steps   map[string]*schema.StepDefinition // step name → definition
	Edges   map[string][]string               // step name → dependencies (depends_on)
	Reverse map[string][]string               // step name → dependents
	Sorted  []string                          // topological order, ties broken by submission order
	Roots   []string                          // steps with no dependencies
	Levels  [][]string                        // parallel execution levels
}

// BuildDAG builds adjacency lists and a topological order using Kahn's
// algorithm. Unknown dependencies and cycles are rejected.
func BuildDAG(steps []schema.StepDefinition) (*DAG, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.StepDefinition, len(steps)),
		Edges:   make(map[string][]string, len(steps)),
		Reverse: make(map[string][]string, len(steps)),
	}

	index := make(map[string]int, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "step at index %d has empty name", i)
		}
		if _, exists := dag.Steps[step.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "duplicate step name: %s", step.Name)
		}
		dag.Steps[step.Name] = step
		index[step.Name] = i
	}

	for i := range steps {
		name := steps[i].Name
		seen := make(map[string]bool, len(steps[i].DependsOn))
		deps := make([]string, 0, len(steps[i].DependsOn))
		for _, dep := range steps[i].DependsOn {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency, "step %s depends on unknown step: %s", name, dep).WithStep(name)
			}
			if dep == name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", name).WithStep(name)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], name)
		}
		dag.Edges[name] = deps
	}

	inDegree := make(map[string]int, len(dag.Steps))
	for name := range dag.Steps {
		inDegree[name] = len(dag.Edges[name])
	}

	// The ready set is kept ordered by submission index so the sort is deterministic.
	var queue []string
	for _, s := range steps {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dep := range dag.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = insertByIndex(queue, dep, index)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

func insertByIndex(queue []string, name string, index map[string]int) []string {
	pos := len(queue)
	for i, q := range queue {
		if index[q] > index[name] {
			pos = i
			break
		}
	}
	queue = append(queue, "")
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = name
	return queue
}

// computeLevels groups steps into parallel execution levels.
// Steps at the same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Steps))

	maxLevel := 0
	for _, name := range dag.Sorted {
		d := 0
		for _, dep := range dag.Edges[name] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range dag.Sorted {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels
}

// Descendants returns every step that transitively depends on name, in topological order.
func (d *DAG) Descendants(name string) []string {
	reached := map[string]bool{name: true}
	var out []string
	for _, s := range d.Sorted {
		if s == name {
			continue
		}
		for _, dep := range d.Edges[s] {
			if reached[dep] {
				reached[s] = true
				out = append(out, s)
				break
			}
		}
	}
	return out
}
