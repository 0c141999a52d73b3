package diagram

import (
	"fmt"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow and, optionally, one of its
// executions. It uses engine.BuildDAG for topology so the picture matches
// what the engine would run. Nodes follow topological order.
func Build(wf *schema.Workflow, ex *schema.Execution) (*DiagramModel, error) {
	if ex != nil && !sameSteps(wf.Steps, ex) {
		return nil, fmt.Errorf("diagram: execution %s does not belong to this version of %q", ex.ID, wf.Name)
	}

	dag, err := engine.BuildDAG(schema.CloneSteps(wf.Steps))
	if err != nil {
		return nil, fmt.Errorf("diagram: build DAG: %w", err)
	}

	nodes := make([]*Node, 0, len(dag.Sorted)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, name := range dag.Sorted {
		node := stepToNode(dag.Steps[name])
		if ex != nil {
			overlayStatus(node, ex.Steps[name])
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  title(wf, ex),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

func sameSteps(steps []schema.StepDefinition, ex *schema.Execution) bool {
	if len(steps) != len(ex.Steps) {
		return false
	}
	for _, s := range steps {
		if _, ok := ex.Steps[s.Name]; !ok {
			return false
		}
	}
	return true
}

func stepToNode(step *schema.StepDefinition) *Node {
	kind := NodeKindTool
	if step.Condition != "" {
		kind = NodeKindConditional
	}
	return &Node{
		ID:        step.Name,
		Label:     fmt.Sprintf("%s\n(%s)", step.Name, step.ToolName),
		Tool:      step.ToolName,
		Condition: step.Condition,
		Kind:      kind,
	}
}

func overlayStatus(node *Node, st *schema.StepExecution) {
	if st == nil {
		return
	}
	overlay := &StatusOverlay{Status: string(st.Status), SkipReason: st.SkipReason}
	if st.StartedAt != nil && st.CompletedAt != nil {
		overlay.DurationMs = st.CompletedAt.Sub(*st.StartedAt).Milliseconds()
	}
	if st.Error != nil {
		overlay.Error = st.Error.Code
	}
	node.Status = overlay
}

// buildEdges connects start to roots, each dependency to its dependent and
// leaves to end. Edges into a conditional step are labelled "if".
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, root := range dag.Roots {
		edges = append(edges, conditionalEdge(dag, StartID, root))
	}
	for _, name := range dag.Sorted {
		for _, dep := range dag.Edges[name] {
			edges = append(edges, conditionalEdge(dag, dep, name))
		}
	}
	for _, name := range dag.Sorted {
		if len(dag.Reverse[name]) == 0 {
			edges = append(edges, Edge{From: name, To: EndID})
		}
	}
	return edges
}

func conditionalEdge(dag *engine.DAG, from, to string) Edge {
	e := Edge{From: from, To: to}
	if dag.Steps[to].Condition != "" {
		e.Label = "if"
	}
	return e
}

func buildLevels(dag *engine.DAG) [][]string {
	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{StartID})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{EndID})
	return levels
}

func title(wf *schema.Workflow, ex *schema.Execution) string {
	if ex != nil {
		return fmt.Sprintf("%s (%s: %s)", wf.Name, ex.ID, ex.Status)
	}
	if wf.Name != "" {
		return wf.Name
	}
	return "Workflow"
}
