package expressions

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/rendis/toolflow/pkg/schema"
)

// Results is the read-only view conditions and templates evaluate against:
// completed step name -> recorded result.
type Results map[string]map[string]any

// Condition is a compiled boolean predicate over prior step results.
//
// The accepted language is deliberately closed: comparisons (==, !=, in,
// not in) between dotted paths and literals, combined with and/or/not and
// parentheses. Parsing is delegated to expr-lang; evaluation is a tree walk
// over the whitelisted nodes, so no function, operator or builtin outside the
// grammar is ever executed.
type Condition struct {
	source string
	root   ast.Node
}

// Source returns the original condition text.
func (c *Condition) Source() string { return c.source }

// ConditionCompiler parses and caches conditions.
type ConditionCompiler struct {
	compiled *programCache[*Condition]
}

// NewConditionCompiler creates an empty compiler cache.
func NewConditionCompiler() *ConditionCompiler {
	return &ConditionCompiler{compiled: newProgramCache[*Condition]()}
}

// Compile returns the cached condition for src, parsing it on first use.
func (cc *ConditionCompiler) Compile(src string) (*Condition, error) {
	return cc.compiled.getOrCompile(src, func() (*Condition, error) {
		return CompileCondition(src)
	})
}

// Evaluate compiles src (cached) and evaluates it against results.
func (cc *ConditionCompiler) Evaluate(src string, results Results) (bool, error) {
	c, err := cc.Compile(src)
	if err != nil {
		return false, err
	}
	return c.Evaluate(results)
}

// CompileCondition parses src and verifies every node belongs to the grammar.
func CompileCondition(src string) (*Condition, error) {
	if strings.TrimSpace(src) == "" {
		return nil, invalidCondition(src, "empty condition")
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, invalidCondition(src, err.Error()).WithCause(err)
	}
	if err := checkPredicate(tree.Node); err != nil {
		return nil, invalidCondition(src, err.Error())
	}
	return &Condition{source: src, root: tree.Node}, nil
}

// Evaluate walks the condition. Paths that do not resolve evaluate to nil.
func (c *Condition) Evaluate(results Results) (bool, error) {
	v, err := evalNode(c.root, results)
	if err != nil {
		return false, invalidCondition(c.source, err.Error())
	}
	return truthy(v), nil
}

func invalidCondition(src, reason string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInvalidCondition, "invalid condition %q: %s", src, reason).
		WithDetails(map[string]any{"condition": src})
}

// --- grammar check ---

func checkPredicate(n ast.Node) error {
	switch node := n.(type) {
	case *ast.BinaryNode:
		switch node.Operator {
		case "and", "&&", "or", "||":
			if err := checkPredicate(node.Left); err != nil {
				return err
			}
			return checkPredicate(node.Right)
		case "==", "!=":
			if err := checkOperand(node.Left); err != nil {
				return err
			}
			return checkOperand(node.Right)
		case "in":
			if err := checkOperand(node.Left); err != nil {
				return err
			}
			return checkCollection(node.Right)
		default:
			return fmt.Errorf("operator %q is not allowed", node.Operator)
		}
	case *ast.UnaryNode:
		if node.Operator != "not" && node.Operator != "!" {
			return fmt.Errorf("operator %q is not allowed", node.Operator)
		}
		return checkPredicate(node.Node)
	case *ast.IdentifierNode, *ast.MemberNode, *ast.BoolNode:
		return checkOperand(n)
	default:
		return fmt.Errorf("%s is not a comparison", describeNode(n))
	}
}

func checkOperand(n ast.Node) error {
	switch node := n.(type) {
	case *ast.StringNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.NilNode, *ast.IdentifierNode:
		return nil
	case *ast.MemberNode:
		return checkPath(node)
	case *ast.UnaryNode:
		return checkLiteral(n)
	default:
		return fmt.Errorf("%s is not a path or literal", describeNode(n))
	}
}

func checkCollection(n ast.Node) error {
	if arr, ok := n.(*ast.ArrayNode); ok {
		for _, item := range arr.Nodes {
			if err := checkLiteral(item); err != nil {
				return err
			}
		}
		return nil
	}
	return checkOperand(n)
}

func checkLiteral(n ast.Node) error {
	switch node := n.(type) {
	case *ast.StringNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.NilNode:
		return nil
	case *ast.UnaryNode:
		// Negative numbers parse as unary minus applied to a number.
		if node.Operator == "-" {
			switch node.Node.(type) {
			case *ast.IntegerNode, *ast.FloatNode:
				return nil
			}
		}
	}
	return fmt.Errorf("%s is not a literal", describeNode(n))
}

func checkPath(m *ast.MemberNode) error {
	if m.Method {
		return fmt.Errorf("method calls are not allowed")
	}
	switch m.Property.(type) {
	case *ast.StringNode, *ast.IntegerNode:
	default:
		return fmt.Errorf("%s is not a field name", describeNode(m.Property))
	}
	switch inner := m.Node.(type) {
	case *ast.IdentifierNode:
		return nil
	case *ast.MemberNode:
		return checkPath(inner)
	default:
		return fmt.Errorf("%s cannot start a path", describeNode(m.Node))
	}
}

func describeNode(n ast.Node) string {
	if n == nil {
		return "empty expression"
	}
	name := reflect.TypeOf(n).Elem().Name()
	return strings.TrimSuffix(name, "Node") + " expression"
}

// --- evaluation ---

func evalNode(n ast.Node, results Results) (any, error) {
	switch node := n.(type) {
	case *ast.StringNode:
		return node.Value, nil
	case *ast.IntegerNode:
		return float64(node.Value), nil
	case *ast.FloatNode:
		return node.Value, nil
	case *ast.BoolNode:
		return node.Value, nil
	case *ast.NilNode:
		return nil, nil
	case *ast.IdentifierNode, *ast.MemberNode:
		return lookupPath(n, results), nil
	case *ast.ArrayNode:
		items := make([]any, len(node.Nodes))
		for i, item := range node.Nodes {
			v, err := evalNode(item, results)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case *ast.UnaryNode:
		v, err := evalNode(node.Node, results)
		if err != nil {
			return nil, err
		}
		if node.Operator == "-" {
			f, _ := toFloat(v)
			return -f, nil
		}
		return !truthy(v), nil
	case *ast.BinaryNode:
		return evalBinary(node, results)
	}
	return nil, fmt.Errorf("%s is not allowed", describeNode(n))
}

func evalBinary(node *ast.BinaryNode, results Results) (any, error) {
	left, err := evalNode(node.Left, results)
	if err != nil {
		return nil, err
	}
	switch node.Operator {
	case "and", "&&":
		if !truthy(left) {
			return false, nil
		}
		right, err := evalNode(node.Right, results)
		return truthy(right), err
	case "or", "||":
		if truthy(left) {
			return true, nil
		}
		right, err := evalNode(node.Right, results)
		return truthy(right), err
	}

	right, err := evalNode(node.Right, results)
	if err != nil {
		return nil, err
	}
	switch node.Operator {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "in":
		return contains(right, left), nil
	}
	return nil, fmt.Errorf("operator %q is not allowed", node.Operator)
}

// lookupPath resolves step.field.sub against results; nil when any segment is absent.
func lookupPath(n ast.Node, results Results) any {
	segments, ok := pathSegments(n)
	if !ok || len(segments) == 0 {
		return nil
	}
	root, ok := results[fmt.Sprint(segments[0])]
	if !ok {
		return nil
	}
	v, _ := traverse(root, segments[1:])
	return v
}

func pathSegments(n ast.Node) ([]any, bool) {
	switch node := n.(type) {
	case *ast.IdentifierNode:
		return []any{node.Value}, true
	case *ast.MemberNode:
		head, ok := pathSegments(node.Node)
		if !ok {
			return nil, false
		}
		switch p := node.Property.(type) {
		case *ast.StringNode:
			return append(head, p.Value), true
		case *ast.IntegerNode:
			return append(head, p.Value), true
		}
	}
	return nil, false
}

// traverse walks a JSON-like value. String segments index maps, int segments
// index lists.
func traverse(v any, segments []any) (any, bool) {
	cur := v
	for _, seg := range segments {
		switch c := cur.(type) {
		case map[string]any:
			key := fmt.Sprint(seg)
			next, ok := c[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, ok := seg.(int)
			if !ok || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func contains(collection, item any) bool {
	switch c := collection.(type) {
	case []any:
		for _, v := range c {
			if equal(v, item) {
				return true
			}
		}
	case []string:
		for _, v := range c {
			if equal(v, item) {
				return true
			}
		}
	case map[string]any:
		if key, ok := item.(string); ok {
			_, found := c[key]
			return found
		}
	case string:
		if s, ok := item.(string); ok {
			return strings.Contains(c, s)
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
