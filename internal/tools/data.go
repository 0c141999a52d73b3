package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/toolflow/internal/expressions"
)

// DataTools returns the pure data tools: echo, fail, sleep, jq, expr_eval and assert.
func DataTools(jq *expressions.GoJQEngine, ex *expressions.ExprEngine, cel *expressions.CELEngine) []Tool {
	return []Tool{
		NewFunc("echo", "Return the given parameters unchanged",
			func(_ context.Context, p map[string]any) (any, error) {
				return success(p), nil
			}),

		NewFunc("fail", "Always fail with the given message",
			func(_ context.Context, p map[string]any) (any, error) {
				return nil, errors.New(stringParam(p, "message", "failed on purpose"))
			}, ParamSpec{Name: "message", Type: ParamString, Description: "Error message"}),

		NewFunc("sleep", "Wait for a duration, then succeed",
			func(ctx context.Context, p map[string]any) (any, error) {
				d, err := time.ParseDuration(stringParam(p, "duration", "1s"))
				if err != nil {
					return nil, fmt.Errorf("invalid duration: %w", err)
				}
				select {
				case <-time.After(d):
					return success(d.String()), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}, ParamSpec{Name: "duration", Type: ParamString, Description: "Go duration, e.g. 500ms"}),

		NewFunc("jq", "Run a jq filter over the input value",
			func(ctx context.Context, p map[string]any) (any, error) {
				out, err := jq.Run(ctx, stringParam(p, "filter", ""), p["input"])
				if err != nil {
					return nil, err
				}
				return success(out), nil
			},
			ParamSpec{Name: "filter", Type: ParamString, Description: "jq filter", Required: true},
			ParamSpec{Name: "input", Type: ParamAny, Description: "Input JSON value"}),

		NewFunc("expr_eval", "Evaluate an expr-lang expression with data as its environment",
			func(ctx context.Context, p map[string]any) (any, error) {
				out, err := ex.Evaluate(ctx, stringParam(p, "expression", ""), objectParam(p, "data"))
				if err != nil {
					return nil, err
				}
				return success(out), nil
			},
			ParamSpec{Name: "expression", Type: ParamString, Description: "expr-lang expression", Required: true},
			ParamSpec{Name: "data", Type: ParamObject, Description: "Expression environment"}),

		NewFunc("assert", "Fail unless a CEL predicate over data holds",
			func(ctx context.Context, p map[string]any) (any, error) {
				expression := stringParam(p, "expression", "")
				out, err := cel.Evaluate(ctx, expression, objectParam(p, "data"))
				if err != nil {
					return nil, err
				}
				pass, ok := out.(bool)
				if !ok {
					return nil, fmt.Errorf("assert: %q evaluated to %T, want bool", expression, out)
				}
				if !pass {
					msg := stringParam(p, "message", fmt.Sprintf("assertion failed: %s", expression))
					return nil, errors.New(msg)
				}
				return map[string]any{"status": "success", "pass": true}, nil
			},
			ParamSpec{Name: "expression", Type: ParamString, Description: "CEL predicate over `data`", Required: true},
			ParamSpec{Name: "data", Type: ParamObject, Description: "Values bound to `data`"},
			ParamSpec{Name: "message", Type: ParamString, Description: "Failure message"}),
	}
}
