package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/toolflow/pkg/schema"
)

// templateRe matches {{ step.path }} references. Whitespace inside the braces is ignored.
var templateRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// ResolveParameters returns a copy of params with every {{step.path}}
// reference replaced by the stringified value found in results. Nested maps
// and lists are resolved recursively; params itself is never modified.
func ResolveParameters(params map[string]any, results Results) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := resolveValue(params, results)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(v any, results Results) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, results)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, results)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, results)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString substitutes every reference in s. Strings are inserted raw;
// any other value is inserted as compact JSON.
func ResolveString(s string, results Results) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var firstErr error
	out := templateRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		ref := templateRe.FindStringSubmatch(match)[1]
		v, err := lookupReference(ref, results)
		if err != nil {
			firstErr = err
			return match
		}
		str, err := stringify(v)
		if err != nil {
			firstErr = schema.NewErrorf(schema.ErrCodeUnresolvedReference, "cannot stringify {{%s}}: %s", ref, err).WithCause(err)
			return match
		}
		return str
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func lookupReference(ref string, results Results) (any, error) {
	stepName, path, ok := strings.Cut(ref, ".")
	if !ok || stepName == "" || path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
			"malformed reference {{%s}}: expected {{step.field}}", ref).
			WithDetails(map[string]any{"reference": ref})
	}

	root, found := results[stepName]
	if !found {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
			"reference {{%s}}: step %q has no completed result", ref, stepName).
			WithDetails(map[string]any{
				"reference":      ref,
				"step":           stepName,
				"available_keys": sortedKeys(results),
			})
	}

	segments := splitPath(path)
	v, ok := traverse(root, segments)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
			"reference {{%s}}: field %q not found in result of %q", ref, path, stepName).
			WithDetails(map[string]any{
				"reference":      ref,
				"step":           stepName,
				"available_keys": mapKeys(root),
			})
	}
	return v, nil
}

// splitPath turns "a.b.0.c" into map keys and list indices.
func splitPath(path string) []any {
	parts := strings.Split(path, ".")
	segments := make([]any, len(parts))
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			segments[i] = n
			continue
		}
		segments[i] = p
	}
	return segments
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case nil:
		return "null", nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int, int64, int32:
		return fmt.Sprint(val), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// References lists the distinct step names referenced by templates anywhere in params.
func References(params map[string]any) []string {
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range templateRe.FindAllStringSubmatch(val, -1) {
				if step, _, ok := strings.Cut(m[1], "."); ok && step != "" {
					seen[step] = true
				}
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(params)

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(results Results) []string {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
