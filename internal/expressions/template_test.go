package expressions

import (
	"testing"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveString(t *testing.T) {
	results := sampleResults()

	tests := []struct {
		in   string
		want string
	}{
		{"no templates", "no templates"},
		{"{{fetch.status}}", "success"},
		{"{{ fetch.status }}", "success"},
		{"count={{fetch.count}}", "count=3"},
		{"{{fetch.meta.ok}}", "true"},
		{"{{fetch.tags}}", `["a","b"]`},
		{"{{fetch.meta}}", `{"ok":true,"owner":"ops"}`},
		{"{{fetch.items.0.id}}", "x1"},
		{"{{fetch.status}}/{{check.status}}", "success/error"},
		{"[{{check.result}}]", "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ResolveString(tt.in, results)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveString_Unresolved(t *testing.T) {
	results := sampleResults()

	for _, in := range []string{
		"{{later.result}}",
		"{{fetch.nope}}",
		"{{fetch.tags.5}}",
		"{{fetch}}",
		"{{ }}",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ResolveString(in, results)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeUnresolvedReference), "got %v", err)
		})
	}
}

func TestResolveString_ErrorListsAvailableKeys(t *testing.T) {
	_, err := ResolveString("{{fetch.nope}}", sampleResults())
	fe := schema.AsFlowError(err, "")
	require.NotNil(t, fe)
	assert.Equal(t, []string{"count", "items", "meta", "status", "tags"}, fe.Details["available_keys"])
}

func TestResolveParameters_NestedAndImmutable(t *testing.T) {
	params := map[string]any{
		"word":  "{{fetch.status}}",
		"count": float64(7),
		"opts":  map[string]any{"owner": "{{fetch.meta.owner}}", "flag": true},
		"list":  []any{"{{check.status}}", 1.5},
	}

	out, err := ResolveParameters(params, sampleResults())
	require.NoError(t, err)

	assert.Equal(t, "success", out["word"])
	assert.Equal(t, float64(7), out["count"])
	assert.Equal(t, "ops", out["opts"].(map[string]any)["owner"])
	assert.Equal(t, true, out["opts"].(map[string]any)["flag"])
	assert.Equal(t, []any{"error", 1.5}, out["list"])

	assert.Equal(t, "{{fetch.status}}", params["word"], "input must not be mutated")
	assert.Equal(t, "{{fetch.meta.owner}}", params["opts"].(map[string]any)["owner"])
}

func TestResolveParameters_Nil(t *testing.T) {
	out, err := ResolveParameters(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReferences(t *testing.T) {
	params := map[string]any{
		"a": "{{one.result}} and {{two.x.y}}",
		"b": map[string]any{"c": []any{"{{three.status}}", "{{one.other}}"}},
		"d": "{{malformed}}",
	}
	assert.Equal(t, []string{"one", "three", "two"}, References(params))
}
