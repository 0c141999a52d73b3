package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngines_ImplementEngine(t *testing.T) {
	var _ Engine = (*ExprEngine)(nil)
	var _ Engine = (*CELEngine)(nil)
	var _ Engine = (*GoJQEngine)(nil)
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), "a + b", map[string]any{"a": 10, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, 13, out)

	out, err = e.Evaluate(context.Background(), `filter(items, # > 1) | len()`, map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeToolError))

	_, err = e.Evaluate(context.Background(), "a +", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeToolError))
}

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	out, err := e.Evaluate(context.Background(), `data.status == "success" && data.count > 2`,
		map[string]any{"status": "success", "count": 3})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	_, err = e.Evaluate(context.Background(), "data.", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeToolError))
}

func TestGoJQEngine_Run(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	out, err := e.Evaluate(context.Background(), ".name", map[string]any{"name": "toolflow"})
	require.NoError(t, err)
	assert.Equal(t, "toolflow", out)

	out, err = e.Run(context.Background(), ".[] | select(. > 1)", []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{2, 3}, out)

	out, err = e.Run(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Run(context.Background(), "length", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	_, err = e.Run(context.Background(), ".[", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeToolError))
}

func TestGoJQEngine_ConcurrentCache(t *testing.T) {
	e := NewGoJQEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Evaluate(context.Background(), ".a", map[string]any{"a": 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.programs.len())
}
