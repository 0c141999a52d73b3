package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constTool(name string, out any, err error, params ...ParamSpec) *Func {
	return NewFunc(name, "test tool", func(context.Context, map[string]any) (any, error) {
		return out, err
	}, params...)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe), "expected FlowError, got %T: %v", err, err)
	assert.Equal(t, code, fe.Code)
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(constTool("a", nil, nil)))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("a"))
	assert.False(t, reg.Has("b"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(constTool("dup", nil, nil)))
	requireCode(t, reg.Register(constTool("dup", nil, nil)), schema.ErrCodeConflict)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry()
	requireCode(t, reg.Register(nil), schema.ErrCodeToolError)
	requireCode(t, reg.Register(constTool("", nil, nil)), schema.ErrCodeToolError)
}

func TestRegistry_Get_NotFound(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	requireCode(t, err, schema.ErrCodeToolNotFound)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(constTool(n, nil, nil)))
	}
	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{infos[0].Name, infos[1].Name, infos[2].Name})
}

func TestRegistry_Invoke_NormalizesResults(t *testing.T) {
	type payload struct {
		Count int `json:"count"`
	}
	tests := []struct {
		name string
		out  any
		want map[string]any
	}{
		{"object", map[string]any{"status": "success"}, map[string]any{"status": "success"}},
		{"struct", payload{Count: 3}, map[string]any{"count": float64(3)}},
		{"scalar", 7, map[string]any{"result": float64(7)}},
		{"list", []string{"x"}, map[string]any{"result": []any{"x"}}},
		{"nil", nil, map[string]any{"result": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register(constTool("t", tt.out, nil)))
			got, err := reg.Invoke(context.Background(), "t", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_Invoke_MissingRequiredParam(t *testing.T) {
	reg := NewRegistry()
	called := false
	require.NoError(t, reg.Register(NewFunc("t", "", func(context.Context, map[string]any) (any, error) {
		called = true
		return nil, nil
	}, ParamSpec{Name: "word", Type: ParamString, Required: true})))

	_, err := reg.Invoke(context.Background(), "t", map[string]any{})
	requireCode(t, err, schema.ErrCodeToolError)
	assert.False(t, called)
}

func TestRegistry_Invoke_ErrorClassification(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(constTool("plain", nil, errors.New("boom"))))
	require.NoError(t, reg.Register(constTool("flow", nil, schema.NewError(schema.ErrCodeTimeout, "slow"))))
	require.NoError(t, reg.Register(NewFunc("block", "", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	_, err := reg.Invoke(context.Background(), "plain", nil)
	requireCode(t, err, schema.ErrCodeToolError)
	assert.Contains(t, err.Error(), "boom")

	_, err = reg.Invoke(context.Background(), "flow", nil)
	requireCode(t, err, schema.ErrCodeTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = reg.Invoke(ctx, "block", nil)
	requireCode(t, err, schema.ErrCodeTimeout)

	_, err = reg.Invoke(context.Background(), "nope", nil)
	requireCode(t, err, schema.ErrCodeToolNotFound)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(constTool("t", map[string]any{"ok": true}, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Invoke(context.Background(), "t", nil)
			assert.NoError(t, err)
			_ = reg.List()
		}()
	}
	wg.Wait()
}
