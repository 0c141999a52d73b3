package expressions

import (
	"context"
	"sync"
)

// Engine evaluates a free-form expression for a data tool. Step conditions
// never go through an Engine; they use the closed grammar in condition.go.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text. Compiled programs
// are immutable and shared across goroutines.
type programCache[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{items: make(map[string]T)}
}

func (c *programCache[T]) getOrCompile(src string, compile func() (T, error)) (T, error) {
	c.mu.RLock()
	if p, ok := c.items[src]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have compiled it while we waited.
	if p, ok := c.items[src]; ok {
		return p, nil
	}

	p, err := compile()
	if err != nil {
		var zero T
		return zero, err
	}
	c.items[src] = p
	return p, nil
}

func (c *programCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
