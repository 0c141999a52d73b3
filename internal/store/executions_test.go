package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/pkg/schema"
)

var twoSteps = []schema.StepDefinition{
	{Name: "a", ToolName: "echo"},
	{Name: "b", ToolName: "echo", DependsOn: []string{"a"}},
}

func TestExecutionStore_CreateAndGet(t *testing.T) {
	s := NewExecutionStore()
	ex := s.Create("wf", twoSteps, map[string]any{"source": "test"})

	assert.Regexp(t, `^wf_\d+_1$`, ex.ID)
	assert.Equal(t, schema.ExecutionStatusPending, ex.Status)
	assert.Equal(t, []string{"a", "b"}, ex.StepOrder)

	got, err := s.Get(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ex.ID, got.ID)
	assert.Equal(t, schema.StepStatusPending, got.Steps["a"].Status)
	assert.Equal(t, "test", got.Metadata["source"])
}

func TestExecutionStore_GetNotFound(t *testing.T) {
	s := NewExecutionStore()
	_, err := s.Get("nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestExecutionStore_SnapshotsAreIsolated(t *testing.T) {
	s := NewExecutionStore()
	ex := s.Create("wf", twoSteps, nil)

	// Driver mutates its private copy; readers see nothing until Publish.
	ex.Status = schema.ExecutionStatusRunning
	got, _ := s.Get(ex.ID)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)

	s.Publish(ex)
	got, _ = s.Get(ex.ID)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)

	// Readers mutating their copy never reach the store.
	got.Steps["a"].Status = schema.StepStatusFailed
	again, _ := s.Get(ex.ID)
	assert.Equal(t, schema.StepStatusPending, again.Steps["a"].Status)
}

func TestExecutionStore_UniqueIDsUnderConcurrency(t *testing.T) {
	s := NewExecutionStore()
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- s.Create("same", twoSteps, nil).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, s.Len())
}

func TestExecutionStore_RequestCancel(t *testing.T) {
	s := NewExecutionStore()
	ex := s.Create("wf", twoSteps, nil)
	ex.Status = schema.ExecutionStatusRunning
	s.Publish(ex)

	require.NoError(t, s.RequestCancel(ex.ID))
	assert.True(t, s.Cancelled(ex.ID))

	got, _ := s.Get(ex.ID)
	assert.True(t, got.CancelRequested)

	assert.True(t, schema.IsCode(s.RequestCancel("missing"), schema.ErrCodeNotFound))
}

func TestExecutionStore_RequestCancelTerminal(t *testing.T) {
	s := NewExecutionStore()
	ex := s.Create("wf", twoSteps, nil)
	now := time.Now()
	ex.Status = schema.ExecutionStatusCompleted
	ex.CompletedAt = &now
	s.Publish(ex)

	before, _ := s.Get(ex.ID)
	err := s.RequestCancel(ex.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyTerminal))
	assert.False(t, s.Cancelled(ex.ID))

	after, _ := s.Get(ex.ID)
	assert.Equal(t, before, after, "terminal execution must not change")
}

func TestExecutionStore_ListNewestFirst(t *testing.T) {
	s := NewExecutionStore()
	base := time.Unix(1700000000, 0)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	first := s.Create("one", twoSteps, nil)
	second := s.Create("two", twoSteps, nil)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, 2, list[0].StepCounts[schema.StepStatusPending])
}

func TestExecutionStore_DeleteAndPrune(t *testing.T) {
	s := NewExecutionStore()
	running := s.Create("wf", twoSteps, nil)
	running.Status = schema.ExecutionStatusRunning
	s.Publish(running)

	old := s.Create("wf", twoSteps, nil)
	oldDone := time.Now().Add(-2 * time.Hour)
	old.Status = schema.ExecutionStatusFailed
	old.CompletedAt = &oldDone
	s.Publish(old)

	fresh := s.Create("wf", twoSteps, nil)
	freshDone := time.Now()
	fresh.Status = schema.ExecutionStatusCompleted
	fresh.CompletedAt = &freshDone
	s.Publish(fresh)

	assert.True(t, schema.IsCode(s.Delete(running.ID), schema.ErrCodeInvalidTransition))
	assert.True(t, schema.IsCode(s.Delete("missing"), schema.ErrCodeNotFound))

	removed := s.Prune(time.Now().Add(-time.Hour))
	assert.Equal(t, []string{old.ID}, removed)
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Delete(fresh.ID))
	assert.Equal(t, 1, s.Len())
}
