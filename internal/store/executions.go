package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// slot holds one execution. The driving engine goroutine publishes whole
// snapshots; readers load the pointer and never block the driver.
type slot struct {
	snapshot atomic.Pointer[schema.Execution]
	cancel   atomic.Bool
}

// ExecutionStore is the in-memory table of executions, keyed by id.
// Locking is confined to the id -> slot map; per-execution state is lock-free.
type ExecutionStore struct {
	mu    sync.RWMutex
	slots map[string]*slot
	seq   atomic.Uint64
	now   func() time.Time
}

// NewExecutionStore creates an empty store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		slots: make(map[string]*slot),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create allocates a new pending execution for workflow and returns the
// driver's private, mutable copy. The id is <workflow>_<unix seconds>_<seq>;
// seq is unique per store, so two ids can never collide.
func (s *ExecutionStore) Create(workflow string, steps []schema.StepDefinition, metadata map[string]any) *schema.Execution {
	now := s.now()
	id := fmt.Sprintf("%s_%d_%d", workflow, now.Unix(), s.seq.Add(1))
	ex := schema.NewExecution(id, workflow, steps, metadata, now)

	sl := &slot{}
	sl.snapshot.Store(ex.Clone())

	s.mu.Lock()
	s.slots[id] = sl
	s.mu.Unlock()
	return ex
}

// Publish replaces the stored snapshot with a copy of ex. Only the goroutine
// driving the execution may call it.
func (s *ExecutionStore) Publish(ex *schema.Execution) {
	sl := s.slot(ex.ID)
	if sl == nil {
		return
	}
	sl.snapshot.Store(ex.Clone())
}

// Get returns a point-in-time copy of the execution.
func (s *ExecutionStore) Get(id string) (*schema.Execution, error) {
	sl := s.slot(id)
	if sl == nil {
		return nil, notFound(id)
	}
	ex := sl.snapshot.Load().Clone()
	if !ex.Status.IsTerminal() && sl.cancel.Load() {
		ex.CancelRequested = true
	}
	return ex, nil
}

// List returns summaries of every execution, newest first.
func (s *ExecutionStore) List() []schema.ExecutionSummary {
	s.mu.RLock()
	out := make([]schema.ExecutionSummary, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.snapshot.Load().Summary())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// RequestCancel sets the cancellation flag the engine checks before each
// dispatch. It never interrupts a tool invocation already in flight.
func (s *ExecutionStore) RequestCancel(id string) error {
	sl := s.slot(id)
	if sl == nil {
		return notFound(id)
	}
	if st := sl.snapshot.Load().Status; st.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeAlreadyTerminal, "execution %s is already %s", id, st).
			WithDetails(map[string]any{"execution_id": id, "status": string(st)})
	}
	sl.cancel.Store(true)
	return nil
}

// Cancelled reports whether cancellation was requested for id.
func (s *ExecutionStore) Cancelled(id string) bool {
	sl := s.slot(id)
	return sl != nil && sl.cancel.Load()
}

// Delete removes a terminal execution. Running executions cannot be deleted.
func (s *ExecutionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[id]
	if !ok {
		return notFound(id)
	}
	if st := sl.snapshot.Load().Status; !st.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s is still %s", id, st)
	}
	delete(s.slots, id)
	return nil
}

// Prune removes terminal executions that completed before cutoff and returns their ids.
func (s *ExecutionStore) Prune(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, sl := range s.slots {
		ex := sl.snapshot.Load()
		if ex.Status.IsTerminal() && ex.CompletedAt != nil && ex.CompletedAt.Before(cutoff) {
			delete(s.slots, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Len returns the number of stored executions.
func (s *ExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

func (s *ExecutionStore) slot(id string) *slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[id]
}

func notFound(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id).
		WithDetails(map[string]any{"execution_id": id})
}
