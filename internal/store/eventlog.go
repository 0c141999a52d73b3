package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/toolflow/pkg/schema"
)

// EventLog is an in-memory, append-only log of execution events with a
// monotonically increasing sequence per execution.
type EventLog struct {
	mu     sync.RWMutex
	events map[string][]*Event
	now    func() time.Time
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{
		events: make(map[string][]*Event),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AppendEvent assigns the event an ID, timestamp and the next sequence number
// for its execution, then stores it.
func (el *EventLog) AppendEvent(_ context.Context, event *Event) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeNotFound, "event has no execution id")
	}

	el.mu.Lock()
	defer el.mu.Unlock()

	log := el.events[event.ExecutionID]
	event.Sequence = int64(len(log)) + 1
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = el.now()
	}
	el.events[event.ExecutionID] = append(log, event)
	return nil
}

// GetEvents returns the events of one execution with sequence > since, in order.
func (el *EventLog) GetEvents(_ context.Context, executionID string, since int64) []*Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	log := el.events[executionID]
	if since >= int64(len(log)) {
		return nil
	}
	if since < 0 {
		since = 0
	}
	out := make([]*Event, len(log)-int(since))
	copy(out, log[since:])
	return out
}

// Query returns events matching the filter across executions, ordered by timestamp.
func (el *EventLog) Query(_ context.Context, filter EventFilter) []*Event {
	el.mu.RLock()
	var out []*Event
	for id, log := range el.events {
		if filter.ExecutionID != "" && id != filter.ExecutionID {
			continue
		}
		for _, e := range log {
			if filter.matches(e) {
				out = append(out, e)
			}
		}
	}
	el.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Forget drops every event of an execution.
func (el *EventLog) Forget(executionID string) {
	el.mu.Lock()
	delete(el.events, executionID)
	el.mu.Unlock()
}

// ReplayEvents rebuilds the final status of each step from the log. It is a
// consistency check: the result must match the execution snapshot.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]schema.StepStatus, error) {
	events := el.GetEvents(ctx, executionID, 0)
	states := make(map[string]schema.StepStatus)

	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"sequence gap in execution %s: expected %d, got %d", executionID, i+1, e.Sequence)
		}
		if e.Step == "" {
			continue
		}
		switch e.Type {
		case schema.EventStepStarted:
			states[e.Step] = schema.StepStatusRunning
		case schema.EventStepCompleted:
			states[e.Step] = schema.StepStatusCompleted
		case schema.EventStepFailed:
			states[e.Step] = schema.StepStatusFailed
		case schema.EventStepSkipped:
			states[e.Step] = schema.StepStatusSkipped
		}
	}
	return states, nil
}
