package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

// EventAppender is satisfied by store.EventLog; FSMs emit an event on every transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// emitter writes an event to the log and fans it out to the hub. Both are
// optional. Emission failures are logged, never returned: an event that
// cannot be recorded must not change the outcome of a run.
type emitter struct {
	appender EventAppender
	hub      streaming.EventHub
	logger   *slog.Logger
	// publish stores the execution's snapshot. Transitions call it before
	// emitting so a subscriber reading the store sees the new state.
	publish func(ex *schema.Execution)
}

func (em *emitter) transitioned(ctx context.Context, ex *schema.Execution, step, eventType string, payload map[string]any) {
	if em.publish != nil {
		em.publish(ex)
	}
	if eventType != "" {
		em.emit(ctx, ex, step, eventType, payload)
	}
}

func (em *emitter) emit(ctx context.Context, ex *schema.Execution, step, eventType string, payload map[string]any) {
	event := &store.Event{
		ExecutionID: ex.ID,
		Step:        step,
		Type:        eventType,
		Payload:     payload,
	}
	if em.appender != nil {
		if err := em.appender.AppendEvent(ctx, event); err != nil {
			em.logger.WarnContext(ctx, "append event failed", "event_type", eventType, "error", err)
		}
	}
	if em.hub != nil {
		ts := event.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		err := em.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
			ID:          event.ID,
			ExecutionID: ex.ID,
			Workflow:    ex.WorkflowName,
			Step:        step,
			EventType:   eventType,
			Sequence:    event.Sequence,
			Payload:     payload,
			Timestamp:   ts,
		})
		if err != nil {
			em.logger.WarnContext(ctx, "publish event failed", "event_type", eventType, "error", err)
		}
	}
}

// --- Execution FSM ---

// ExecutionFSM applies execution-level transitions.
type ExecutionFSM struct {
	events *emitter
	now    func() time.Time
}

// newExecutionFSM creates an ExecutionFSM emitting through em.
func newExecutionFSM(em *emitter, now func() time.Time) *ExecutionFSM {
	return &ExecutionFSM{events: em, now: now}
}

// Transition validates and applies ex.Status → to, stamps the start or
// completion time and emits the matching event. The caller owns ex.
func (f *ExecutionFSM) Transition(ctx context.Context, ex *schema.Execution, to schema.ExecutionStatus, payload map[string]any) error {
	from := ex.Status
	if !slices.Contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": ex.ID, "from": string(from), "to": string(to)})
	}

	now := f.now()
	ex.Status = to
	switch {
	case to == schema.ExecutionStatusRunning:
		ex.StartedAt = &now
	case to.IsTerminal():
		ex.CompletedAt = &now
	}

	f.events.transitioned(ctx, ex, "", executionEventType(to), payload)
	return nil
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM applies step-level transitions.
type StepFSM struct {
	events *emitter
	now    func() time.Time
}

func newStepFSM(em *emitter, now func() time.Time) *StepFSM {
	return &StepFSM{events: em, now: now}
}

// Transition validates and applies st.Status → to on a step of ex.
func (f *StepFSM) Transition(ctx context.Context, ex *schema.Execution, st *schema.StepExecution, to schema.StepStatus, payload map[string]any) error {
	from := st.Status
	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(st.Name).
			WithDetails(map[string]any{"execution_id": ex.ID, "from": string(from), "to": string(to)})
	}

	now := f.now()
	st.Status = to
	switch {
	case to == schema.StepStatusRunning:
		st.StartedAt = &now
	case to.IsTerminal():
		st.CompletedAt = &now
	}

	f.events.transitioned(ctx, ex, st.Name, stepEventType(to), payload)
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// pending → failed covers steps that never run: upstream failure, bad
// condition, unresolved reference.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusFailed},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}
