package store

import (
	"time"
)

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Step        string         `json:"step,omitempty"`
	Type        string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Sequence    int64          `json:"sequence"`
}

// EventFilter selects events across executions.
type EventFilter struct {
	ExecutionID string
	Types       []string
	Since       int64 // only events with Sequence > Since
	Limit       int
}

func (f EventFilter) matches(e *Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if e.Sequence <= f.Since {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
