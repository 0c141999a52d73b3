package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while an execution runs.
type StreamEvent struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Workflow    string         `json:"workflow,omitempty"`
	Step        string         `json:"step,omitempty"`
	EventType   string         `json:"event_type"`
	Sequence    int64          `json:"sequence,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Workflow    string   `json:"workflow,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
