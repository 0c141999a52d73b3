package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

// notificationMethod is the MCP logging notification used for run outcomes.
const notificationMethod = "notifications/message"

// sender is the part of server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier pushes a message to the MCP session that started an execution
// when that execution finishes. Best effort: executions started outside a
// session, or whose session has gone, are ignored.
type Notifier struct {
	sender   sender
	sessions *SessionRegistry
	hub      streaming.EventHub
	logger   *slog.Logger
}

// NewNotifier creates a notifier that pushes via the MCP server's sessions.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *Notifier {
	return &Notifier{sender: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Run subscribes to terminal execution events and blocks until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	if n.hub == nil {
		<-ctx.Done()
		return nil
	}
	ch, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventExecutionCompleted,
			schema.EventExecutionFailed,
			schema.EventExecutionCancelled,
		},
	})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			n.notify(event)
		}
	}
}

func (n *Notifier) notify(event streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(event.ExecutionID)
	if !ok {
		return
	}
	n.sessions.Forget(event.ExecutionID)

	level := "info"
	if event.EventType == schema.EventExecutionFailed {
		level = "error"
	}
	params := map[string]any{
		"level":  level,
		"logger": "toolflow",
		"data": map[string]any{
			"event":        event.EventType,
			"execution_id": event.ExecutionID,
			"workflow":     event.Workflow,
			"payload":      event.Payload,
		},
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, params)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session closed between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("notify session failed", "session_id", sessionID, "execution_id", event.ExecutionID, "error", err)
	}
}
