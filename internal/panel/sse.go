package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/toolflow/internal/streaming"
)

// sseHeartbeat is how often an idle stream sends a comment line.
const sseHeartbeat = 15 * time.Second

// handleSSE streams engine events as Server-Sent Events. Filters:
// ?execution_id=, ?workflow= and ?types=a,b.
func (s *Server) handleSSE(c echo.Context) error {
	filter := streaming.EventFilter{
		ExecutionID: c.QueryParam("execution_id"),
		Workflow:    c.QueryParam("workflow"),
	}
	if types := c.QueryParam("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	return s.serveSSE(c, filter)
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(c echo.Context, filter streaming.EventFilter) error {
	if s.deps.Hub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream not configured")
	}
	ctx := c.Request().Context()

	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "subscribe failed")
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.EventType, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
