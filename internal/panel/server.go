package panel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/metrics"
	"github.com/rendis/toolflow/internal/scheduler"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/internal/tools"
	"github.com/rendis/toolflow/internal/validation"
	"github.com/rendis/toolflow/internal/workflows"
)

// Deps holds the dependencies for the panel server. Scheduler, Events,
// Metrics and MCP are optional; their routes are not mounted when nil.
type Deps struct {
	Workflows  *workflows.Registry
	Validator  *validation.Validator
	Engine     *engine.Engine
	Executions *store.ExecutionStore
	Events     *store.EventLog
	Tools      *tools.Registry
	Hub        streaming.EventHub
	Metrics    *metrics.Metrics
	Scheduler  *scheduler.Scheduler
	MCP        http.Handler // served under /mcp/
	Logger     *slog.Logger
}

// Server is the HTTP management API: the upward API as JSON, a live event
// stream and the metrics endpoint.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	s := &Server{deps: deps, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.handleHealth)

	api := e.Group("/api")
	api.GET("/tools", s.handleListTools)
	api.GET("/workflows", s.handleListWorkflows)
	api.GET("/workflows/:name", s.handleGetWorkflow)
	api.PUT("/workflows/:name", s.handlePutWorkflow)
	api.POST("/workflows/:name/executions", s.handleExecute)
	api.GET("/executions", s.handleListExecutions)
	api.GET("/executions/:id", s.handleGetExecution)
	api.POST("/executions/:id/cancel", s.handleCancel)
	api.GET("/events", s.handleSSE)

	if s.deps.Events != nil {
		api.GET("/executions/:id/events", s.handleExecutionEvents)
	}
	if s.deps.Scheduler != nil {
		api.GET("/schedules", s.handleListSchedules)
		api.POST("/schedules", s.handleCreateSchedule)
		api.PUT("/schedules/:id", s.handleUpdateSchedule)
		api.DELETE("/schedules/:id", s.handleDeleteSchedule)
	}
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
	if s.deps.MCP != nil {
		e.Any("/mcp/*", echo.WrapHandler(s.deps.MCP))
	}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. There is no write timeout: event streams stay open.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("panel listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.deps.Logger.Info("panel stopped")
		return nil
	}
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}
