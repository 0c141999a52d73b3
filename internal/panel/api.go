package panel

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/toolflow/internal/diagram"
	"github.com/rendis/toolflow/internal/tools"
	"github.com/rendis/toolflow/pkg/schema"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"workflows":  s.deps.Workflows.Len(),
		"executions": s.deps.Executions.Len(),
		"running":    len(s.deps.Engine.Running()),
	})
}

func (s *Server) handleListTools(c echo.Context) error {
	list := []tools.ToolInfo{}
	if s.deps.Tools != nil {
		list = s.deps.Tools.List()
	}
	return c.JSON(http.StatusOK, map[string]any{"tools": list})
}

// --- workflows ---

func (s *Server) handleListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"workflows": s.deps.Workflows.Describe()})
}

// handleGetWorkflow returns the definition and its diagram. With
// ?execution_id= the diagram carries that run's step statuses.
func (s *Server) handleGetWorkflow(c echo.Context) error {
	wf, err := s.deps.Workflows.Get(c.Param("name"))
	if err != nil {
		return err
	}

	var ex *schema.Execution
	if id := c.QueryParam("execution_id"); id != "" {
		if ex, err = s.deps.Executions.Get(id); err != nil {
			return err
		}
		if ex.WorkflowName != wf.Name {
			return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q is not a run of %q", id, wf.Name)
		}
	}

	model, err := diagram.Build(wf, ex)
	if err != nil {
		return schema.AsFlowError(err, schema.ErrCodeConflict)
	}
	rendered := diagram.RenderMermaid(model)
	if c.QueryParam("format") == "ascii" {
		rendered = diagram.RenderASCII(model)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"workflow": wf,
		"diagram":  rendered,
	})
}

// handlePutWorkflow registers or replaces a workflow. The body is a workflow
// document or a bare step array; the path name wins over an empty body name.
func (s *Server) handlePutWorkflow(c echo.Context) error {
	name := c.Param("name")
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}

	wf, err := s.deps.Validator.ParseWorkflow(raw)
	if err != nil {
		return err
	}
	if wf.Name != "" && wf.Name != name {
		return schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "body names workflow %q but path names %q", wf.Name, name)
	}

	existed := s.deps.Workflows.Has(name)
	result, err := s.deps.Workflows.Register(name, wf.Description, wf.Steps)
	if err != nil {
		return schema.AsFlowError(err, schema.ErrCodeInvalidWorkflow).
			WithDetails(map[string]any{"errors": result.Errors, "warnings": result.Warnings})
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]any{
		"name":     name,
		"steps":    len(wf.Steps),
		"replaced": existed,
		"warnings": result.Warnings,
	})
}

type executeRequest struct {
	Metadata map[string]any `json:"metadata"`
	Wait     bool           `json:"wait"`
}

// handleExecute starts a run. It answers 202 with the execution id, or with
// "wait": true blocks until the run is terminal and returns the snapshot.
func (s *Server) handleExecute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	id, err := s.deps.Engine.Execute(ctx, c.Param("name"), req.Metadata)
	if err != nil {
		return err
	}

	if req.Wait {
		ex, err := s.deps.Engine.Wait(ctx, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ex)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"execution_id": id,
		"status":       schema.ExecutionStatusRunning,
	})
}

// --- executions ---

// handleListExecutions returns summaries, newest first, optionally filtered
// by ?workflow= and ?status= and capped by ?limit=.
func (s *Server) handleListExecutions(c echo.Context) error {
	workflow := c.QueryParam("workflow")
	status := schema.ExecutionStatus(c.QueryParam("status"))
	limit := queryInt(c, "limit", 0)

	out := make([]schema.ExecutionSummary, 0)
	for _, sum := range s.deps.Executions.List() {
		if workflow != "" && sum.WorkflowName != workflow {
			continue
		}
		if status != "" && sum.Status != status {
			continue
		}
		out = append(out, sum)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": out})
}

func (s *Server) handleGetExecution(c echo.Context) error {
	ex, err := s.deps.Engine.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ex)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Engine.Cancel(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"execution_id":     id,
		"cancel_requested": true,
	})
}

// handleExecutionEvents returns the logged events of one execution after
// the ?since= sequence number.
func (s *Server) handleExecutionEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.deps.Executions.Get(id); err != nil {
		return err
	}
	since, _ := strconv.ParseInt(c.QueryParam("since"), 10, 64)
	return c.JSON(http.StatusOK, map[string]any{
		"events": s.deps.Events.GetEvents(c.Request().Context(), id, since),
	})
}

// --- schedules ---

type scheduleRequest struct {
	Workflow string         `json:"workflow"`
	Cron     string         `json:"cron"`
	Metadata map[string]any `json:"metadata"`
	Enabled  *bool          `json:"enabled"`
}

func (s *Server) handleListSchedules(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"schedules": s.deps.Scheduler.Jobs()})
}

func (s *Server) handleCreateSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Workflow != "" && !s.deps.Workflows.Has(req.Workflow) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", req.Workflow)
	}

	job, err := s.deps.Scheduler.Add(req.Workflow, req.Cron, req.Metadata)
	if err != nil {
		return err
	}
	if req.Enabled != nil && !*req.Enabled {
		if err := s.deps.Scheduler.SetEnabled(job.ID, false); err != nil {
			return err
		}
		job.Enabled = false
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) handleUpdateSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled is required")
	}
	id := c.Param("id")
	if err := s.deps.Scheduler.SetEnabled(id, *req.Enabled); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "enabled": *req.Enabled})
}

func (s *Server) handleDeleteSchedule(c echo.Context) error {
	if err := s.deps.Scheduler.Remove(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
