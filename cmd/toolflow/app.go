package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/metrics"
	"github.com/rendis/toolflow/internal/scheduler"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/internal/tools"
	"github.com/rendis/toolflow/internal/validation"
	"github.com/rendis/toolflow/internal/workflows"
)

// app is the wired process: every component the commands need.
type app struct {
	cfg        Config
	logger     *slog.Logger
	tools      *tools.Registry
	validator  *validation.Validator
	workflows  *workflows.Registry
	executions *store.ExecutionStore
	events     *store.EventLog
	hub        *streaming.MemoryHub
	metrics    *metrics.Metrics
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler

	// onPrune runs for every pruned execution id. Set before the pruner starts.
	onPrune []func(id string)
}

// newApp builds the tool registry, the built-in and configured workflows,
// the engine and the scheduler. A bad file in workflows_dir is logged, not
// fatal; the rest of the directory still loads.
func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		tools:      tools.NewRegistry(),
		executions: store.NewExecutionStore(),
		events:     store.NewEventLog(),
		hub:        streaming.NewMemoryHub(),
		metrics:    metrics.New(),
	}

	host := tools.HostConfig{
		DesktopDir: cfg.DesktopDir,
		Opener:     &tools.CommandOpener{Command: cfg.browserCommand()},
		Mailer:     &tools.SendmailMailer{Path: cfg.SendmailPath},
	}
	if err := tools.RegisterBuiltins(a.tools, host); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	v, err := validation.New(a.tools)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	a.validator = v

	a.workflows = workflows.NewRegistry(v, logger)
	a.workflows.OnChange(a.metrics.SetWorkflows)
	if err := workflows.RegisterBuiltins(a.workflows); err != nil {
		return nil, fmt.Errorf("register builtin workflows: %w", err)
	}
	if cfg.WorkflowsDir != "" {
		loaded, err := a.workflows.LoadDir(cfg.WorkflowsDir)
		if err != nil {
			logger.Error("some workflow files failed to load", "dir", cfg.WorkflowsDir, "error", err)
		}
		logger.Info("workflows loaded", "dir", cfg.WorkflowsDir, "count", len(loaded))
	}

	a.engine = engine.New(a.workflows, a.executions, a.tools, engine.Config{
		MaxParallelSteps: cfg.MaxParallelSteps,
		StepTimeout:      cfg.StepTimeout,
		Events:           a.events,
		Hub:              a.hub,
		Observer:         a.metrics,
		Logger:           logger,
	})

	a.scheduler = scheduler.NewScheduler(a.engine, logger)
	for _, s := range cfg.Schedules {
		if !a.workflows.Has(s.Workflow) {
			return nil, fmt.Errorf("schedule for unknown workflow %q", s.Workflow)
		}
		if _, err := a.scheduler.Add(s.Workflow, s.Cron, s.Metadata); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s.Workflow, err)
		}
	}
	return a, nil
}

// prune drops terminal executions older than the retention window together
// with their logged events.
func (a *app) prune(now time.Time) int {
	if a.cfg.Retention <= 0 {
		return 0
	}
	ids := a.executions.Prune(now.Add(-a.cfg.Retention))
	for _, id := range ids {
		a.events.Forget(id)
		for _, fn := range a.onPrune {
			fn(id)
		}
	}
	if len(ids) > 0 {
		a.logger.Info("pruned executions", "count", len(ids), "retention", a.cfg.Retention)
	}
	return len(ids)
}

// runPruner prunes on a fixed interval until ctx ends.
func (a *app) runPruner(ctx context.Context, every time.Duration) {
	if a.cfg.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.prune(now.UTC())
		}
	}
}

// pruneInterval checks often enough for short retention windows without
// spinning for long ones.
func pruneInterval(retention time.Duration) time.Duration {
	d := retention / 10
	switch {
	case d < time.Second:
		return time.Second
	case d > 10*time.Minute:
		return 10 * time.Minute
	default:
		return d
	}
}

// shutdown stops the scheduler, then drains the engine within timeout.
func (a *app) shutdown(timeout time.Duration) error {
	schedErr := a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	engErr := a.engine.Shutdown(ctx)
	if errors.Is(engErr, context.DeadlineExceeded) {
		a.logger.Warn("engine drain timed out; in-flight tool calls abandoned")
	}
	return errors.Join(schedErr, engErr)
}
