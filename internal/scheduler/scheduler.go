package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/toolflow/pkg/schema"
)

// Runner is the interface the scheduler uses to start workflows.
// Satisfied by engine.Engine.
type Runner interface {
	Execute(ctx context.Context, workflow string, metadata map[string]any) (string, error)
	Get(id string) (*schema.Execution, error)
}

// Run outcomes recorded on a Job.
const (
	RunStarted = "started"
	RunSkipped = "skipped" // previous execution still active
	RunError   = "error"
)

// DefaultTickInterval is how often due jobs are checked.
const DefaultTickInterval = 30 * time.Second

// Job is a cron trigger for one registered workflow.
type Job struct {
	ID              string         `json:"id"`
	Workflow        string         `json:"workflow"`
	Cron            string         `json:"cron"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Enabled         bool           `json:"enabled"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
}

// Scheduler checks its jobs on a ticker and starts the ones that are due.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultTickInterval,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*Job),
	}
}

// SetInterval changes the tick interval. It must be called before Start.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Add registers an enabled job and returns a copy of it.
func (s *Scheduler) Add(workflow, cronExpr string, metadata map[string]any) (Job, error) {
	if workflow == "" {
		return Job{}, schema.NewError(schema.ErrCodeInvalidWorkflow, "schedule needs a workflow name")
	}
	next, err := s.CalculateNextRun(cronExpr, s.now())
	if err != nil {
		return Job{}, schema.NewError(schema.ErrCodeInvalidWorkflow, err.Error()).WithCause(err)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Workflow:  workflow,
		Cron:      cronExpr,
		Metadata:  schema.CloneMap(metadata),
		Enabled:   true,
		NextRunAt: &next,
	}

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()

	s.logger.Info("schedule added", slog.String("job_id", job.ID), slog.String("workflow", workflow),
		slog.String("cron", cronExpr), slog.Time("next_run_at", next))
	return copyJob(job), nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled pauses or resumes a job.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	job.Enabled = enabled
	return nil
}

// Jobs returns copies of every job, ordered by workflow then id.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	s.jobsMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Workflow != out[j].Workflow {
			return out[i].Workflow < out[j].Workflow
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.jobsMu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && (job.NextRunAt == nil || !job.NextRunAt.After(now)) {
			due = append(due, job)
		}
	}
	s.jobsMu.Unlock()

	for _, job := range due {
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runJob starts the job's workflow unless its previous execution is still
// active, then advances NextRunAt.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	s.jobsMu.Lock()
	workflow, lastID, metadata := job.Workflow, job.LastExecutionID, job.Metadata
	s.jobsMu.Unlock()

	status, execID, runErr := s.start(ctx, job.ID, workflow, lastID, metadata)

	next, err := s.CalculateNextRun(job.Cron, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	s.jobsMu.Lock()
	job.LastRunAt = &now
	job.NextRunAt = &next
	job.LastRunStatus = status
	if execID != "" {
		job.LastExecutionID = execID
	}
	s.jobsMu.Unlock()
	return runErr
}

func (s *Scheduler) start(ctx context.Context, jobID, workflow, lastID string, metadata map[string]any) (status, execID string, err error) {
	if lastID != "" {
		if prev, getErr := s.runner.Get(lastID); getErr == nil && !prev.Status.IsTerminal() {
			s.logger.Info("previous scheduled run still active, skipping",
				slog.String("job_id", jobID),
				slog.String("execution_id", lastID),
			)
			return RunSkipped, "", nil
		}
	}

	meta := schema.CloneMap(metadata)
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta["trigger"] = "schedule"
	meta["schedule_id"] = jobID

	id, err := s.runner.Execute(ctx, workflow, meta)
	if err != nil {
		return RunError, "", fmt.Errorf("execute %q: %w", workflow, err)
	}
	s.logger.Info("scheduled run started",
		slog.String("job_id", jobID),
		slog.String("workflow", workflow),
		slog.String("execution_id", id),
	)
	return RunStarted, id, nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func copyJob(j *Job) Job {
	out := *j
	out.Metadata = schema.CloneMap(j.Metadata)
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		out.NextRunAt = &t
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		out.LastRunAt = &t
	}
	return out
}
