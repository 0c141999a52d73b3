package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/internal/logging"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

// Invoker performs one tool call. tools.Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error)
}

// WorkflowSource resolves registered workflows. workflows.Registry implements it.
type WorkflowSource interface {
	Get(name string) (*schema.Workflow, error)
}

// Observer receives execution and step outcomes. metrics.Metrics implements it.
type Observer interface {
	ExecutionStarted(workflow string)
	ExecutionFinished(workflow, status string, elapsed time.Duration)
	StepFinished(tool, status string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ExecutionStarted(string)                          {}
func (nopObserver) ExecutionFinished(string, string, time.Duration) {}
func (nopObserver) StepFinished(string, string, time.Duration)      {}

// DefaultMaxParallelSteps bounds per-execution fan-out when Config leaves it unset.
const DefaultMaxParallelSteps = 4

// Config holds the engine's tunables and optional collaborators.
type Config struct {
	MaxParallelSteps int           // per-execution concurrency limit
	StepTimeout      time.Duration // default per-step timeout; 0 = none
	Events           EventAppender // nil = no event log
	Hub              streaming.EventHub
	Observer         Observer
	Logger           *slog.Logger
}

// Engine drives executions. Each accepted execution runs on its own
// goroutine whose scheduling loop is the only writer of that execution.
type Engine struct {
	workflows  WorkflowSource
	store      *store.ExecutionStore
	invoker    Invoker
	conditions *expressions.ConditionCompiler
	cfg        Config
	logger     *slog.Logger
	observer   Observer
	events     *emitter
	execFSM    *ExecutionFSM
	stepFSM    *StepFSM
	now        func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]chan struct{} // execution id → closed when the run ends
	closed  bool
}

// New creates an Engine.
func New(workflows WorkflowSource, executions *store.ExecutionStore, invoker Invoker, cfg Config) *Engine {
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = DefaultMaxParallelSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	now := func() time.Time { return time.Now().UTC() }
	em := &emitter{appender: cfg.Events, hub: cfg.Hub, logger: cfg.Logger, publish: executions.Publish}
	baseCtx, stop := context.WithCancel(context.Background())

	return &Engine{
		workflows:  workflows,
		store:      executions,
		invoker:    invoker,
		conditions: expressions.NewConditionCompiler(),
		cfg:        cfg,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		events:     em,
		execFSM:    newExecutionFSM(em, now),
		stepFSM:    newStepFSM(em, now),
		now:        now,
		baseCtx:    baseCtx,
		stop:       stop,
		running:    make(map[string]chan struct{}),
	}
}

// Execute starts a run of the named workflow and returns its execution id
// without waiting. The run works on a snapshot of the workflow's steps, so
// re-registering the workflow never affects it.
func (e *Engine) Execute(ctx context.Context, workflow string, metadata map[string]any) (string, error) {
	return e.ExecuteWithHook(ctx, workflow, metadata, nil)
}

// ExecuteWithHook is Execute with onCreated called with the new id before
// the run starts, so anything keyed by the id is in place before the run
// can emit its terminal event.
func (e *Engine) ExecuteWithHook(ctx context.Context, workflow string, metadata map[string]any, onCreated func(id string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wf, err := e.workflows.Get(workflow)
	if err != nil {
		return "", err
	}
	steps := schema.CloneSteps(wf.Steps)
	dag, err := BuildDAG(steps)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeCancelled, "engine is shutting down")
	}
	ex := e.store.Create(wf.Name, steps, metadata)
	done := make(chan struct{})
	e.running[ex.ID] = done
	e.wg.Add(1)
	e.mu.Unlock()

	runCtx := logging.WithExecution(e.baseCtx, ex.ID, wf.Name)
	if err := e.execFSM.Transition(runCtx, ex, schema.ExecutionStatusRunning, map[string]any{"steps": len(steps)}); err != nil {
		e.finishRun(ex.ID, done)
		return "", err
	}
	e.observer.ExecutionStarted(wf.Name)
	e.logger.InfoContext(runCtx, "execution started", "steps", len(steps))
	if onCreated != nil {
		onCreated(ex.ID)
	}

	go func() {
		defer e.finishRun(ex.ID, done)
		e.run(runCtx, ex, dag)
	}()
	return ex.ID, nil
}

func (e *Engine) finishRun(id string, done chan struct{}) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
	close(done)
	e.wg.Done()
}

// Get returns a point-in-time snapshot of an execution.
func (e *Engine) Get(id string) (*schema.Execution, error) {
	return e.store.Get(id)
}

// Wait blocks until the execution is terminal or ctx ends, then returns its snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (*schema.Execution, error) {
	e.mu.Lock()
	done, ok := e.running[id]
	e.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.Get(id)
}

// Cancel requests cooperative cancellation. The run stops dispatching new
// steps at its next dispatch boundary; in-flight tool calls finish.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.store.RequestCancel(id); err != nil {
		return err
	}
	if ex, err := e.store.Get(id); err == nil {
		ctx = logging.WithExecution(ctx, id, ex.WorkflowName)
		e.events.emit(ctx, ex, "", schema.EventCancelRequested, nil)
		e.logger.InfoContext(ctx, "cancellation requested")
	}
	return nil
}

// Running returns the ids of executions whose run goroutine is still active.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting executions, requests cancellation of every active
// run and waits for them to drain. If ctx ends first, in-flight tool calls are
// abandoned and ctx's error is returned once the runs have unwound.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.store.RequestCancel(id)
	}

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		<-drained
		return ctx.Err()
	}
}

// --- scheduling loop ---

// outcome is what a worker reports back to the scheduling loop.
type outcome struct {
	step    string
	result  map[string]any
	err     *schema.FlowError
	elapsed time.Duration
}

// run is the scheduling loop of one execution. It alone mutates ex and
// results; workers only receive resolved parameter copies and report back on
// the completions channel.
func (e *Engine) run(ctx context.Context, ex *schema.Execution, dag *DAG) {
	start := e.now()
	pool := NewWorkerPool(e.cfg.MaxParallelSteps)
	defer pool.Shutdown()

	completions := make(chan outcome, len(dag.Sorted))
	// A panic outside the tool call still has to report back, or the loop
	// would wait for it forever.
	pool.OnPanic(func(step string, r any) {
		e.logger.ErrorContext(ctx, "step worker panicked", "step", step, "panic", r)
		completions <- outcome{step: step, err: schema.NewErrorf(schema.ErrCodeToolError, "step %q panicked: %v", step, r).WithStep(step)}
	})
	results := make(expressions.Results, len(dag.Sorted))
	inflight := 0
	cancelled := false

	for {
		// Sorted is topological, so a failure or skip recorded early in the
		// pass is already visible to its dependents later in the same pass.
		for _, name := range dag.Sorted {
			st := ex.Steps[name]
			if st.Status != schema.StepStatusPending {
				continue
			}

			blocked, failedDep := readiness(ex, dag, name)
			if failedDep != "" {
				e.failStep(ctx, ex, st, schema.NewErrorf(schema.ErrCodeUpstreamFailure,
					"dependency %q failed", failedDep).
					WithDetails(map[string]any{"failed_dependency": failedDep}), 0)
				continue
			}
			if blocked {
				continue
			}

			if !cancelled && (e.store.Cancelled(ex.ID) || ctx.Err() != nil) {
				cancelled = true
				ex.CancelRequested = true
				e.logger.InfoContext(ctx, "cancellation observed", "in_flight", pool.InFlight())
			}
			if cancelled {
				continue
			}
			// A full pool leaves the step pending until a completion frees a
			// slot, so cancellation is still checked before it starts.
			if inflight >= pool.Size() {
				continue
			}

			switch e.dispatch(ctx, ex, dag.Steps[name], results, pool, completions) {
			case dispatchStarted:
				inflight++
			case dispatchRefused:
				cancelled = true
				ex.CancelRequested = true
			}
		}
		e.store.Publish(ex)

		if inflight == 0 {
			break
		}
		out := <-completions
		inflight--
		e.complete(ctx, ex, dag.Steps[out.step], out, results)
	}

	e.finalize(ctx, ex, cancelled, e.now().Sub(start))
}

// readiness reports whether name must keep waiting, or the first dependency
// that failed. A failed dependency wins over one still running, so failures
// propagate as soon as they are seen.
func readiness(ex *schema.Execution, dag *DAG, name string) (blocked bool, failedDep string) {
	for _, dep := range dag.Edges[name] {
		switch st := ex.Steps[dep].Status; {
		case st == schema.StepStatusFailed:
			return false, dep
		case !st.Satisfied():
			blocked = true
		}
	}
	return blocked, ""
}

// dispatchResult says what dispatch did with a ready step.
type dispatchResult int

const (
	dispatchSettled dispatchResult = iota // failed or skipped without a tool call
	dispatchStarted                       // tool call running in the pool
	dispatchRefused                       // pool refused the step; the run is ending
)

// dispatch evaluates the step's condition, resolves its parameters and hands
// it to the pool.
func (e *Engine) dispatch(ctx context.Context, ex *schema.Execution, def *schema.StepDefinition, results expressions.Results, pool *WorkerPool, completions chan<- outcome) dispatchResult {
	st := ex.Steps[def.Name]
	stepCtx := logging.WithStep(ctx, def.Name)

	if def.Condition != "" {
		ok, err := e.conditions.Evaluate(def.Condition, results)
		if err != nil {
			e.failStep(stepCtx, ex, st, stepError(err, schema.ErrCodeInvalidCondition), 0)
			return dispatchSettled
		}
		e.events.emit(stepCtx, ex, def.Name, schema.EventConditionEvaluated,
			map[string]any{"condition": def.Condition, "result": ok})
		if !ok {
			e.skipStep(stepCtx, ex, st, schema.SkipConditionFalse)
			return dispatchSettled
		}
	}

	params, err := expressions.ResolveParameters(def.Parameters, results)
	if err != nil {
		e.failStep(stepCtx, ex, st, stepError(err, schema.ErrCodeUnresolvedReference), 0)
		return dispatchSettled
	}
	timeout, err := def.StepTimeout(e.cfg.StepTimeout)
	if err != nil {
		e.failStep(stepCtx, ex, st, stepError(err, schema.ErrCodeInvalidWorkflow), 0)
		return dispatchSettled
	}

	// The slot is taken before the step turns running, so a refused step is
	// still pending and can be skipped.
	if err := pool.Reserve(ctx); err != nil {
		e.logger.InfoContext(stepCtx, "step not started", "reason", err)
		e.skipStep(stepCtx, ex, st, schema.SkipCancelled)
		return dispatchRefused
	}
	if err := e.stepFSM.Transition(stepCtx, ex, st, schema.StepStatusRunning, map[string]any{"tool": def.ToolName}); err != nil {
		pool.Release()
		e.logger.ErrorContext(stepCtx, "step transition rejected", "error", err)
		return dispatchSettled
	}
	e.logger.DebugContext(stepCtx, "step dispatched", "tool", def.ToolName)

	name, tool := def.Name, def.ToolName
	err = pool.Start(ctx, name, func(context.Context) error {
		out := e.invoke(stepCtx, name, tool, params, timeout)
		completions <- out
		if out.err != nil {
			return out.err
		}
		return nil
	})
	if err != nil {
		// Start only fails on a closed pool, which happens after the loop ends.
		e.failStep(stepCtx, ex, st, schema.NewErrorf(schema.ErrCodeCancelled, "step not started: %s", err).WithCause(err), 0)
		return dispatchSettled
	}
	return dispatchStarted
}

// invoke calls the tool, bounding the wait by the step timeout and by the
// run context. A tool that ignores its context is abandoned, not awaited.
func (e *Engine) invoke(ctx context.Context, name, tool string, params map[string]any, timeout time.Duration) outcome {
	start := time.Now()
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type reply struct {
		result map[string]any
		err    error
	}
	replies := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.ErrorContext(ctx, "tool panicked", "tool", tool, "panic", r)
				replies <- reply{err: schema.NewErrorf(schema.ErrCodeToolError, "tool %q panicked: %v", tool, r)}
			}
		}()
		res, err := e.invoker.Invoke(callCtx, tool, params)
		replies <- reply{result: res, err: err}
	}()

	var rep reply
	select {
	case rep = <-replies:
	case <-callCtx.Done():
		rep.err = callCtx.Err()
	}

	out := outcome{step: name, result: rep.result, elapsed: time.Since(start)}
	switch {
	case rep.err == nil:
	case timeout > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		out.err = schema.NewErrorf(schema.ErrCodeTimeout, "tool %q timed out after %s", tool, timeout).
			WithStep(name).
			WithDetails(map[string]any{"timeout": timeout.String()})
	case ctx.Err() != nil:
		out.err = schema.NewErrorf(schema.ErrCodeCancelled, "tool %q interrupted: %s", tool, ctx.Err()).
			WithStep(name).WithCause(rep.err)
	default:
		out.err = stepError(rep.err, schema.ErrCodeToolError).WithStep(name)
	}
	return out
}

// complete records a worker's outcome, applying the step's validation rules
// to successful results.
func (e *Engine) complete(ctx context.Context, ex *schema.Execution, def *schema.StepDefinition, out outcome, results expressions.Results) {
	st := ex.Steps[out.step]
	stepCtx := logging.WithStep(ctx, out.step)

	if out.err != nil {
		e.failStep(stepCtx, ex, st, out.err, out.elapsed)
		return
	}
	if err := def.ValidationRules.Check(out.result); err != nil {
		e.failStep(stepCtx, ex, st, stepError(err, schema.ErrCodeValidationFailed), out.elapsed)
		return
	}

	st.Result = out.result
	results[out.step] = out.result
	if err := e.stepFSM.Transition(stepCtx, ex, st, schema.StepStatusCompleted,
		map[string]any{"duration_ms": out.elapsed.Milliseconds()}); err != nil {
		e.logger.ErrorContext(stepCtx, "step transition rejected", "error", err)
		return
	}
	e.observer.StepFinished(st.ToolName, string(schema.StepStatusCompleted), out.elapsed)
	e.logger.DebugContext(stepCtx, "step completed", "duration", out.elapsed)
}

func (e *Engine) failStep(ctx context.Context, ex *schema.Execution, st *schema.StepExecution, fe *schema.FlowError, elapsed time.Duration) {
	fe.Step = st.Name
	st.Error = fe
	if err := e.stepFSM.Transition(ctx, ex, st, schema.StepStatusFailed,
		map[string]any{"code": fe.Code, "error": fe.Message}); err != nil {
		e.logger.ErrorContext(ctx, "step transition rejected", "error", err)
		return
	}
	e.observer.StepFinished(st.ToolName, string(schema.StepStatusFailed), elapsed)
	e.logger.WarnContext(ctx, "step failed", "code", fe.Code, "error", fe.Message)
}

func (e *Engine) skipStep(ctx context.Context, ex *schema.Execution, st *schema.StepExecution, reason string) {
	st.SkipReason = reason
	if err := e.stepFSM.Transition(ctx, ex, st, schema.StepStatusSkipped, map[string]any{"reason": reason}); err != nil {
		e.logger.ErrorContext(ctx, "step transition rejected", "error", err)
		return
	}
	e.observer.StepFinished(st.ToolName, string(schema.StepStatusSkipped), 0)
	e.logger.DebugContext(ctx, "step skipped", "reason", reason)
}

// finalize settles leftover pending steps and derives the execution status:
// failed if any step failed, cancelled if a cancel was observed, else completed.
func (e *Engine) finalize(ctx context.Context, ex *schema.Execution, cancelled bool, elapsed time.Duration) {
	for _, name := range ex.StepOrder {
		st := ex.Steps[name]
		if st.Status != schema.StepStatusPending {
			continue
		}
		stepCtx := logging.WithStep(ctx, name)
		if cancelled {
			e.skipStep(stepCtx, ex, st, schema.SkipCancelled)
			continue
		}
		e.failStep(stepCtx, ex, st, schema.NewError(schema.ErrCodeInvalidTransition, "step never became ready"), 0)
	}

	status := schema.ExecutionStatusCompleted
	for _, st := range ex.Steps {
		if st.Status == schema.StepStatusFailed {
			status = schema.ExecutionStatusFailed
			break
		}
	}
	if status != schema.ExecutionStatusFailed && cancelled {
		status = schema.ExecutionStatusCancelled
	}

	counts := ex.Summary().StepCounts
	payload := map[string]any{"duration_ms": elapsed.Milliseconds()}
	for s, n := range counts {
		payload[string(s)] = n
	}
	if err := e.execFSM.Transition(ctx, ex, status, payload); err != nil {
		e.logger.ErrorContext(ctx, "execution transition rejected", "error", err)
	}
	e.observer.ExecutionFinished(ex.WorkflowName, string(status), elapsed)
	e.logger.InfoContext(ctx, "execution finished", "status", status, "duration", elapsed,
		"steps", fmt.Sprint(counts))
}

// stepError converts err into a FlowError the step can own. Errors carrying a
// code keep it; anything else gets fallback. The value is copied so shared
// error values are never mutated.
func stepError(err error, fallback string) *schema.FlowError {
	fe := *schema.AsFlowError(err, fallback)
	fe.Details = schema.CloneMap(fe.Details)
	return &fe
}
