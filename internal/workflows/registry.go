package workflows

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/toolflow/internal/validation"
	"github.com/rendis/toolflow/pkg/schema"
)

// Registry is the in-memory catalog of workflows. Every workflow, built-in or
// dynamic, enters through the same validated registration path. Stored
// workflows are never mutated; re-registration swaps in a new value.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
	validator *validation.Validator
	logger    *slog.Logger
	now       func() time.Time
	onChange  func(count int)
}

// NewRegistry creates an empty Registry that validates with v.
func NewRegistry(v *validation.Validator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workflows: make(map[string]*schema.Workflow),
		validator: v,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnChange installs a callback invoked with the catalog size after every
// successful registration.
func (r *Registry) OnChange(fn func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Register validates steps and stores a deep copy under name, replacing any
// previous definition. Runs already started keep their own snapshot. The
// returned result carries warnings even when registration succeeds.
func (r *Registry) Register(name, description string, steps []schema.StepDefinition) (*schema.ValidationResult, error) {
	return r.register(&schema.Workflow{Name: name, Description: description, Steps: steps})
}

// RegisterWorkflow is Register for an already assembled Workflow.
func (r *Registry) RegisterWorkflow(wf *schema.Workflow) (*schema.ValidationResult, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow is nil")
	}
	return r.register(wf)
}

func (r *Registry) register(wf *schema.Workflow) (*schema.ValidationResult, error) {
	result := r.validator.Validate(wf.Name, wf.Steps)
	if err := result.ToError(); err != nil {
		r.logger.Warn("workflow rejected", "workflow", wf.Name, "error", err)
		return result, err
	}

	stored := &schema.Workflow{
		Name:         wf.Name,
		Description:  wf.Description,
		Steps:        schema.CloneSteps(wf.Steps),
		Builtin:      wf.Builtin,
		RegisteredAt: r.now(),
	}

	r.mu.Lock()
	_, replaced := r.workflows[wf.Name]
	r.workflows[wf.Name] = stored
	count := len(r.workflows)
	onChange := r.onChange
	r.mu.Unlock()

	for _, w := range result.Warnings {
		r.logger.Warn("workflow warning", "workflow", wf.Name, "path", w.Path, "code", w.Code, "message", w.Message)
	}
	r.logger.Info("workflow registered", "workflow", wf.Name, "steps", len(wf.Steps), "replaced", replaced)
	if onChange != nil {
		onChange(count)
	}
	return result, nil
}

// Get returns a deep copy of the named workflow, or NOT_FOUND.
func (r *Registry) Get(name string) (*schema.Workflow, error) {
	r.mu.RLock()
	wf, ok := r.workflows[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name).
			WithDetails(map[string]any{"workflow": name, "available": r.List()})
	}
	return clone(wf), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[name]
	return ok
}

// List returns the registered workflow names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns copies of every registered workflow, sorted by name.
func (r *Registry) Describe() []*schema.Workflow {
	r.mu.RLock()
	out := make([]*schema.Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, clone(wf))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}

func clone(wf *schema.Workflow) *schema.Workflow {
	out := *wf
	out.Steps = schema.CloneSteps(wf.Steps)
	return &out
}
