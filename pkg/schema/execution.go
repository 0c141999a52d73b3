package schema

import "time"

// StepExecution is the per-run record of one step.
type StepExecution struct {
	Name        string         `json:"name"`
	ToolName    string         `json:"tool_name"`
	Status      StepStatus     `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *FlowError     `json:"error,omitempty"`
	SkipReason  string         `json:"skip_reason,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Skip reasons recorded on skipped steps.
const (
	SkipConditionFalse = "condition_false"
	SkipCancelled      = "CANCELLED"
)

// Clone returns a deep copy of the step record.
func (s *StepExecution) Clone() *StepExecution {
	if s == nil {
		return nil
	}
	out := *s
	out.Result = CloneMap(s.Result)
	if s.Error != nil {
		e := *s.Error
		e.Details = CloneMap(s.Error.Details)
		out.Error = &e
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Execution is one run of a workflow. The engine goroutine driving the run is
// its only writer; everyone else sees cloned snapshots.
type Execution struct {
	ID              string                    `json:"execution_id"`
	WorkflowName    string                    `json:"workflow_name"`
	Status          ExecutionStatus           `json:"status"`
	Steps           map[string]*StepExecution `json:"steps"`
	StepOrder       []string                  `json:"step_order"`
	Metadata        map[string]any            `json:"metadata,omitempty"`
	CancelRequested bool                      `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
}

// NewExecution builds a pending execution with one pending record per step.
func NewExecution(id, workflow string, steps []StepDefinition, metadata map[string]any, now time.Time) *Execution {
	ex := &Execution{
		ID:           id,
		WorkflowName: workflow,
		Status:       ExecutionStatusPending,
		Steps:        make(map[string]*StepExecution, len(steps)),
		StepOrder:    make([]string, 0, len(steps)),
		Metadata:     CloneMap(metadata),
		CreatedAt:    now,
	}
	for _, s := range steps {
		ex.Steps[s.Name] = &StepExecution{Name: s.Name, ToolName: s.ToolName, Status: StepStatusPending}
		ex.StepOrder = append(ex.StepOrder, s.Name)
	}
	return ex
}

// Clone returns a deep, independent snapshot.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Steps = make(map[string]*StepExecution, len(e.Steps))
	for k, v := range e.Steps {
		out.Steps[k] = v.Clone()
	}
	out.StepOrder = append([]string(nil), e.StepOrder...)
	out.Metadata = CloneMap(e.Metadata)
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ExecutionSummary is the compact listing form of an Execution.
type ExecutionSummary struct {
	ID           string             `json:"execution_id"`
	WorkflowName string             `json:"workflow_name"`
	Status       ExecutionStatus    `json:"status"`
	StepCounts   map[StepStatus]int `json:"step_counts"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// Summary condenses the execution for list views.
func (e *Execution) Summary() ExecutionSummary {
	counts := make(map[StepStatus]int)
	for _, s := range e.Steps {
		counts[s.Status]++
	}
	sum := ExecutionSummary{
		ID:           e.ID,
		WorkflowName: e.WorkflowName,
		Status:       e.Status,
		StepCounts:   counts,
		CreatedAt:    e.CreatedAt,
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		sum.CompletedAt = &t
	}
	return sum
}

// Results maps completed step names to their recorded results. Only
// completed steps appear; templates and conditions read from this view.
func (e *Execution) Results() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for name, s := range e.Steps {
		if s.Status == StepStatusCompleted {
			out[name] = s.Result
		}
	}
	return out
}
