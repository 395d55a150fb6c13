package domain

import (
	"time"
)

// TriggerType identifies what starts an execution.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerCron      TriggerType = "cron"
	TriggerFileWatch TriggerType = "file-watch"
)

// ExecutionStatus is the state of a single workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further status change is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// CronSchedule is a cron expression evaluated in a timezone (empty = local).
type CronSchedule struct {
	Expression string `json:"expression" yaml:"expression"`
	Timezone   string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Trigger declares how a workflow may be started.
type Trigger struct {
	Type   TriggerType    `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// WorkflowStep is a single node of the workflow DAG.
type WorkflowStep struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Type         string         `json:"type" yaml:"type"`
	Template     string         `json:"template,omitempty" yaml:"template,omitempty"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TimeoutS     int            `json:"timeout_s,omitempty" yaml:"timeoutS,omitempty"`
	Retries      *int           `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// WorkflowDefinition is the catalog entry describing a workflow.
type WorkflowDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
	Triggers    []Trigger      `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Schedule    *CronSchedule  `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time      `json:"created_at" yaml:"createdAt,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updatedAt,omitempty"`
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the definition. Step configs are copied
// one level deep, which is enough for callers that replace values.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Steps = make([]WorkflowStep, len(d.Steps))
	for i, s := range d.Steps {
		s.Config = CloneMap(s.Config)
		s.Dependencies = append([]string(nil), s.Dependencies...)
		cp.Steps[i] = s
	}
	cp.Triggers = make([]Trigger, len(d.Triggers))
	for i, t := range d.Triggers {
		t.Config = CloneMap(t.Config)
		cp.Triggers[i] = t
	}
	if d.Schedule != nil {
		s := *d.Schedule
		cp.Schedule = &s
	}
	return &cp
}

// ExecutionResult summarises a finished execution.
type ExecutionResult struct {
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	StepOrder   []string       `json:"step_order,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Error joins the recorded errors into one message.
func (r *ExecutionResult) Error() string {
	if r == nil || len(r.Errors) == 0 {
		return ""
	}
	msg := r.Errors[0]
	for _, e := range r.Errors[1:] {
		msg += "; " + e
	}
	return msg
}

// ExecutionLog is one line of an execution's log.
type ExecutionLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
}

// WorkflowExecution is one run of a workflow definition.
type WorkflowExecution struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	Status      ExecutionStatus  `json:"status"`
	TriggerType TriggerType      `json:"trigger_type"`
	Input       map[string]any   `json:"input,omitempty"`
	Context     map[string]any   `json:"context,omitempty"`
	Progress    int              `json:"progress"`
	CurrentStep string           `json:"current_step,omitempty"`
	JobID       string           `json:"job_id,omitempty"`
	RetryOf     string           `json:"retry_of,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Logs        []ExecutionLog   `json:"logs,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Clone returns a copy safe to hand to callers.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Input = CloneMap(e.Input)
	cp.Context = CloneMap(e.Context)
	cp.Logs = append([]ExecutionLog(nil), e.Logs...)
	if e.Result != nil {
		r := *e.Result
		r.Output = CloneMap(e.Result.Output)
		r.StepOrder = append([]string(nil), e.Result.StepOrder...)
		r.Errors = append([]string(nil), e.Result.Errors...)
		cp.Result = &r
	}
	return &cp
}

// ScheduledTrigger is the runtime view of an installed cron trigger.
type ScheduledTrigger struct {
	WorkflowID string       `json:"workflow_id"`
	Schedule   CronSchedule `json:"schedule"`
	NextRun    time.Time    `json:"next_run"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
}

// FileWatcher describes a filesystem trigger bound to a workflow.
type FileWatcher struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	WatchPath     string    `json:"watch_path"`
	FilePattern   string    `json:"file_pattern,omitempty"`
	IgnorePattern string    `json:"ignore_pattern,omitempty"`
	Recursive     bool      `json:"recursive"`
	CreatedAt     time.Time `json:"created_at"`
}

// ValidationResult is shared by definition and step-graph validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// CloneMap copies the top level of a JSON-like map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
