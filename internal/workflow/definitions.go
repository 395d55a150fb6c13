package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/executor"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/scheduler"
	"github.com/oriys/orbit/internal/store"
)

// ValidateWorkflow checks a definition without persisting it. Problems are
// reported in the result, never returned as an error. Dependencies may refer
// to steps declared later in the list.
func ValidateWorkflow(def *domain.WorkflowDefinition) domain.ValidationResult {
	res := domain.ValidationResult{Errors: []string{}, Warnings: []string{}}
	if def == nil {
		res.Errors = append(res.Errors, "Workflow definition is required")
		return res
	}
	if def.ID == "" {
		res.Errors = append(res.Errors, "Workflow ID is required")
	}
	if def.Name == "" {
		res.Errors = append(res.Errors, "Workflow name is required")
	}
	if len(def.Steps) == 0 {
		res.Errors = append(res.Errors, "Workflow must have at least one step")
	}

	for i, s := range def.Steps {
		label := s.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			res.Errors = append(res.Errors, fmt.Sprintf("Step %s: id is required", label))
		}
		if s.Name == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("Step %s: name is required", label))
		}
		if s.Type == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("Step %s: type is required", label))
		}
		if s.TimeoutS < 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("Step %s: timeout must not be negative", label))
		}
		if s.Retries != nil && *s.Retries < 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("Step %s: retries must not be negative", label))
		}
	}

	// Duplicate ids, dangling dependencies and cycles share the step
	// executor's graph check.
	graph := executor.ValidateStepOrder(def.Steps)
	res.Errors = append(res.Errors, graph.Errors...)

	if def.Schedule != nil {
		if _, err := scheduler.Parse(*def.Schedule); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Invalid cron expression: %v", err))
		}
	}
	for i, t := range def.Triggers {
		switch t.Type {
		case domain.TriggerManual:
		case domain.TriggerCron:
			sched, ok := cronFromTrigger(t)
			if !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("Trigger %d: cron trigger requires an expression", i+1))
				continue
			}
			if _, err := scheduler.Parse(sched); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("Trigger %d: invalid cron expression: %v", i+1, err))
			}
			if def.Schedule != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("Trigger %d: schedule field takes precedence over the cron trigger", i+1))
			}
		case domain.TriggerFileWatch:
			if stringConfig(t.Config, "path") == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("Trigger %d: file-watch trigger requires a path", i+1))
			}
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("Trigger %d: unknown trigger type %q", i+1, t.Type))
		}
	}

	if !def.Enabled {
		res.Warnings = append(res.Warnings, "Workflow is disabled")
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// ValidateWorkflow extends the static checks with warnings about step types
// no handler is registered for.
func (e *Engine) ValidateWorkflow(def *domain.WorkflowDefinition) domain.ValidationResult {
	res := ValidateWorkflow(def)
	if def == nil {
		return res
	}
	known := make(map[string]bool)
	for _, t := range e.executor.StepTypes() {
		known[t] = true
	}
	for _, s := range def.Steps {
		if s.Type != "" && !known[s.Type] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Step %s: no handler registered for type %s", s.ID, s.Type))
		}
	}
	return res
}

// TestReport is the outcome of a dry run.
type TestReport struct {
	Validation     domain.ValidationResult `json:"validation"`
	ExecutionOrder []string                `json:"execution_order,omitempty"`
	EntrySteps     []string                `json:"entry_steps,omitempty"`
	LeafSteps      []string                `json:"leaf_steps,omitempty"`
}

// TestWorkflow validates a definition and reports the order its steps would
// run in. Nothing is persisted or enqueued.
func (e *Engine) TestWorkflow(def *domain.WorkflowDefinition) TestReport {
	report := TestReport{Validation: e.ValidateWorkflow(def)}
	if !report.Validation.Valid {
		return report
	}
	order, err := PlanOrder(def.Steps)
	if err != nil {
		report.Validation.Valid = false
		report.Validation.Errors = append(report.Validation.Errors, err.Error())
		return report
	}
	report.ExecutionOrder = order
	report.EntrySteps, report.LeafSteps = entryAndLeafSteps(def.Steps)
	return report
}

// CreateWorkflow validates and stores a new definition and installs its
// triggers when enabled.
func (e *Engine) CreateWorkflow(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if res := e.ValidateWorkflow(def); !res.Valid {
		return nil, &ValidationError{Errors: res.Errors}
	}

	e.defMu.Lock()
	defer e.defMu.Unlock()

	if _, err := e.store.GetDefinition(ctx, def.ID); err == nil {
		return nil, fmt.Errorf("workflow %s: %w", def.ID, ErrWorkflowExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	rec := def.Clone()
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := e.store.SaveDefinition(ctx, rec); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	if err := e.syncTriggersLocked(rec); err != nil {
		logging.Op().Warn("failed to install workflow triggers", "workflow", rec.ID, "error", err)
	}
	logging.Op().Info("workflow created", "workflow", rec.ID, "steps", len(rec.Steps), "enabled", rec.Enabled)
	return rec.Clone(), nil
}

// GetWorkflow returns a stored definition.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}
	return def, err
}

// WorkflowUpdate is a partial definition change. Nil fields are kept.
type WorkflowUpdate struct {
	Name        *string
	Description *string
	Version     *string
	Steps       []domain.WorkflowStep
	Triggers    []domain.Trigger
	Schedule    *domain.CronSchedule
	// ClearSchedule removes the schedule; it wins over Schedule.
	ClearSchedule bool
	Enabled       *bool
}

// UpdateWorkflow merges u into the stored definition, re-validates it and
// reconciles its triggers. The id and creation time are preserved.
func (e *Engine) UpdateWorkflow(ctx context.Context, id string, u WorkflowUpdate) (*domain.WorkflowDefinition, error) {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	current, err := e.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Version != nil {
		next.Version = *u.Version
	}
	if u.Steps != nil {
		next.Steps = (&domain.WorkflowDefinition{Steps: u.Steps}).Clone().Steps
	}
	if u.Triggers != nil {
		next.Triggers = (&domain.WorkflowDefinition{Triggers: u.Triggers}).Clone().Triggers
	}
	if u.Schedule != nil {
		s := *u.Schedule
		next.Schedule = &s
	}
	if u.ClearSchedule {
		next.Schedule = nil
	}
	if u.Enabled != nil {
		next.Enabled = *u.Enabled
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt

	if res := e.ValidateWorkflow(next); !res.Valid {
		return nil, &ValidationError{Errors: res.Errors}
	}
	next.UpdatedAt = time.Now()
	if err := e.store.SaveDefinition(ctx, next); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	if err := e.syncTriggersLocked(next); err != nil {
		logging.Op().Warn("failed to install workflow triggers", "workflow", id, "error", err)
	}
	logging.Op().Info("workflow updated", "workflow", id, "enabled", next.Enabled)
	return next.Clone(), nil
}

// EnableWorkflow is UpdateWorkflow with only Enabled set.
func (e *Engine) EnableWorkflow(ctx context.Context, id string, enabled bool) (*domain.WorkflowDefinition, error) {
	return e.UpdateWorkflow(ctx, id, WorkflowUpdate{Enabled: &enabled})
}

// DeleteWorkflow unschedules the workflow, removes its file watchers,
// cancels its unfinished executions and then removes the definition.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	if _, err := e.GetWorkflow(ctx, id); err != nil {
		return err
	}

	e.scheduler.Remove(id)
	removed := e.watchers.RemoveForWorkflow(id)
	delete(e.declared, id)

	active, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: id,
		Statuses:   []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionPaused},
	})
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	for _, exec := range active {
		if _, err := e.CancelWorkflow(ctx, exec.ID); err != nil && !errors.Is(err, ErrExecutionFinished) {
			logging.ForExecution(id, exec.ID).Warn("failed to cancel execution of deleted workflow", "error", err)
		}
	}

	if err := e.store.DeleteDefinition(ctx, id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	logging.Op().Info("workflow deleted", "workflow", id, "watchers_removed", removed, "executions_cancelled", len(active))
	return nil
}

// ListFilter narrows ListWorkflows.
type ListFilter struct {
	Enabled *bool
}

// ListWorkflows returns stored definitions, oldest first.
func (e *Engine) ListWorkflows(ctx context.Context, f ListFilter) ([]*domain.WorkflowDefinition, error) {
	defs, err := e.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	if f.Enabled == nil {
		return defs, nil
	}
	out := defs[:0]
	for _, d := range defs {
		if d.Enabled == *f.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}
