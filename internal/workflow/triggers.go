package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/scheduler"
	"github.com/oriys/orbit/internal/triggers"
)

// effectiveSchedule is the schedule field, or else the first declared cron
// trigger.
func effectiveSchedule(def *domain.WorkflowDefinition) *domain.CronSchedule {
	if def.Schedule != nil {
		return def.Schedule
	}
	for _, t := range def.Triggers {
		if t.Type != domain.TriggerCron {
			continue
		}
		if s, ok := cronFromTrigger(t); ok {
			return &s
		}
	}
	return nil
}

func cronFromTrigger(t domain.Trigger) (domain.CronSchedule, bool) {
	expr := stringConfig(t.Config, "expression")
	if expr == "" {
		expr = stringConfig(t.Config, "cron")
	}
	return domain.CronSchedule{Expression: expr, Timezone: stringConfig(t.Config, "timezone")}, expr != ""
}

func stringConfig(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolConfig(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// syncTriggersLocked makes the installed cron entry and declared watchers
// match def. Disabled workflows have none. Caller holds defMu.
func (e *Engine) syncTriggersLocked(def *domain.WorkflowDefinition) error {
	for _, id := range e.declared[def.ID] {
		if err := e.watchers.Remove(id); err != nil {
			logging.Op().Debug("declared watcher already gone", "workflow", def.ID, "watcher", id)
		}
	}
	delete(e.declared, def.ID)

	sched := effectiveSchedule(def)
	if !def.Enabled || sched == nil {
		e.scheduler.Remove(def.ID)
	}
	if !def.Enabled {
		return nil
	}

	var firstErr error
	if sched != nil {
		if _, err := e.scheduler.Add(def.ID, *sched); err != nil {
			firstErr = err
		}
	}
	for _, t := range def.Triggers {
		if t.Type != domain.TriggerFileWatch {
			continue
		}
		w, err := e.watchers.Add(triggers.WatcherConfig{
			WorkflowID:    def.ID,
			Path:          stringConfig(t.Config, "path"),
			FilePattern:   stringConfig(t.Config, "filePattern"),
			IgnorePattern: stringConfig(t.Config, "ignorePattern"),
			Recursive:     boolConfig(t.Config, "recursive"),
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("file-watch trigger: %w", err)
			}
			continue
		}
		e.declared[def.ID] = append(e.declared[def.ID], w.ID)
	}
	return firstErr
}

// ScheduleWorkflow replaces the workflow's schedule. An invalid expression
// fails before anything is changed. The trigger is installed only while the
// workflow is enabled.
func (e *Engine) ScheduleWorkflow(ctx context.Context, workflowID string, sched domain.CronSchedule) (domain.ScheduledTrigger, error) {
	spec, err := scheduler.Parse(sched)
	if err != nil {
		return domain.ScheduledTrigger{}, err
	}

	e.defMu.Lock()
	defer e.defMu.Unlock()

	def, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.ScheduledTrigger{}, err
	}
	def.Schedule = &sched
	def.UpdatedAt = time.Now()
	if def.Enabled {
		if _, err := e.scheduler.Add(workflowID, sched); err != nil {
			return domain.ScheduledTrigger{}, err
		}
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		e.scheduler.Remove(workflowID)
		return domain.ScheduledTrigger{}, fmt.Errorf("save workflow: %w", err)
	}

	logging.Op().Info("workflow scheduled", "workflow", workflowID, "expression", sched.Expression, "timezone", sched.Timezone)
	if view, ok := e.scheduler.Get(workflowID); ok {
		return view, nil
	}
	return domain.ScheduledTrigger{WorkflowID: workflowID, Schedule: sched, NextRun: spec.Next(time.Now())}, nil
}

// UnscheduleWorkflow removes the workflow's schedule and cron triggers. It
// reports whether a trigger was installed.
func (e *Engine) UnscheduleWorkflow(ctx context.Context, workflowID string) (bool, error) {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	def, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	removed := e.scheduler.Remove(workflowID)

	kept := def.Triggers[:0]
	for _, t := range def.Triggers {
		if t.Type != domain.TriggerCron {
			kept = append(kept, t)
		}
	}
	if def.Schedule != nil || len(kept) != len(def.Triggers) {
		def.Schedule = nil
		def.Triggers = kept
		def.UpdatedAt = time.Now()
		if err := e.store.SaveDefinition(ctx, def); err != nil {
			return removed, fmt.Errorf("save workflow: %w", err)
		}
	}
	if removed {
		logging.Op().Info("workflow unscheduled", "workflow", workflowID)
	}
	return removed, nil
}

// ListScheduledWorkflows reports every installed trigger with its next run.
func (e *Engine) ListScheduledWorkflows() []domain.ScheduledTrigger {
	return e.scheduler.List()
}

func (e *Engine) fireSchedule(ctx context.Context, workflowID string) {
	execID, err := e.ExecuteWorkflowAsync(ctx, workflowID, nil, ExecuteOptions{
		Trigger: domain.TriggerCron,
		Context: map[string]any{
			"trigger":     string(domain.TriggerCron),
			"scheduledAt": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		logging.Op().Warn("scheduled execution not started", "workflow", workflowID, "error", err)
		return
	}
	logging.ForExecution(workflowID, execID).Info("scheduled execution started")
}

// FileWatchOptions narrow which files trigger a workflow.
type FileWatchOptions struct {
	FilePattern   string
	IgnorePattern string
	Recursive     bool
	PollInterval  time.Duration
}

// AddFileWatcher starts a watcher on path that executes the workflow for
// every created, modified or deleted file.
func (e *Engine) AddFileWatcher(ctx context.Context, workflowID, path string, opts FileWatchOptions) (domain.FileWatcher, error) {
	if _, err := e.GetWorkflow(ctx, workflowID); err != nil {
		return domain.FileWatcher{}, err
	}
	w, err := e.watchers.Add(triggers.WatcherConfig{
		WorkflowID:    workflowID,
		Path:          path,
		FilePattern:   opts.FilePattern,
		IgnorePattern: opts.IgnorePattern,
		Recursive:     opts.Recursive,
		PollInterval:  opts.PollInterval,
	})
	if err != nil {
		return domain.FileWatcher{}, err
	}
	logging.Op().Info("file watcher added", "workflow", workflowID, "watcher", w.ID, "path", w.WatchPath)
	return w, nil
}

// RemoveFileWatcher stops a watcher.
func (e *Engine) RemoveFileWatcher(watcherID string) error {
	return e.watchers.Remove(watcherID)
}

// ListFileWatchers returns the watchers of one workflow, or all when
// workflowID is empty.
func (e *Engine) ListFileWatchers(workflowID string) []domain.FileWatcher {
	return e.watchers.List(workflowID)
}

// FileWatcherStatus reports the health of a watcher.
func (e *Engine) FileWatcherStatus(watcherID string) (*triggers.WatcherStatus, error) {
	return e.watchers.Status(watcherID)
}

func (e *Engine) onFileEvent(ctx context.Context, ev triggers.FileEvent) error {
	_, err := e.ExecuteWorkflowAsync(ctx, ev.WorkflowID, map[string]any{"filePath": ev.Path}, ExecuteOptions{
		Trigger: domain.TriggerFileWatch,
		Context: map[string]any{
			"trigger":   string(domain.TriggerFileWatch),
			"eventType": string(ev.Type),
			"watchPath": ev.WatchPath,
			"filename":  ev.Filename,
			"watcherId": ev.WatcherID,
		},
	})
	return err
}
