package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/eventbus"
	"github.com/oriys/orbit/internal/executor"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/store"
)

// ExecuteOptions tune one execution request.
type ExecuteOptions struct {
	// Trigger defaults to manual.
	Trigger domain.TriggerType
	// Context is merged into the global context every step sees.
	Context  map[string]any
	Priority domain.Priority
	RetryOf  string
}

// ExecuteWorkflowAsync creates a pending execution, emits workflow.start and
// enqueues a workflow-execution job for it. It returns without waiting.
func (e *Engine) ExecuteWorkflowAsync(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (string, error) {
	def, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if !def.Enabled {
		return "", fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowDisabled)
	}
	if opts.Trigger == "" {
		opts.Trigger = domain.TriggerManual
	}

	now := time.Now()
	exec := &domain.WorkflowExecution{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      domain.ExecutionPending,
		TriggerType: opts.Trigger,
		Input:       domain.CloneMap(input),
		Context:     domain.CloneMap(opts.Context),
		RetryOf:     opts.RetryOf,
		CreatedAt:   now,
		UpdatedAt:   now,
		Logs:        []domain.ExecutionLog{{Timestamp: now, Level: "info", Message: "Execution created"}},
	}
	if exec.Input == nil {
		exec.Input = map[string]any{}
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("save execution: %w", err)
	}
	e.metrics.RecordTrigger(opts.Trigger)
	e.publish(eventbus.EventWorkflowStart, exec)

	cfg := e.GetConfig()
	jobID, err := e.queue.AddJob(ctx, domain.QueueWorkflowExecution, domain.JobData{
		Type: domain.JobWorkflowExecution,
		Payload: map[string]any{
			"executionId": exec.ID,
			"workflowId":  workflowID,
			"steps":       def.Steps,
			"input":       domain.CloneMap(exec.Input),
		},
		Options: &domain.JobOptions{Attempts: 1, Timeout: cfg.DefaultTimeout},
	}, opts.Priority)
	if err != nil {
		msg := fmt.Sprintf("enqueue execution: %v", err)
		if _, uerr := e.UpdateExecutionStatus(ctx, exec.ID, StatusUpdate{
			Status: domain.ExecutionFailed,
			Result: &domain.ExecutionResult{Errors: []string{msg}, CompletedAt: time.Now()},
		}); uerr != nil {
			logging.ForExecution(workflowID, exec.ID).Warn("failed to record enqueue failure", "error", uerr)
		}
		return exec.ID, fmt.Errorf("%s: %w", msg, err)
	}

	if _, err := e.mutate(ctx, exec.ID, func(x *domain.WorkflowExecution) error {
		x.JobID = jobID
		return nil
	}); err != nil {
		logging.ForExecution(workflowID, exec.ID).Warn("failed to record job id", "job", jobID, "error", err)
	}
	logging.ForExecution(workflowID, exec.ID).Info("execution queued", "job", jobID, "trigger", opts.Trigger)
	return exec.ID, nil
}

// ExecuteWorkflowSync runs a workflow and waits for its terminal state. The
// wait wakes on lifecycle events and also polls every PollInterval; it is
// bounded by DefaultTimeout. A failed or cancelled execution is returned
// together with an error wrapping ErrExecutionFailed.
func (e *Engine) ExecuteWorkflowSync(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (*domain.WorkflowExecution, error) {
	// Any finish event triggers an early re-check; the record decides.
	wake := make(chan struct{}, 1)
	unsubscribe := e.bus.Subscribe(func(eventbus.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}, eventbus.EventWorkflowComplete, eventbus.EventWorkflowError)
	defer unsubscribe()

	id, err := e.ExecuteWorkflowAsync(ctx, workflowID, input, opts)
	if err != nil {
		return nil, err
	}

	cfg := e.GetConfig()
	ctx, cancel := context.WithTimeout(ctx, cfg.DefaultTimeout)
	defer cancel()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		exec, err := e.GetWorkflowExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		switch exec.Status {
		case domain.ExecutionCompleted:
			return exec, nil
		case domain.ExecutionFailed:
			msg := exec.Result.Error()
			if msg == "" {
				msg = "unknown error"
			}
			return exec, fmt.Errorf("%w: %s", ErrExecutionFailed, msg)
		case domain.ExecutionCancelled:
			return exec, fmt.Errorf("%w: execution cancelled", ErrExecutionFailed)
		}

		select {
		case <-ctx.Done():
			return exec, fmt.Errorf("wait for execution %s: %w", id, ctx.Err())
		case <-wake:
		case <-ticker.C:
		}
	}
}

// RunExecution drives one execution through its steps. It is invoked by the
// workflow-execution processor and is the only caller that moves an
// execution out of pending.
func (e *Engine) RunExecution(ctx context.Context, executionID string, steps []domain.WorkflowStep, progress func(percent int, message string)) (map[string]any, error) {
	ctx, span := observability.StartSpan(ctx, "orbit.workflow.run", observability.AttrExecutionID.String(executionID))
	out, err := e.runExecution(ctx, executionID, steps, progress)
	observability.End(span, err)
	return out, err
}

func (e *Engine) runExecution(ctx context.Context, executionID string, steps []domain.WorkflowStep, progress func(percent int, message string)) (map[string]any, error) {
	exec, err := e.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	log := logging.ForExecution(exec.WorkflowID, exec.ID)
	if id := observability.TraceID(ctx); id != "" {
		log = log.With("trace_id", id)
	}
	skipped := map[string]any{"executionId": exec.ID, "status": string(exec.Status), "skipped": true}
	if exec.Status.IsTerminal() {
		log.Info("execution finished before it started", "status", exec.Status)
		return skipped, nil
	}

	if steps == nil {
		def, err := e.GetWorkflow(ctx, exec.WorkflowID)
		if err != nil {
			e.fail(ctx, exec.ID, nil, fmt.Sprintf("load workflow: %v", err))
			return nil, err
		}
		steps = def.Steps
	}

	if _, err := e.UpdateExecutionStatus(ctx, exec.ID, StatusUpdate{Status: domain.ExecutionRunning, Message: "Execution started"}); err != nil {
		if errors.Is(err, ErrExecutionFinished) {
			return skipped, nil
		}
		return nil, err
	}
	e.refreshRunningGauge(ctx)
	observability.Annotate(ctx,
		observability.AttrWorkflowID.String(exec.WorkflowID),
		observability.AttrTrigger.String(string(exec.TriggerType)),
		observability.AttrStepCount.Int(len(steps)))

	cfg := e.GetConfig()
	global := domain.CloneMap(exec.Context)
	if global == nil {
		global = map[string]any{}
	}
	global["workflowId"] = exec.WorkflowID
	global["executionId"] = exec.ID
	global["trigger"] = string(exec.TriggerType)
	base := executor.StepContext{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Input:       exec.Input,
		Global:      global,
		MaxWait:     cfg.StepMaxWait,
	}

	total := len(steps)
	finished := 0
	opts := executor.RunOptions{
		StopOnFailure: true,
		BeforeStep: func(ctx context.Context, step domain.WorkflowStep) error {
			if err := e.awaitRunnable(ctx, exec.ID, cfg.PollInterval); err != nil {
				return err
			}
			current := step.ID
			_, err := e.UpdateExecutionStatus(ctx, exec.ID, StatusUpdate{
				CurrentStep: &current,
				Message:     "Step started: " + step.ID,
				StepID:      step.ID,
			})
			return err
		},
		AfterStep: func(step domain.WorkflowStep, res *executor.StepResult) {
			finished++
			pct := finished * 100 / total
			if pct >= 100 {
				pct = 99
			}
			upd := StatusUpdate{Progress: &pct, StepID: step.ID}
			if res.Success {
				upd.Message = fmt.Sprintf("Step completed: %s (%dms)", step.ID, res.Duration.Milliseconds())
			} else {
				upd.Level = "error"
				upd.Message = fmt.Sprintf("Step failed: %s: %s", step.ID, res.Error)
			}
			if _, err := e.UpdateExecutionStatus(ctx, exec.ID, upd); err != nil && !errors.Is(err, ErrExecutionFinished) {
				log.Warn("failed to record step progress", "step", step.ID, "error", err)
			}
			if progress != nil {
				progress(pct, step.ID)
			}
		},
	}

	started := time.Now()
	var results *executor.Results
	if cfg.StepFanOut > 1 {
		results, err = e.executor.ExecuteStepsParallel(ctx, steps, base, cfg.StepFanOut, opts)
	} else {
		results, err = e.executor.ExecuteStepsInOrder(ctx, steps, base, opts)
	}
	defer e.refreshRunningGauge(context.WithoutCancel(ctx))

	if err != nil {
		if errors.Is(err, ErrExecutionFinished) {
			log.Info("execution stopped between steps", "steps_run", results.Len())
			return skipped, nil
		}
		e.fail(context.WithoutCancel(ctx), exec.ID, results, fmt.Sprintf("execution aborted: %v", err))
		return nil, err
	}

	result := summarize(results, total, time.Since(started))
	status := domain.ExecutionCompleted
	if !result.Success {
		status = domain.ExecutionFailed
	}
	upd := StatusUpdate{Status: status, Result: result}
	if result.Success {
		full := 100
		upd.Progress = &full
		upd.Message = "Execution completed"
	} else {
		upd.Level = "error"
		upd.Message = "Execution failed: " + result.Error()
	}
	if _, err := e.UpdateExecutionStatus(context.WithoutCancel(ctx), exec.ID, upd); err != nil {
		if errors.Is(err, ErrExecutionFinished) {
			log.Info("execution result discarded", "reason", err)
			return skipped, nil
		}
		return nil, err
	}
	if progress != nil {
		progress(100, string(status))
	}

	out := map[string]any{
		"executionId": exec.ID,
		"status":      string(status),
		"steps":       results.Len(),
		"durationMs":  result.DurationMs,
	}
	if !result.Success {
		return out, fmt.Errorf("%s", result.Error())
	}
	return out, nil
}

// summarize builds the execution result. Steps that never ran because an
// earlier one failed are not listed.
func summarize(results *executor.Results, total int, elapsed time.Duration) *domain.ExecutionResult {
	r := &domain.ExecutionResult{
		Output:      results.Outputs(),
		StepOrder:   results.Order(),
		DurationMs:  elapsed.Milliseconds(),
		CompletedAt: time.Now(),
	}
	for _, f := range results.Failed() {
		r.Errors = append(r.Errors, fmt.Sprintf("Step %s: %s", f.StepID, f.Error))
	}
	if len(r.Errors) == 0 && results.Len() < total {
		r.Errors = append(r.Errors, fmt.Sprintf("only %d of %d steps ran", results.Len(), total))
	}
	r.Success = len(r.Errors) == 0
	return r
}

func (e *Engine) fail(ctx context.Context, executionID string, results *executor.Results, msg string) {
	res := &domain.ExecutionResult{Errors: []string{msg}, CompletedAt: time.Now()}
	if results != nil {
		res.Output = results.Outputs()
		res.StepOrder = results.Order()
	}
	if _, err := e.UpdateExecutionStatus(ctx, executionID, StatusUpdate{
		Status:  domain.ExecutionFailed,
		Result:  res,
		Level:   "error",
		Message: msg,
	}); err != nil && !errors.Is(err, ErrExecutionFinished) {
		logging.Op().Warn("failed to record execution failure", "execution", executionID, "error", err)
	}
}

// awaitRunnable blocks while the execution is paused and returns
// ErrExecutionFinished once it has been cancelled.
func (e *Engine) awaitRunnable(ctx context.Context, executionID string, poll time.Duration) error {
	var ticker *time.Ticker
	for {
		exec, err := e.GetWorkflowExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, ErrExecutionFinished)
		}
		if exec.Status != domain.ExecutionPaused {
			return nil
		}
		if ticker == nil {
			ticker = time.NewTicker(poll)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StatusUpdate is a change to an execution record. Zero fields are left
// unchanged.
type StatusUpdate struct {
	Status      domain.ExecutionStatus
	Progress    *int
	CurrentStep *string
	Result      *domain.ExecutionResult
	// Message, when set, is appended to the execution log.
	Message string
	Level   string
	StepID  string
}

// transitions lists the allowed status changes.
var transitions = map[domain.ExecutionStatus][]domain.ExecutionStatus{
	domain.ExecutionPending: {domain.ExecutionRunning, domain.ExecutionFailed, domain.ExecutionCancelled},
	domain.ExecutionRunning: {domain.ExecutionPaused, domain.ExecutionCompleted, domain.ExecutionFailed, domain.ExecutionCancelled},
	domain.ExecutionPaused:  {domain.ExecutionRunning, domain.ExecutionFailed, domain.ExecutionCancelled},
}

func canTransition(from, to domain.ExecutionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateExecutionStatus is the single mutation point for execution records.
// Updates to a terminal execution fail with ErrExecutionFinished; disallowed
// status changes fail with ErrInvalidTransition. Matching lifecycle events
// are published after the record is saved.
func (e *Engine) UpdateExecutionStatus(ctx context.Context, executionID string, u StatusUpdate) (*domain.WorkflowExecution, error) {
	var from domain.ExecutionStatus
	progressed := false
	exec, err := e.mutate(ctx, executionID, func(x *domain.WorkflowExecution) error {
		from = x.Status
		if x.Status.IsTerminal() {
			return fmt.Errorf("execution %s is %s: %w", x.ID, x.Status, ErrExecutionFinished)
		}
		if u.Status != "" && u.Status != x.Status {
			if !canTransition(x.Status, u.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, x.Status, u.Status)
			}
			x.Status = u.Status
		}
		if u.Progress != nil && *u.Progress != x.Progress {
			x.Progress = clampProgress(*u.Progress)
			progressed = true
		}
		if u.CurrentStep != nil && *u.CurrentStep != x.CurrentStep {
			x.CurrentStep = *u.CurrentStep
			progressed = true
		}
		if u.Result != nil {
			r := *u.Result
			x.Result = &r
		}
		if u.Message != "" {
			level := u.Level
			if level == "" {
				level = "info"
			}
			x.Logs = append(x.Logs, domain.ExecutionLog{Timestamp: time.Now(), Level: level, Message: u.Message, StepID: u.StepID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if exec.Status != from {
		logging.ForExecution(exec.WorkflowID, exec.ID).Info("execution status changed", "from", from, "to", exec.Status)
	}
	switch {
	case exec.Status != from && exec.Status == domain.ExecutionCompleted:
		e.publish(eventbus.EventWorkflowComplete, exec)
	case exec.Status != from && exec.Status == domain.ExecutionFailed:
		e.publish(eventbus.EventWorkflowError, exec)
	case progressed || exec.Status != from:
		e.publish(eventbus.EventWorkflowProgress, exec)
	}
	if exec.Status != from && exec.Status.IsTerminal() {
		e.recordFinished(exec)
	}
	return exec, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// mutate applies fn to the stored record under the execution lock and saves
// it when fn succeeds.
func (e *Engine) mutate(ctx context.Context, executionID string, fn func(*domain.WorkflowExecution) error) (*domain.WorkflowExecution, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	exec, err := e.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := fn(exec); err != nil {
		return nil, err
	}
	exec.UpdatedAt = time.Now()
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("save execution: %w", err)
	}
	return exec, nil
}

func (e *Engine) publish(t eventbus.EventType, exec *domain.WorkflowExecution) {
	ev := eventbus.Event{
		Type:        t,
		WorkflowID:  exec.WorkflowID,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Progress:    exec.Progress,
		CurrentStep: exec.CurrentStep,
	}
	if exec.Result != nil {
		r := *exec.Result
		ev.Result = &r
		ev.Error = exec.Result.Error()
	}
	e.bus.Publish(ev)
}

func (e *Engine) recordFinished(exec *domain.WorkflowExecution) {
	var durationMs int64
	steps := 0
	errMsg := ""
	if exec.Result != nil {
		durationMs = exec.Result.DurationMs
		steps = len(exec.Result.StepOrder)
		errMsg = exec.Result.Error()
	}
	e.metrics.RecordExecution(exec.WorkflowID, exec.Status, durationMs)
	if e.audit != nil {
		e.audit.Log(&logging.ExecutionRecord{
			ExecutionID: exec.ID,
			WorkflowID:  exec.WorkflowID,
			Trigger:     string(exec.TriggerType),
			Status:      string(exec.Status),
			DurationMs:  durationMs,
			Steps:       steps,
			Error:       errMsg,
			RetryOf:     exec.RetryOf,
		})
	}
}

func (e *Engine) refreshRunningGauge(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	running, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Statuses: []domain.ExecutionStatus{domain.ExecutionRunning}})
	if err != nil {
		return
	}
	e.metrics.SetRunningExecutions(len(running))
}

// PauseWorkflow pauses a running execution. The step in flight finishes;
// the next one waits until the execution is resumed.
func (e *Engine) PauseWorkflow(ctx context.Context, executionID string) (*domain.WorkflowExecution, error) {
	return e.control(ctx, executionID, domain.ExecutionRunning, domain.ExecutionPaused, "Execution paused")
}

// ResumeWorkflow resumes a paused execution.
func (e *Engine) ResumeWorkflow(ctx context.Context, executionID string) (*domain.WorkflowExecution, error) {
	return e.control(ctx, executionID, domain.ExecutionPaused, domain.ExecutionRunning, "Execution resumed")
}

// CancelWorkflow cancels an unfinished execution. A job still waiting in the
// queue is removed; a step already in flight runs to completion but its
// result is discarded.
func (e *Engine) CancelWorkflow(ctx context.Context, executionID string) (*domain.WorkflowExecution, error) {
	exec, err := e.UpdateExecutionStatus(ctx, executionID, StatusUpdate{
		Status:  domain.ExecutionCancelled,
		Level:   "warn",
		Message: "Execution cancelled",
	})
	if err != nil {
		return nil, err
	}
	if exec.JobID != "" {
		if st, err := e.queue.GetJob(ctx, exec.JobID); err == nil && st != nil && isQueued(st.State) {
			if _, err := e.queue.RemoveJob(ctx, exec.JobID); err != nil {
				logging.ForExecution(exec.WorkflowID, exec.ID).Warn("failed to remove queued job", "job", exec.JobID, "error", err)
			}
		}
	}
	e.refreshRunningGauge(ctx)
	return exec, nil
}

func isQueued(s domain.JobState) bool {
	return s == domain.JobWaiting || s == domain.JobDelayed || s == domain.JobPaused
}

func (e *Engine) control(ctx context.Context, executionID string, from, to domain.ExecutionStatus, msg string) (*domain.WorkflowExecution, error) {
	exec, err := e.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != from {
		if exec.Status.IsTerminal() {
			return nil, fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, ErrExecutionFinished)
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, exec.Status, to)
	}
	return e.UpdateExecutionStatus(ctx, executionID, StatusUpdate{Status: to, Message: msg})
}

// RetryWorkflow starts a new execution seeded with the input and context of
// a finished one. The original record is left untouched.
func (e *Engine) RetryWorkflow(ctx context.Context, executionID string) (string, error) {
	orig, err := e.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if !orig.Status.IsTerminal() {
		return "", fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, executionID, orig.Status)
	}
	return e.ExecuteWorkflowAsync(ctx, orig.WorkflowID, orig.Input, ExecuteOptions{
		Trigger: orig.TriggerType,
		Context: orig.Context,
		RetryOf: orig.ID,
	})
}

// GetWorkflowExecution returns one execution record.
func (e *Engine) GetWorkflowExecution(ctx context.Context, executionID string) (*domain.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	return exec, err
}

// ExecutionStatusView is the compact status of an execution and its job.
type ExecutionStatusView struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      domain.ExecutionStatus `json:"status"`
	Progress    int                    `json:"progress"`
	CurrentStep string                 `json:"current_step,omitempty"`
	Error       string                 `json:"error,omitempty"`
	JobID       string                 `json:"job_id,omitempty"`
	JobState    domain.JobState        `json:"job_state,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// GetWorkflowStatus summarises an execution together with its queue job.
func (e *Engine) GetWorkflowStatus(ctx context.Context, executionID string) (*ExecutionStatusView, error) {
	exec, err := e.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	view := &ExecutionStatusView{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
		Progress:    exec.Progress,
		CurrentStep: exec.CurrentStep,
		Error:       exec.Result.Error(),
		JobID:       exec.JobID,
		UpdatedAt:   exec.UpdatedAt,
	}
	if exec.JobID != "" {
		if st, err := e.queue.GetJob(ctx, exec.JobID); err == nil && st != nil {
			view.JobState = st.State
		}
	}
	return view, nil
}

// GetExecutionHistory returns the newest executions of a workflow. A limit
// of zero returns all of them.
func (e *Engine) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*domain.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID, Limit: limit})
}

// ListExecutions returns executions matching f, newest first.
func (e *Engine) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*domain.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, f)
}
