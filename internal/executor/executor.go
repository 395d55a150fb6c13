// Package executor runs workflow steps: it checks dependencies, dispatches a
// step to its handler and waits for the queued job behind it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/observability"
)

var (
	ErrDependenciesNotSatisfied = errors.New("dependencies not satisfied")
	ErrNoHandlerRegistered      = errors.New("no handler registered")
	ErrJobExecutionTimeout      = errors.New("job execution timeout")
	ErrCircularDependency       = errors.New("circular dependency")
	ErrJobNotFound              = errors.New("job not found")
)

// StepError carries the user-facing message of a step failure together with
// its sentinel kind for errors.Is.
type StepError struct {
	Kind error
	Msg  string
}

func (e *StepError) Error() string { return e.Msg }
func (e *StepError) Unwrap() error { return e.Kind }

// JobQueue is the part of the queue backend the executor needs.
type JobQueue interface {
	AddJob(ctx context.Context, queueName string, data domain.JobData, priority domain.Priority) (string, error)
	GetJob(ctx context.Context, jobID string) (*domain.JobStatus, error)
}

// completionSource is implemented by backends that can signal job completion.
type completionSource interface {
	Done(jobID string) <-chan struct{}
}

// StepContext is the state a step runs with.
type StepContext struct {
	ExecutionID string
	WorkflowID  string
	Input       map[string]any
	// PreviousResults maps step ids to their outputs.
	PreviousResults map[string]any
	Global          map[string]any
	// MaxWait overrides the executor's job wait bound when > 0.
	MaxWait time.Duration
}

func (sc StepContext) withPrevious(prev map[string]any) StepContext {
	sc.PreviousResults = prev
	return sc
}

// StepResult is the outcome of one step. ExecuteStep always returns one.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Success   bool           `json:"success"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Err       error          `json:"-"`
	Duration  time.Duration  `json:"duration"`
	JobID     string         `json:"job_id,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// StepHandler executes one step type. A returned error fails the step with
// the error's message.
type StepHandler func(ctx context.Context, step domain.WorkflowStep, sc StepContext) (*StepResult, error)

// Executor dispatches steps to handlers.
type Executor struct {
	queue        JobQueue
	pollInterval time.Duration
	maxWait      time.Duration
	priority     domain.Priority
	metrics      *metrics.PrometheusMetrics

	mu       sync.RWMutex
	handlers map[string]StepHandler
}

type Option func(*Executor)

// WithPollInterval sets how often job status is polled while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithMaxWait bounds how long a step waits for its job.
func WithMaxWait(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.maxWait = d
		}
	}
}

// WithPriority sets the priority of step jobs.
func WithPriority(p domain.Priority) Option {
	return func(e *Executor) {
		e.priority = p
	}
}

// WithMetrics records step outcomes.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// New creates an Executor seeded with the built-in step handlers.
func New(q JobQueue, opts ...Option) *Executor {
	e := &Executor{
		queue:        q,
		pollInterval: time.Second,
		maxWait:      5 * time.Minute,
		priority:     domain.PriorityMedium,
		handlers:     make(map[string]StepHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerBuiltIns()
	return e
}

// RegisterStepHandler installs or replaces the handler of a step type.
func (e *Executor) RegisterStepHandler(stepType string, h StepHandler) {
	e.mu.Lock()
	e.handlers[stepType] = h
	e.mu.Unlock()
}

// StepTypes lists the registered step types.
func (e *Executor) StepTypes() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Executor) handler(stepType string) StepHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[stepType]
}

// ExecuteStep runs one step. It never panics; every failure is reported in
// the returned result.
func (e *Executor) ExecuteStep(ctx context.Context, step domain.WorkflowStep, sc StepContext) (res *StepResult) {
	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "orbit.step.execute",
		observability.AttrWorkflowID.String(sc.WorkflowID),
		observability.AttrExecutionID.String(sc.ExecutionID),
		observability.AttrStepID.String(step.ID),
		observability.AttrStepType.String(step.Type),
	)
	log := logging.ForExecution(sc.WorkflowID, sc.ExecutionID).With("step", step.ID, "type", step.Type)

	defer func() {
		if r := recover(); r != nil {
			log.Error("step handler panic", "panic", r, "stack", string(debug.Stack()))
			res = failure(step.ID, started, fmt.Errorf("step handler panic: %v", r))
		}
		res.Duration = time.Since(started)
		span.SetAttributes(observability.AttrDurationMs.Int64(res.Duration.Milliseconds()))
		if res.Success {
			observability.SetSpanOK(span)
		} else {
			observability.SetSpanError(span, res.Err)
			log.Warn("step failed", "error", res.Error, "duration", res.Duration)
		}
		span.End()
		e.metrics.RecordStep(step.Type, res.Success)
	}()

	if missing := missingDependencies(step, sc.PreviousResults); len(missing) > 0 {
		return failure(step.ID, started, &StepError{
			Kind: ErrDependenciesNotSatisfied,
			Msg:  "Dependencies not satisfied: " + strings.Join(missing, ", "),
		})
	}

	h := e.handler(step.Type)
	if h == nil {
		return failure(step.ID, started, &StepError{
			Kind: ErrNoHandlerRegistered,
			Msg:  "No handler registered for step type: " + step.Type,
		})
	}

	out, err := h(ctx, step, sc)
	if err != nil {
		f := failure(step.ID, started, err)
		if out != nil {
			f.JobID, f.Attempts = out.JobID, out.Attempts
		}
		return f
	}
	if out == nil {
		out = &StepResult{Success: true}
	}
	out.StepID = step.ID
	out.StartedAt = started
	if !out.Success && out.Err == nil {
		out.Err = errors.New(out.Error)
	}
	log.Debug("step completed", "job", out.JobID, "duration", time.Since(started))
	return out
}

func failure(stepID string, started time.Time, err error) *StepResult {
	return &StepResult{
		StepID:    stepID,
		Success:   false,
		Error:     err.Error(),
		Err:       err,
		StartedAt: started,
	}
}

func missingDependencies(step domain.WorkflowStep, prev map[string]any) []string {
	var missing []string
	for _, dep := range step.Dependencies {
		if _, ok := prev[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

// JobOutcome is a completed job as seen by a waiting step.
type JobOutcome struct {
	JobID    string
	Data     any
	Attempts int
}

// WaitForJobCompletion blocks until the job completes or fails, or the
// executor's wait bound elapses.
func (e *Executor) WaitForJobCompletion(ctx context.Context, jobID string) (*JobOutcome, error) {
	return e.waitFor(ctx, jobID, e.maxWait)
}

// waitFor polls the job at the poll interval. When the backend can signal
// completion it also wakes on that signal; the timeout contract is the same
// either way.
func (e *Executor) waitFor(ctx context.Context, jobID string, maxWait time.Duration) (*JobOutcome, error) {
	if maxWait <= 0 {
		maxWait = e.maxWait
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var done <-chan struct{}
	if src, ok := e.queue.(completionSource); ok {
		done = src.Done(jobID)
	}

	for {
		st, err := e.queue.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("get job %s: %w", jobID, err)
		}
		if st == nil {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		switch st.State {
		case domain.JobCompleted:
			out := &JobOutcome{JobID: jobID, Attempts: st.Attempts}
			if st.Result != nil {
				out.Data = st.Result.Data
			}
			return out, nil
		case domain.JobFailed:
			reason := st.FailReason
			if reason == "" && st.Result != nil {
				reason = st.Result.Error
			}
			if reason == "" {
				reason = "job failed"
			}
			return &JobOutcome{JobID: jobID, Attempts: st.Attempts}, errors.New(reason)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return &JobOutcome{JobID: jobID, Attempts: st.Attempts}, &StepError{Kind: ErrJobExecutionTimeout, Msg: "Job execution timeout"}
		case <-done:
			done = nil
		case <-ticker.C:
		}
	}
}
