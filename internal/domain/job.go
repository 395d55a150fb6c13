package domain

import (
	"fmt"
	"time"
)

// Fixed queue namespace created at startup.
const (
	QueueDocumentProcessing = "document-processing"
	QueueAIAnalysis         = "ai-analysis"
	QueueWorkflowExecution  = "workflow-execution"
	QueueFileOperations     = "file-operations"
	QueueNotifications      = "notifications"
)

// Built-in job types. Each is handled by a registered processor.
const (
	JobDocumentAnalysis  = "document-analysis"
	JobAIAnalysis        = "ai-analysis"
	JobWorkflowExecution = "workflow-execution"
	JobFileOperation     = "file-operation"
	JobNotification      = "notification"
)

// JobState is the queue-level state of a job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
	JobPaused    JobState = "paused"
)

// IsTerminal reports whether the job will not run again on its own.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Priority orders jobs within a queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Ordinal maps the priority to the backend ordering value; lower is served first.
// Unknown values fall back to medium.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// ParsePriority validates a priority string. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityMedium, nil
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("invalid priority %q (valid: critical, high, medium, low)", s)
}

// BackoffStrategy is the retry-delay growth rule.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryConfig controls retries of failed jobs.
type RetryConfig struct {
	MaxRetries      int             `json:"max_retries" yaml:"maxRetries"`
	BackoffStrategy BackoffStrategy `json:"backoff_strategy" yaml:"backoffStrategy"`
	InitialDelay    time.Duration   `json:"initial_delay" yaml:"initialDelay"`
	MaxDelay        time.Duration   `json:"max_delay" yaml:"maxDelay"`
}

// QueueConfig describes one logical queue. Only Concurrency can change after
// creation, through Manager.SetConcurrency.
type QueueConfig struct {
	Name        string      `json:"name"`
	Concurrency int         `json:"concurrency"`
	RetryConfig RetryConfig `json:"retry_config"`
	// RemoveOnComplete / RemoveOnFail cap how many finished jobs are retained
	// per queue. Zero keeps everything.
	RemoveOnComplete int `json:"remove_on_complete,omitempty"`
	RemoveOnFail     int `json:"remove_on_fail,omitempty"`
}

// JobOptions are per-job overrides.
type JobOptions struct {
	// Attempts overrides the queue's MaxRetries+1 when > 0.
	Attempts int           `json:"attempts,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
}

// JobData is what a producer submits.
type JobData struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Options *JobOptions    `json:"options,omitempty"`
	// Trace carries W3C trace headers from the producer to the worker.
	Trace     map[string]string `json:"trace,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// JobResult is recorded when a job reaches a terminal state.
type JobResult struct {
	Success     bool      `json:"success"`
	Data        any       `json:"data,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// JobStatus is the normalized view of a job returned to callers.
type JobStatus struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Type        string     `json:"type"`
	State       JobState   `json:"state"`
	Priority    Priority   `json:"priority"`
	Progress    int        `json:"progress"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	FailReason  string     `json:"fail_reason,omitempty"`
	Data        JobData    `json:"data"`
	Result      *JobResult `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// QueueStats counts jobs per state.
type QueueStats struct {
	Name      string `json:"name,omitempty"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Paused    int    `json:"paused"`
}

// Add accumulates other into s.
func (s *QueueStats) Add(other QueueStats) {
	s.Waiting += other.Waiting
	s.Active += other.Active
	s.Completed += other.Completed
	s.Failed += other.Failed
	s.Delayed += other.Delayed
	s.Paused += other.Paused
}

// Backlog is the number of jobs not yet picked up.
func (s QueueStats) Backlog() int {
	return s.Waiting + s.Delayed + s.Paused
}
