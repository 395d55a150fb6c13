// Package workflow owns the workflow catalog and drives executions through
// the job queue: definition management and validation, the execution state
// machine, control operations, cron and file-watch triggers, metrics and
// retention.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/orbit/internal/config"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/eventbus"
	"github.com/oriys/orbit/internal/executor"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/processor"
	"github.com/oriys/orbit/internal/queue"
	"github.com/oriys/orbit/internal/scheduler"
	"github.com/oriys/orbit/internal/store"
	"github.com/oriys/orbit/internal/triggers"
)

var (
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrWorkflowExists      = errors.New("workflow already exists")
	ErrWorkflowDisabled    = errors.New("workflow is disabled")
	ErrInvalidWorkflow     = errors.New("invalid workflow")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrExecutionFinished   = errors.New("execution already finished")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrIncompatibleVersion = errors.New("incompatible document version")
)

// ValidationError carries the messages of a failed ValidateWorkflow.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	msg := "invalid workflow"
	for i, s := range e.Errors {
		if i == 0 {
			msg += ": " + s
		} else {
			msg += "; " + s
		}
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrInvalidWorkflow }

// Config wires an Engine. Queue is required; everything else has a default.
type Config struct {
	Engine config.EngineConfig
	Queue  *queue.Manager
	// Store defaults to an in-memory store.
	Store store.Store
	// Collaborators back the built-in processors. Workflows is always the
	// engine itself.
	Collaborators processor.Collaborators
	Bus           *eventbus.Bus
	Metrics       *metrics.PrometheusMetrics
	Watch         triggers.Defaults
	// Archiver receives records removed by ArchiveWorkflowData.
	Archiver Archiver
	// AuditLog records one line per finished execution.
	AuditLog *logging.ExecutionLogger
}

// Engine is the orchestration core. All methods are safe for concurrent use.
type Engine struct {
	queue      *queue.Manager
	processors *processor.Registry
	executor   *executor.Executor
	store      store.Store
	scheduler  *scheduler.Scheduler
	watchers   *triggers.Manager
	bus        *eventbus.Bus
	metrics    *metrics.PrometheusMetrics
	archiver   Archiver
	audit      *logging.ExecutionLogger

	cfgMu sync.RWMutex
	cfg   config.EngineConfig

	// execMu serialises read-modify-write of execution records.
	execMu sync.Mutex
	// defMu serialises definition mutations and trigger reconciliation.
	defMu sync.Mutex
	// declared maps workflow id -> watcher ids installed from its triggers.
	declared map[string][]string

	hookMu sync.Mutex
	hooked map[string]bool
}

// New builds an Engine and registers the built-in processors on the queue.
func New(cfg Config) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("workflow engine: queue manager is required")
	}
	ec := withEngineDefaults(cfg.Engine)
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New()
	}

	e := &Engine{
		queue:    cfg.Queue,
		store:    cfg.Store,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		archiver: cfg.Archiver,
		audit:    cfg.AuditLog,
		cfg:      ec,
		declared: make(map[string][]string),
		hooked:   make(map[string]bool),
	}
	e.executor = executor.New(cfg.Queue,
		executor.WithPollInterval(ec.StepPollInterval),
		executor.WithMaxWait(ec.StepMaxWait),
		executor.WithMetrics(cfg.Metrics),
	)
	// Queues the caller created first keep their configuration.
	for _, qc := range queue.DefaultQueues() {
		if err := cfg.Queue.CreateQueue(qc); err != nil {
			return nil, fmt.Errorf("create queue %s: %w", qc.Name, err)
		}
		e.recordJobs(qc.Name)
	}
	// The workflow-execution queue runs at most MaxConcurrentWorkflows jobs.
	if err := cfg.Queue.SetConcurrency(domain.QueueWorkflowExecution, ec.MaxConcurrentWorkflows); err != nil {
		return nil, fmt.Errorf("size %s queue: %w", domain.QueueWorkflowExecution, err)
	}
	e.processors = processor.NewRegistry(cfg.Queue)
	collab := cfg.Collaborators
	collab.Workflows = e
	if err := e.processors.RegisterBuiltInProcessors(collab); err != nil {
		return nil, fmt.Errorf("register processors: %w", err)
	}
	e.scheduler = scheduler.New(e.fireSchedule, 0)
	e.watchers = triggers.NewManager(e.onFileEvent, cfg.Watch)
	return e, nil
}

func withEngineDefaults(c config.EngineConfig) config.EngineConfig {
	def := config.DefaultEngineConfig()
	if c.MaxConcurrentWorkflows <= 0 {
		c.MaxConcurrentWorkflows = def.MaxConcurrentWorkflows
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.StepPollInterval <= 0 {
		c.StepPollInterval = def.StepPollInterval
	}
	if c.StepMaxWait <= 0 {
		c.StepMaxWait = def.StepMaxWait
	}
	if c.StepFanOut <= 0 {
		c.StepFanOut = 1
	}
	return c
}

// Start installs the declared triggers of every enabled stored workflow and
// starts the cron scheduler.
func (e *Engine) Start(ctx context.Context) error {
	defs, err := e.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	e.defMu.Lock()
	for _, def := range defs {
		if err := e.syncTriggersLocked(def); err != nil {
			logging.Op().Warn("failed to install workflow triggers", "workflow", def.ID, "error", err)
		}
	}
	e.defMu.Unlock()
	e.scheduler.Start()
	logging.Op().Info("workflow engine started", "workflows", len(defs), "scheduled", e.scheduler.Len())
	return nil
}

// Close stops triggers. The queue manager and store belong to the caller.
func (e *Engine) Close() {
	e.scheduler.Stop()
	e.watchers.Shutdown()
}

// Events returns the lifecycle bus.
func (e *Engine) Events() *eventbus.Bus { return e.bus }

// Executor returns the step executor, for registering custom step types.
func (e *Engine) Executor() *executor.Executor { return e.executor }

// Processors returns the processor registry.
func (e *Engine) Processors() *processor.Registry { return e.processors }

// RegisterStepType routes a custom step type through its own queue,
// "step-<type>", created on first use with the engine's retry policy. The
// handler receives the same payload as the built-in step jobs.
func (e *Engine) RegisterStepType(stepType, description string, concurrency int, handler queue.Handler) error {
	if stepType == "" {
		return fmt.Errorf("%w: step type is required", processor.ErrInvalidProcessor)
	}
	queueName := "step-" + stepType
	if err := e.queue.CreateQueue(domain.QueueConfig{
		Name:        queueName,
		Concurrency: concurrency,
		RetryConfig: e.GetConfig().RetryPolicy,
	}); err != nil {
		return fmt.Errorf("create queue %s: %w", queueName, err)
	}
	e.recordJobs(queueName)
	if err := e.processors.RegisterProcessor(processor.Definition{
		Name:        stepType,
		Description: description,
		QueueName:   queueName,
		Processor:   handler,
	}); err != nil {
		return err
	}
	e.executor.RegisterStepHandler(stepType, e.executor.QueueHandler(queueName, stepType, ""))
	return nil
}

// recordJobs feeds finished jobs of a queue into the job metrics, once per
// queue.
func (e *Engine) recordJobs(queueName string) {
	if e.metrics == nil {
		return
	}
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	if e.hooked[queueName] {
		return
	}
	record := func(job domain.JobStatus) { e.metrics.RecordJob(job) }
	if err := e.queue.OnJobCompleted(queueName, record); err != nil {
		logging.Op().Warn("job metrics not installed", "queue", queueName, "error", err)
		return
	}
	_ = e.queue.OnJobFailed(queueName, func(job domain.JobStatus, _ string) { record(job) })
	e.hooked[queueName] = true
}

// OnWorkflowStart subscribes fn to execution starts. The returned function
// unsubscribes.
func (e *Engine) OnWorkflowStart(fn eventbus.Listener) func() {
	return e.bus.Subscribe(fn, eventbus.EventWorkflowStart)
}

// OnWorkflowComplete subscribes fn to successful completions.
func (e *Engine) OnWorkflowComplete(fn eventbus.Listener) func() {
	return e.bus.Subscribe(fn, eventbus.EventWorkflowComplete)
}

// OnWorkflowError subscribes fn to failed executions.
func (e *Engine) OnWorkflowError(fn eventbus.Listener) func() {
	return e.bus.Subscribe(fn, eventbus.EventWorkflowError)
}

// OnWorkflowProgress subscribes fn to progress updates.
func (e *Engine) OnWorkflowProgress(fn eventbus.Listener) func() {
	return e.bus.Subscribe(fn, eventbus.EventWorkflowProgress)
}

// GetConfig returns the current engine settings.
func (e *Engine) GetConfig() config.EngineConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// ConfigUpdate is a partial engine settings change. Nil fields are kept.
type ConfigUpdate struct {
	MaxConcurrentWorkflows *int                `json:"max_concurrent_workflows,omitempty"`
	DefaultTimeout         *time.Duration      `json:"default_timeout,omitempty"`
	RetryPolicy            *domain.RetryConfig `json:"retry_policy,omitempty"`
	StepFanOut             *int                `json:"step_fan_out,omitempty"`
}

// UpdateConfig applies a partial settings change and returns the result.
func (e *Engine) UpdateConfig(u ConfigUpdate) (config.EngineConfig, error) {
	if u.MaxConcurrentWorkflows != nil && *u.MaxConcurrentWorkflows <= 0 {
		return e.GetConfig(), fmt.Errorf("maxConcurrentWorkflows must be positive")
	}
	if u.DefaultTimeout != nil && *u.DefaultTimeout <= 0 {
		return e.GetConfig(), fmt.Errorf("defaultTimeout must be positive")
	}
	if u.RetryPolicy != nil && u.RetryPolicy.MaxRetries < 0 {
		return e.GetConfig(), fmt.Errorf("retryPolicy.maxRetries must not be negative")
	}
	if u.StepFanOut != nil && *u.StepFanOut <= 0 {
		return e.GetConfig(), fmt.Errorf("stepFanOut must be positive")
	}

	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	if u.MaxConcurrentWorkflows != nil {
		e.cfg.MaxConcurrentWorkflows = *u.MaxConcurrentWorkflows
		if err := e.queue.SetConcurrency(domain.QueueWorkflowExecution, e.cfg.MaxConcurrentWorkflows); err != nil {
			logging.Op().Warn("workflow queue concurrency not changed", "error", err)
		}
	}
	if u.DefaultTimeout != nil {
		e.cfg.DefaultTimeout = *u.DefaultTimeout
	}
	if u.RetryPolicy != nil {
		e.cfg.RetryPolicy = *u.RetryPolicy
	}
	if u.StepFanOut != nil {
		e.cfg.StepFanOut = *u.StepFanOut
	}
	logging.Op().Info("engine configuration updated",
		"max_concurrent_workflows", e.cfg.MaxConcurrentWorkflows,
		"default_timeout", e.cfg.DefaultTimeout,
		"step_fan_out", e.cfg.StepFanOut)
	return e.cfg, nil
}
