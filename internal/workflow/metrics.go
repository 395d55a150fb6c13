package workflow

import (
	"context"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/store"
)

// WorkflowMetrics aggregates every stored execution of one workflow.
type WorkflowMetrics struct {
	WorkflowID        string     `json:"workflow_id"`
	TotalExecutions   int        `json:"total_executions"`
	Completed         int        `json:"completed"`
	Failed            int        `json:"failed"`
	Cancelled         int        `json:"cancelled"`
	Active            int        `json:"active"`
	SuccessRate       float64    `json:"success_rate"`
	ErrorRate         float64    `json:"error_rate"`
	AverageDurationMs float64    `json:"average_duration_ms"`
	LastExecution     *time.Time `json:"last_execution,omitempty"`
}

// GetWorkflowMetrics computes success and error rates over all stored
// executions of a workflow, and the average duration of completed ones.
func (e *Engine) GetWorkflowMetrics(ctx context.Context, workflowID string) (*WorkflowMetrics, error) {
	if _, err := e.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	return computeMetrics(workflowID, execs), nil
}

func computeMetrics(workflowID string, execs []*domain.WorkflowExecution) *WorkflowMetrics {
	m := &WorkflowMetrics{WorkflowID: workflowID, TotalExecutions: len(execs)}
	var durationSum int64
	durations := 0
	for _, x := range execs {
		switch x.Status {
		case domain.ExecutionCompleted:
			m.Completed++
			if x.Result != nil {
				durationSum += x.Result.DurationMs
				durations++
			}
		case domain.ExecutionFailed:
			m.Failed++
		case domain.ExecutionCancelled:
			m.Cancelled++
		default:
			m.Active++
		}
		if m.LastExecution == nil || x.CreatedAt.After(*m.LastExecution) {
			t := x.CreatedAt
			m.LastExecution = &t
		}
	}
	if m.TotalExecutions > 0 {
		m.SuccessRate = float64(m.Completed) / float64(m.TotalExecutions)
		m.ErrorRate = float64(m.Failed) / float64(m.TotalExecutions)
	}
	if durations > 0 {
		m.AverageDurationMs = float64(durationSum) / float64(durations)
	}
	return m
}

// SystemMetrics is a point-in-time view of the whole engine.
type SystemMetrics struct {
	RunningExecutions      int                 `json:"running_executions"`
	PendingExecutions      int                 `json:"pending_executions"`
	QueueBacklog           int                 `json:"queue_backlog"`
	Queues                 []domain.QueueStats `json:"queues"`
	CompletedToday         int                 `json:"completed_today"`
	FailedToday            int                 `json:"failed_today"`
	MaxConcurrentWorkflows int                 `json:"max_concurrent_workflows"`
	SystemLoad             float64             `json:"system_load"`
	Workflows              int                 `json:"workflows"`
	ScheduledWorkflows     int                 `json:"scheduled_workflows"`
	FileWatchers           int                 `json:"file_watchers"`
}

// GetSystemMetrics reports running executions, queue backlog, today's
// finished counts and the load relative to MaxConcurrentWorkflows. "Today"
// starts at local midnight.
func (e *Engine) GetSystemMetrics(ctx context.Context) (*SystemMetrics, error) {
	cfg := e.GetConfig()
	m := &SystemMetrics{
		MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
		Queues:                 e.queue.GetAllQueueStats(),
		ScheduledWorkflows:     e.scheduler.Len(),
		FileWatchers:           len(e.watchers.List("")),
	}
	m.QueueBacklog = e.queue.GetSystemStats().Backlog()

	active, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{domain.ExecutionRunning, domain.ExecutionPending},
	})
	if err != nil {
		return nil, err
	}
	for _, x := range active {
		if x.Status == domain.ExecutionRunning {
			m.RunningExecutions++
		} else {
			m.PendingExecutions++
		}
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	finished, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{domain.ExecutionCompleted, domain.ExecutionFailed},
	})
	if err != nil {
		return nil, err
	}
	for _, x := range finished {
		if x.UpdatedAt.Before(midnight) {
			continue
		}
		if x.Status == domain.ExecutionCompleted {
			m.CompletedToday++
		} else {
			m.FailedToday++
		}
	}

	defs, err := e.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	m.Workflows = len(defs)
	if cfg.MaxConcurrentWorkflows > 0 {
		m.SystemLoad = float64(m.RunningExecutions) / float64(cfg.MaxConcurrentWorkflows)
	}
	return m, nil
}
