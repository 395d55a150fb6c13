package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/queue"
)

// Request is what analysis collaborators receive for one step job.
type Request struct {
	StepID          string
	ExecutionID     string
	WorkflowID      string
	Task            string
	Config          map[string]any
	Input           map[string]any
	Context         map[string]any
	PreviousResults map[string]any
}

// DocumentAnalyzer extracts structure and content from documents.
type DocumentAnalyzer interface {
	AnalyzeDocument(ctx context.Context, req Request) (map[string]any, error)
}

// AIService runs one analysis task (requirement extraction, estimation,
// communication drafting, codebase review).
type AIService interface {
	Analyze(ctx context.Context, req Request) (map[string]any, error)
}

// FileOperator performs filesystem operations for file-operation steps.
type FileOperator interface {
	Execute(ctx context.Context, op FileOperation) (map[string]any, error)
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) (map[string]any, error)
}

// WorkflowRunner drives one workflow execution to a terminal state. Steps
// is the snapshot carried by the job; nil means the runner resolves the
// current definition itself.
type WorkflowRunner interface {
	RunExecution(ctx context.Context, executionID string, steps []domain.WorkflowStep, progress func(percent int, message string)) (map[string]any, error)
}

// AnalyzerFunc adapts a function to both DocumentAnalyzer and AIService.
type AnalyzerFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f AnalyzerFunc) AnalyzeDocument(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

func (f AnalyzerFunc) Analyze(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Passthrough is an analyzer that performs no analysis. It echoes the task,
// the step config and the ids of the results it was handed.
var Passthrough = AnalyzerFunc(func(_ context.Context, req Request) (map[string]any, error) {
	deps := make([]string, 0, len(req.PreviousResults))
	for id := range req.PreviousResults {
		deps = append(deps, id)
	}
	sort.Strings(deps)
	out := map[string]any{
		"step":         req.StepID,
		"config":       domain.CloneMap(req.Config),
		"input":        domain.CloneMap(req.Input),
		"dependencies": deps,
	}
	if req.Task != "" {
		out["task"] = req.Task
	}
	return out, nil
})

// Collaborators are the external services the built-in processors delegate
// to. Files and Notifier default to a LocalFileOperator and a LogNotifier.
type Collaborators struct {
	Documents DocumentAnalyzer
	AI        AIService
	Files     FileOperator
	Notifier  Notifier
	Workflows WorkflowRunner
}

// RegisterBuiltInProcessors installs the five canonical processors on the
// fixed queue namespace.
func (r *Registry) RegisterBuiltInProcessors(c Collaborators) error {
	if c.Files == nil {
		c.Files = &LocalFileOperator{}
	}
	if c.Notifier == nil {
		c.Notifier = LogNotifier{}
	}

	defs := []Definition{
		{
			Name:        domain.JobDocumentAnalysis,
			Description: "Analyze a document and return its extracted content",
			QueueName:   domain.QueueDocumentProcessing,
			Processor:   documentProcessor(c.Documents),
		},
		{
			Name:        domain.JobAIAnalysis,
			Description: "Run an AI analysis task over step input and prior results",
			QueueName:   domain.QueueAIAnalysis,
			Processor:   aiProcessor(c.AI),
		},
		{
			Name:        domain.JobWorkflowExecution,
			Description: "Execute every step of a workflow execution",
			QueueName:   domain.QueueWorkflowExecution,
			Processor:   workflowProcessor(c.Workflows),
		},
		{
			Name:        domain.JobFileOperation,
			Description: "Read, write, copy, move or delete files",
			QueueName:   domain.QueueFileOperations,
			Processor:   fileProcessor(c.Files),
		},
		{
			Name:        domain.JobNotification,
			Description: "Deliver a notification",
			QueueName:   domain.QueueNotifications,
			Processor:   notificationProcessor(c.Notifier),
		},
	}
	for _, def := range defs {
		if err := r.RegisterProcessor(def); err != nil {
			return err
		}
	}
	return nil
}

func documentProcessor(docs DocumentAnalyzer) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (any, error) {
		if docs == nil {
			return nil, fmt.Errorf("document analysis failed: no document analyzer configured")
		}
		job.Progress(10, "analyzing document")
		out, err := docs.AnalyzeDocument(ctx, requestFromJob(job))
		if err != nil {
			return nil, fmt.Errorf("document analysis failed: %w", err)
		}
		job.Progress(90, "document analyzed")
		return out, nil
	}
}

func aiProcessor(ai AIService) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (any, error) {
		req := requestFromJob(job)
		if ai == nil {
			return nil, fmt.Errorf("ai analysis %q failed: no AI service configured", req.Task)
		}
		job.Progress(10, "running "+req.Task)
		out, err := ai.Analyze(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("ai analysis %q failed: %w", req.Task, err)
		}
		job.Progress(90, req.Task+" finished")
		return out, nil
	}
}

func workflowProcessor(runner WorkflowRunner) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (any, error) {
		id, _ := job.Payload["executionId"].(string)
		if id == "" {
			return nil, fmt.Errorf("workflow execution failed: payload has no executionId")
		}
		if runner == nil {
			return nil, fmt.Errorf("workflow execution %s failed: no workflow runner configured", id)
		}
		steps, err := decodeSteps(job.Payload["steps"])
		if err != nil {
			return nil, fmt.Errorf("workflow execution %s failed: %w", id, err)
		}
		job.Progress(0, "starting execution")
		out, err := runner.RunExecution(ctx, id, steps, job.Progress)
		if err != nil {
			return nil, fmt.Errorf("workflow execution %s failed: %w", id, err)
		}
		return out, nil
	}
}

func fileProcessor(files FileOperator) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (any, error) {
		op, err := fileOperationFrom(mapField(job.Payload, "config"))
		if err != nil {
			return nil, fmt.Errorf("file operation failed: %w", err)
		}
		job.Progress(10, op.Operation+" "+op.Path)
		out, err := files.Execute(ctx, op)
		if err != nil {
			return nil, fmt.Errorf("file operation %s failed: %w", op.Operation, err)
		}
		job.Progress(90, op.Operation+" done")
		return out, nil
	}
}

func notificationProcessor(n Notifier) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (any, error) {
		msg := notificationFrom(mapField(job.Payload, "config"))
		if msg.Message == "" && msg.Subject == "" {
			return nil, fmt.Errorf("notification failed: message or subject is required")
		}
		job.Progress(10, "sending notification")
		out, err := n.Send(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("notification via %s failed: %w", msg.channel(), err)
		}
		job.Progress(90, "notification sent")
		return out, nil
	}
}

func requestFromJob(job *queue.Job) Request {
	req := Request{
		StepID:          stringField(job.Payload, "stepId"),
		ExecutionID:     stringField(job.Payload, "executionId"),
		WorkflowID:      stringField(job.Payload, "workflowId"),
		Task:            stringField(job.Payload, "task"),
		Config:          mapField(job.Payload, "config"),
		Input:           mapField(job.Payload, "input"),
		Context:         mapField(job.Payload, "context"),
		PreviousResults: mapField(job.Payload, "previousResults"),
	}
	if req.Task == "" {
		req.Task = stringField(req.Config, "task")
	}
	if req.Task == "" {
		req.Task = "analysis"
	}
	return req
}

// decodeSteps accepts either typed steps (in-process jobs) or the generic
// JSON form a job takes after a round trip through a persistent store.
func decodeSteps(v any) ([]domain.WorkflowStep, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []domain.WorkflowStep:
		return x, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	var steps []domain.WorkflowStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
