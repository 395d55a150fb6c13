package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

// Built-in step types.
const (
	StepDocumentAnalysis        = "document-analysis"
	StepRequirementExtraction   = "requirement-extraction"
	StepEstimation              = "estimation"
	StepCommunicationGeneration = "communication-generation"
	StepCodebaseAnalysis        = "codebase-analysis"
	StepFileOperation           = "file-operation"
	StepNotification            = "notification"
)

// route says where a built-in step type's job goes.
type route struct {
	queue   string
	jobType string
	task    string
}

var builtInRoutes = map[string]route{
	StepDocumentAnalysis:        {domain.QueueDocumentProcessing, domain.JobDocumentAnalysis, ""},
	StepRequirementExtraction:   {domain.QueueAIAnalysis, domain.JobAIAnalysis, StepRequirementExtraction},
	StepEstimation:              {domain.QueueAIAnalysis, domain.JobAIAnalysis, StepEstimation},
	StepCommunicationGeneration: {domain.QueueAIAnalysis, domain.JobAIAnalysis, StepCommunicationGeneration},
	StepCodebaseAnalysis:        {domain.QueueAIAnalysis, domain.JobAIAnalysis, StepCodebaseAnalysis},
	StepFileOperation:           {domain.QueueFileOperations, domain.JobFileOperation, ""},
	StepNotification:            {domain.QueueNotifications, domain.JobNotification, ""},
}

func (e *Executor) registerBuiltIns() {
	for stepType, r := range builtInRoutes {
		e.handlers[stepType] = e.QueueHandler(r.queue, r.jobType, r.task)
	}
}

// QueueHandler returns a step handler that enqueues a job of jobType on
// queueName and waits for it. The job payload carries the step config, the
// execution input, the global context and the dependency outputs.
func (e *Executor) QueueHandler(queueName, jobType, task string) StepHandler {
	return func(ctx context.Context, step domain.WorkflowStep, sc StepContext) (*StepResult, error) {
		payload := map[string]any{
			"stepId":          step.ID,
			"stepType":        step.Type,
			"executionId":     sc.ExecutionID,
			"workflowId":      sc.WorkflowID,
			"config":          domain.CloneMap(step.Config),
			"input":           domain.CloneMap(sc.Input),
			"context":         domain.CloneMap(sc.Global),
			"previousResults": domain.CloneMap(sc.PreviousResults),
		}
		if task != "" {
			payload["task"] = task
		}

		data := domain.JobData{Type: jobType, Payload: payload}
		if step.Retries != nil {
			data.Options = &domain.JobOptions{Attempts: *step.Retries + 1}
		}

		jobID, err := e.queue.AddJob(ctx, queueName, data, e.priority)
		if err != nil {
			return nil, fmt.Errorf("enqueue %s job: %w", jobType, err)
		}

		wait := sc.MaxWait
		if step.TimeoutS > 0 {
			wait = time.Duration(step.TimeoutS) * time.Second
		}
		outcome, err := e.waitFor(ctx, jobID, wait)
		if err != nil {
			res := &StepResult{JobID: jobID}
			if outcome != nil {
				res.Attempts = outcome.Attempts
			}
			return res, err
		}
		return &StepResult{
			Success:  true,
			Output:   outputMap(outcome.Data),
			JobID:    jobID,
			Attempts: outcome.Attempts,
		}, nil
	}
}

// outputMap normalises a job result into a step output.
func outputMap(v any) map[string]any {
	switch x := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return x
	default:
		return map[string]any{"value": x}
	}
}
