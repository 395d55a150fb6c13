package queue

import (
	"time"

	"github.com/oriys/orbit/internal/domain"
)

// DefaultQueues returns the fixed queue namespace with its default policies.
// AI analysis runs with low concurrency and few retries; file operations run
// wide with more retries. Workflow-execution jobs are never retried by the
// queue: a failed run is retried through the engine as a new execution.
func DefaultQueues() []domain.QueueConfig {
	return []domain.QueueConfig{
		{
			Name:        domain.QueueDocumentProcessing,
			Concurrency: 3,
			RetryConfig: domain.RetryConfig{
				MaxRetries:      3,
				BackoffStrategy: domain.BackoffExponential,
				InitialDelay:    2 * time.Second,
				MaxDelay:        30 * time.Second,
			},
			RemoveOnComplete: 1000,
			RemoveOnFail:     1000,
		},
		{
			Name:        domain.QueueAIAnalysis,
			Concurrency: 2,
			RetryConfig: domain.RetryConfig{
				MaxRetries:      2,
				BackoffStrategy: domain.BackoffExponential,
				InitialDelay:    5 * time.Second,
				MaxDelay:        time.Minute,
			},
			RemoveOnComplete: 1000,
			RemoveOnFail:     1000,
		},
		{
			Name:        domain.QueueWorkflowExecution,
			Concurrency: 5,
			RetryConfig: domain.RetryConfig{
				MaxRetries:      0,
				BackoffStrategy: domain.BackoffExponential,
				InitialDelay:    time.Second,
				MaxDelay:        10 * time.Second,
			},
			RemoveOnComplete: 1000,
			RemoveOnFail:     1000,
		},
		{
			Name:        domain.QueueFileOperations,
			Concurrency: 10,
			RetryConfig: domain.RetryConfig{
				MaxRetries:      5,
				BackoffStrategy: domain.BackoffLinear,
				InitialDelay:    time.Second,
				MaxDelay:        10 * time.Second,
			},
			RemoveOnComplete: 1000,
			RemoveOnFail:     1000,
		},
		{
			Name:        domain.QueueNotifications,
			Concurrency: 5,
			RetryConfig: domain.RetryConfig{
				MaxRetries:      3,
				BackoffStrategy: domain.BackoffExponential,
				InitialDelay:    time.Second,
				MaxDelay:        30 * time.Second,
			},
			RemoveOnComplete: 1000,
			RemoveOnFail:     1000,
		},
	}
}
