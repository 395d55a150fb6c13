// Package store persists workflow definitions and executions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

// ErrNotFound is returned when a definition or execution does not exist.
var ErrNotFound = errors.New("not found")

// ExecutionFilter narrows ListExecutions. Zero fields do not filter.
type ExecutionFilter struct {
	WorkflowID string
	Statuses   []domain.ExecutionStatus
	// CreatedBefore keeps executions created strictly before the instant.
	CreatedBefore time.Time
	// CreatedSince keeps executions created at or after the instant.
	CreatedSince time.Time
	Limit        int
}

func (f ExecutionFilter) matches(e *domain.WorkflowExecution) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if e.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.CreatedBefore.IsZero() && !e.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.CreatedSince.IsZero() && e.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	return true
}

// DefinitionStore is the workflow definition catalog.
type DefinitionStore interface {
	// SaveDefinition inserts or replaces a definition.
	SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error
	// ListDefinitions returns definitions oldest first.
	ListDefinitions(ctx context.Context) ([]*domain.WorkflowDefinition, error)
}

// ExecutionStore keeps execution records.
type ExecutionStore interface {
	// SaveExecution inserts or replaces an execution.
	SaveExecution(ctx context.Context, exec *domain.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*domain.WorkflowExecution, error)
	DeleteExecution(ctx context.Context, id string) error
	// ListExecutions returns matching executions newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*domain.WorkflowExecution, error)
}

// Store combines both catalogs behind one connection.
type Store interface {
	DefinitionStore
	ExecutionStore
	Ping(ctx context.Context) error
	Close() error
}
