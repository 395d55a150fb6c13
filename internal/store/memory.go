package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/orbit/internal/domain"
)

// MemoryStore keeps everything in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*domain.WorkflowDefinition
	executions  map[string]*domain.WorkflowExecution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*domain.WorkflowDefinition),
		executions:  make(map[string]*domain.WorkflowExecution),
	}
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *domain.WorkflowDefinition) error {
	s.mu.Lock()
	s.definitions[def.ID] = def.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return def.Clone(), nil
}

func (s *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[id]; !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	delete(s.definitions, id)
	return nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context) ([]*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	out := make([]*domain.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, exec *domain.WorkflowExecution) error {
	s.mu.Lock()
	s.executions[exec.ID] = exec.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*domain.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[id]; !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	delete(s.executions, id)
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*domain.WorkflowExecution, error) {
	s.mu.RLock()
	var out []*domain.WorkflowExecution
	for _, exec := range s.executions {
		if filter.matches(exec) {
			out = append(out, exec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
