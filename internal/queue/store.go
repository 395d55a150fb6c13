package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/oriys/orbit/internal/domain"
)

// JobStore persists job records so they survive a restart and can be
// inspected by other processes. The Manager writes every transition through.
type JobStore interface {
	SaveJob(ctx context.Context, job *domain.JobStatus) error
	// LoadJob returns nil, nil when the job does not exist.
	LoadJob(ctx context.Context, id string) (*domain.JobStatus, error)
	DeleteJob(ctx context.Context, queue, id string) error
	// ListJobs returns the queue's jobs ordered by creation time.
	ListJobs(ctx context.Context, queue string) ([]*domain.JobStatus, error)
	Close() error
}

// MemoryJobStore keeps job records in process memory.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.JobStatus
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]domain.JobStatus)}
}

func (s *MemoryJobStore) SaveJob(_ context.Context, job *domain.JobStatus) error {
	s.mu.Lock()
	s.jobs[job.ID] = *job
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) LoadJob(_ context.Context, id string) (*domain.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (s *MemoryJobStore) DeleteJob(_ context.Context, _ string, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) ListJobs(_ context.Context, queue string) ([]*domain.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.JobStatus
	for _, job := range s.jobs {
		if job.Queue == queue {
			j := job
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryJobStore) Close() error { return nil }
