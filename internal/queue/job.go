package queue

import (
	"context"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

// Handler processes one attempt of a job. The returned value becomes
// JobResult.Data on success; a returned error fails the attempt.
type Handler func(ctx context.Context, job *Job) (any, error)

// Job is the worker-side view of a job attempt.
type Job struct {
	ID          string
	Queue       string
	Type        string
	Payload     map[string]any
	Attempt     int
	MaxAttempts int
	CreatedAt   time.Time

	progress func(percent int, message string)
}

// Progress reports incremental progress (0-100) for the running attempt.
func (j *Job) Progress(percent int, message string) {
	if j.progress != nil {
		j.progress(percent, message)
	}
}

// Listener types for the per-queue monitoring hooks.
type (
	ProgressListener  func(jobID string, percent int, message string)
	CompletedListener func(job domain.JobStatus)
	FailedListener    func(job domain.JobStatus, reason string)
)

type jobRecord struct {
	status domain.JobStatus
	seq    uint64
	index  int // position in the queue heap, -1 when not waiting
	timer  *time.Timer
}

// jobHeap orders waiting jobs by priority ordinal, then by enqueue order.
type jobHeap []*jobRecord

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	pi, pj := h[i].status.Priority.Ordinal(), h[j].status.Priority.Ordinal()
	if pi != pj {
		return pi < pj
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	rec := x.(*jobRecord)
	rec.index = len(*h)
	*h = append(*h, rec)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}
