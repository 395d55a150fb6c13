// Package queue is the job queue backend: named queues with bounded worker
// pools, priorities, retries with backoff and write-through persistence.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/jobtracker"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/observability"
)

var (
	ErrQueueNotFound  = errors.New("queue not found")
	ErrManagerClosed  = errors.New("queue manager closed")
	ErrInvalidJobType = errors.New("job type is required")
)

// Config configures a Manager.
type Config struct {
	// PollInterval is how often idle workers re-check their queue when no
	// notification arrives.
	PollInterval time.Duration
	// Store receives every job transition. Defaults to a MemoryJobStore.
	Store JobStore
	// Notifier wakes workers of other processes sharing the store.
	Notifier Notifier
	// ProgressTTL bounds how long progress of an idle job is kept.
	ProgressTTL time.Duration
}

type queueState struct {
	cfg      domain.QueueConfig
	waiting  jobHeap
	paused   bool
	handlers map[string]Handler
	wake     chan struct{}

	// workers is the number of goroutines started; active counts jobs in
	// flight and never exceeds cfg.Concurrency.
	workers int
	active  int

	// finished ids in completion order, used for retention
	completedOrder []string
	failedOrder    []string

	onProgress  []ProgressListener
	onCompleted []CompletedListener
	onFailed    []FailedListener
}

// poke wakes one idle worker. Must be called with the manager lock held or
// from a goroutine that does not need the signal delivered.
func (q *queueState) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Manager owns all queues of one process.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
	jobs   map[string]*jobRecord
	done   map[string]chan struct{}
	seq    uint64
	closed bool

	store    JobStore
	notifier Notifier
	tracker  *jobtracker.Tracker
	poll     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a Manager. Queues are added with CreateQueue.
func NewManager(cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryJobStore()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewNoopNotifier()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queues:   make(map[string]*queueState),
		jobs:     make(map[string]*jobRecord),
		done:     make(map[string]chan struct{}),
		store:    cfg.Store,
		notifier: cfg.Notifier,
		tracker:  jobtracker.New(cfg.ProgressTTL),
		poll:     cfg.PollInterval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// CreateQueue registers a queue and starts its workers. Creating a queue that
// already exists is a no-op; the first configuration wins.
func (m *Manager) CreateQueue(cfg domain.QueueConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.queues[cfg.Name]; ok {
		return nil
	}
	qs := &queueState{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
	m.queues[cfg.Name] = qs
	m.spawnLocked(qs)
	logging.Op().Debug("queue created", "queue", cfg.Name, "concurrency", cfg.Concurrency)
	return nil
}

// SetConcurrency changes how many jobs a queue runs at once. Raising it
// starts workers; lowering it lets running jobs finish and keeps the surplus
// workers idle.
func (m *Manager) SetConcurrency(name string, n int) error {
	if n <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	qs, err := m.queue(name)
	if err != nil {
		return err
	}
	if qs.cfg.Concurrency == n {
		return nil
	}
	qs.cfg.Concurrency = n
	m.spawnLocked(qs)
	qs.poke()
	logging.Op().Info("queue concurrency changed", "queue", name, "concurrency", n)
	return nil
}

func (m *Manager) spawnLocked(qs *queueState) {
	for ; qs.workers < qs.cfg.Concurrency; qs.workers++ {
		m.wg.Add(1)
		go m.worker(qs)
	}
}

// Queues returns the configuration of every queue, sorted by name.
func (m *Manager) Queues() []domain.QueueConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.QueueConfig, 0, len(m.queues))
	for _, qs := range m.queues {
		out = append(out, qs.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) queue(name string) (*queueState, error) {
	qs, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return qs, nil
}

// Handle binds a handler to a job type on a queue, replacing any previous one.
func (m *Manager) Handle(queueName, jobType string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, err := m.queue(queueName)
	if err != nil {
		return err
	}
	qs.handlers[jobType] = h
	return nil
}

// RemoveHandler unbinds a job type. Jobs of that type fail when picked up.
func (m *Manager) RemoveHandler(queueName, jobType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs, ok := m.queues[queueName]; ok {
		delete(qs.handlers, jobType)
	}
}

// AddJob enqueues a job and returns its id. A job whose explicit id is
// already known is not enqueued twice; its id is returned as is.
func (m *Manager) AddJob(ctx context.Context, queueName string, data domain.JobData, priority domain.Priority) (string, error) {
	if data.Type == "" {
		return "", ErrInvalidJobType
	}
	prio, err := domain.ParsePriority(string(priority))
	if err != nil {
		return "", err
	}
	if data.ID == "" {
		data.ID = uuid.New().String()
	}
	now := time.Now()
	if data.CreatedAt.IsZero() {
		data.CreatedAt = now
	}
	if data.Trace == nil {
		data.Trace = observability.InjectCarrier(ctx)
	}
	data.Payload = domain.CloneMap(data.Payload)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	qs, err := m.queue(queueName)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if _, exists := m.jobs[data.ID]; exists {
		m.mu.Unlock()
		return data.ID, nil
	}

	maxAttempts := qs.cfg.RetryConfig.MaxRetries + 1
	if data.Options != nil && data.Options.Attempts > 0 {
		maxAttempts = data.Options.Attempts
	}
	rec := &jobRecord{
		index: -1,
		status: domain.JobStatus{
			ID:          data.ID,
			Queue:       queueName,
			Type:        data.Type,
			State:       domain.JobWaiting,
			Priority:    prio,
			MaxAttempts: maxAttempts,
			Data:        data,
			CreatedAt:   data.CreatedAt,
		},
	}
	m.jobs[data.ID] = rec

	if data.Options != nil && data.Options.Delay > 0 {
		rec.status.State = domain.JobDelayed
		m.scheduleLocked(qs, rec, data.Options.Delay)
	} else {
		m.enqueueLocked(qs, rec)
	}
	snapshot := rec.status
	m.mu.Unlock()

	m.persist(&snapshot)
	if snapshot.State == domain.JobWaiting {
		m.signal(queueName)
	}
	return data.ID, nil
}

func (m *Manager) enqueueLocked(qs *queueState, rec *jobRecord) {
	m.seq++
	rec.seq = m.seq
	rec.status.State = domain.JobWaiting
	heap.Push(&qs.waiting, rec)
	qs.poke()
}

func (m *Manager) scheduleLocked(qs *queueState, rec *jobRecord, delay time.Duration) {
	rec.timer = time.AfterFunc(delay, func() { m.promote(qs, rec) })
}

// promote moves a delayed job back to waiting.
func (m *Manager) promote(qs *queueState, rec *jobRecord) {
	m.mu.Lock()
	if m.closed || m.jobs[rec.status.ID] != rec || rec.status.State != domain.JobDelayed {
		m.mu.Unlock()
		return
	}
	rec.timer = nil
	m.enqueueLocked(qs, rec)
	snapshot := rec.status
	m.mu.Unlock()

	m.persist(&snapshot)
	m.signal(qs.cfg.Name)
}

func (m *Manager) signal(queueName string) {
	if err := m.notifier.Notify(m.ctx, queueName); err != nil {
		logging.Op().Warn("queue notify failed", "queue", queueName, "error", err)
	}
}

// GetJob returns the job with the given id from any queue, or nil when no
// such job exists.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if ok {
		st := m.viewLocked(rec)
		m.mu.Unlock()
		return &st, nil
	}
	m.mu.Unlock()

	return m.store.LoadJob(ctx, jobID)
}

func (m *Manager) viewLocked(rec *jobRecord) domain.JobStatus {
	st := rec.status
	st.Data.Payload = domain.CloneMap(st.Data.Payload)
	if st.State == domain.JobWaiting {
		if qs := m.queues[st.Queue]; qs != nil && qs.paused {
			st.State = domain.JobPaused
		}
	}
	return st
}

// ListJobs returns the jobs of a queue, oldest first, optionally filtered by
// state.
func (m *Manager) ListJobs(queueName string, states ...domain.JobState) ([]domain.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.queue(queueName); err != nil {
		return nil, err
	}
	var out []domain.JobStatus
	for _, rec := range m.jobs {
		if rec.status.Queue != queueName {
			continue
		}
		st := m.viewLocked(rec)
		if len(states) > 0 && !containsState(states, st.State) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsState(states []domain.JobState, s domain.JobState) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

// Done returns a channel closed once the job reaches a terminal state or is
// removed. It returns nil for unknown jobs.
func (m *Manager) Done(jobID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	ch, ok := m.done[jobID]
	if !ok {
		ch = make(chan struct{})
		if rec.status.State.IsTerminal() {
			close(ch)
			return ch
		}
		m.done[jobID] = ch
	}
	return ch
}

func (m *Manager) releaseLocked(jobID string) {
	if ch, ok := m.done[jobID]; ok {
		close(ch)
		delete(m.done, jobID)
	}
}

// RemoveJob deletes a job that is not currently running. It returns false
// when the job is unknown or active.
func (m *Manager) RemoveJob(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		stored, err := m.store.LoadJob(ctx, jobID)
		if err != nil || stored == nil || stored.State == domain.JobActive {
			return false, err
		}
		return true, m.store.DeleteJob(ctx, stored.Queue, jobID)
	}
	if rec.status.State == domain.JobActive {
		m.mu.Unlock()
		return false, nil
	}
	if qs := m.queues[rec.status.Queue]; qs != nil && rec.index >= 0 {
		heap.Remove(&qs.waiting, rec.index)
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	delete(m.jobs, jobID)
	m.releaseLocked(jobID)
	queueName := rec.status.Queue
	m.mu.Unlock()

	m.tracker.Reset(jobID)
	if err := m.store.DeleteJob(ctx, queueName, jobID); err != nil {
		return true, fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return true, nil
}

// RetryJob re-queues a failed job with a fresh attempt budget. It returns
// false when the job is unknown or not failed.
func (m *Manager) RetryJob(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if !ok || rec.status.State != domain.JobFailed {
		m.mu.Unlock()
		return false, nil
	}
	qs := m.queues[rec.status.Queue]
	rec.status.Attempts = 0
	rec.status.Progress = 0
	rec.status.FailReason = ""
	rec.status.Result = nil
	rec.status.ProcessedAt = nil
	rec.status.FinishedAt = nil
	m.enqueueLocked(qs, rec)
	snapshot := rec.status
	m.mu.Unlock()

	m.tracker.Reset(jobID)
	m.persist(&snapshot)
	m.signal(snapshot.Queue)
	return true, nil
}

// GetQueueStats counts the jobs of one queue per state.
func (m *Manager) GetQueueStats(queueName string) (domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.queue(queueName); err != nil {
		return domain.QueueStats{}, err
	}
	return m.statsLocked(queueName), nil
}

// GetAllQueueStats returns per-queue stats, sorted by queue name.
func (m *Manager) GetAllQueueStats() []domain.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.QueueStats, 0, len(m.queues))
	for name := range m.queues {
		out = append(out, m.statsLocked(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetSystemStats sums the stats of every queue.
func (m *Manager) GetSystemStats() domain.QueueStats {
	var total domain.QueueStats
	for _, s := range m.GetAllQueueStats() {
		total.Add(s)
	}
	return total
}

func (m *Manager) statsLocked(queueName string) domain.QueueStats {
	stats := domain.QueueStats{Name: queueName}
	for _, rec := range m.jobs {
		if rec.status.Queue != queueName {
			continue
		}
		switch m.viewLocked(rec).State {
		case domain.JobWaiting:
			stats.Waiting++
		case domain.JobActive:
			stats.Active++
		case domain.JobCompleted:
			stats.Completed++
		case domain.JobFailed:
			stats.Failed++
		case domain.JobDelayed:
			stats.Delayed++
		case domain.JobPaused:
			stats.Paused++
		}
	}
	return stats
}

// PauseQueue stops dispatch on a queue. Running jobs finish; waiting jobs
// stay queued and report as paused.
func (m *Manager) PauseQueue(queueName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, err := m.queue(queueName)
	if err != nil {
		return err
	}
	qs.paused = true
	return nil
}

// ResumeQueue restarts dispatch on a paused queue.
func (m *Manager) ResumeQueue(queueName string) error {
	m.mu.Lock()
	qs, err := m.queue(queueName)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	qs.paused = false
	qs.poke()
	m.mu.Unlock()
	m.signal(queueName)
	return nil
}

// PauseAllQueues pauses every queue.
func (m *Manager) PauseAllQueues() {
	for _, q := range m.Queues() {
		_ = m.PauseQueue(q.Name)
	}
}

// ResumeAllQueues resumes every queue.
func (m *Manager) ResumeAllQueues() {
	for _, q := range m.Queues() {
		_ = m.ResumeQueue(q.Name)
	}
}

// IsPaused reports whether dispatch on the queue is paused.
func (m *Manager) IsPaused(queueName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queues[queueName]
	return ok && qs.paused
}

// OnJobProgress registers a progress listener on a queue.
func (m *Manager) OnJobProgress(queueName string, fn ProgressListener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, err := m.queue(queueName)
	if err != nil {
		return err
	}
	qs.onProgress = append(qs.onProgress, fn)
	return nil
}

// OnJobCompleted registers a listener for successfully completed jobs.
func (m *Manager) OnJobCompleted(queueName string, fn CompletedListener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, err := m.queue(queueName)
	if err != nil {
		return err
	}
	qs.onCompleted = append(qs.onCompleted, fn)
	return nil
}

// OnJobFailed registers a listener for jobs that exhausted their attempts.
// Attempts that are retried do not fire it.
func (m *Manager) OnJobFailed(queueName string, fn FailedListener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, err := m.queue(queueName)
	if err != nil {
		return err
	}
	qs.onFailed = append(qs.onFailed, fn)
	return nil
}

// Recover loads unfinished jobs of every known queue from the store and puts
// them back in line. Jobs that were active when the previous process stopped
// are treated as interrupted and run again. It returns the number of jobs
// re-queued.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	requeued := 0
	for _, q := range m.Queues() {
		jobs, err := m.store.ListJobs(ctx, q.Name)
		if err != nil {
			return requeued, fmt.Errorf("list jobs of %s: %w", q.Name, err)
		}
		var touched []domain.JobStatus
		m.mu.Lock()
		qs := m.queues[q.Name]
		for _, st := range jobs {
			if _, ok := m.jobs[st.ID]; ok {
				continue
			}
			rec := &jobRecord{status: *st, index: -1}
			m.jobs[st.ID] = rec
			switch st.State {
			case domain.JobCompleted:
				qs.completedOrder = append(qs.completedOrder, st.ID)
			case domain.JobFailed:
				qs.failedOrder = append(qs.failedOrder, st.ID)
			default:
				m.enqueueLocked(qs, rec)
				touched = append(touched, rec.status)
				requeued++
			}
		}
		m.mu.Unlock()

		for i := range touched {
			m.persist(&touched[i])
		}
		if len(touched) > 0 {
			m.signal(q.Name)
		}
	}
	if requeued > 0 {
		logging.Op().Info("recovered queued jobs", "count", requeued)
	}
	return requeued, nil
}

// Close stops all workers and pending retry timers. Jobs still running are
// left active in the store so Recover can pick them up. The store and the
// notifier are not closed.
func (m *Manager) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		for _, rec := range m.jobs {
			if rec.timer != nil {
				rec.timer.Stop()
				rec.timer = nil
			}
		}
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()
		m.tracker.Close()
	})
	return nil
}

func (m *Manager) persist(st *domain.JobStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveJob(ctx, st); err != nil {
		logging.Op().Warn("persist job failed", "queue", st.Queue, "job", st.ID, "error", err)
	}
}
