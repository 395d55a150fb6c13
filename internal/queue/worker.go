package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/observability"
)

func (m *Manager) worker(qs *queueState) {
	defer m.wg.Done()

	wake := m.notifier.Subscribe(m.ctx, qs.cfg.Name)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		for {
			if m.ctx.Err() != nil {
				return
			}
			rec, snapshot := m.acquire(qs)
			if rec == nil {
				break
			}
			m.persist(&snapshot)
			m.process(qs, rec, snapshot)
			m.release(qs)
		}

		select {
		case <-m.ctx.Done():
			return
		case <-qs.wake:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
		}
	}
}

// acquire pops the highest-priority waiting job and marks it active.
func (m *Manager) acquire(qs *queueState) (*jobRecord, domain.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || qs.paused || qs.waiting.Len() == 0 || qs.active >= qs.cfg.Concurrency {
		return nil, domain.JobStatus{}
	}
	rec := heap.Pop(&qs.waiting).(*jobRecord)
	qs.active++
	now := time.Now()
	rec.status.State = domain.JobActive
	rec.status.Attempts++
	rec.status.ProcessedAt = &now
	if qs.waiting.Len() > 0 {
		qs.poke()
	}
	return rec, rec.status
}

// release frees the slot taken by acquire.
func (m *Manager) release(qs *queueState) {
	m.mu.Lock()
	qs.active--
	if qs.waiting.Len() > 0 {
		qs.poke()
	}
	m.mu.Unlock()
}

func (m *Manager) process(qs *queueState, rec *jobRecord, st domain.JobStatus) {
	log := logging.ForJob(st.Queue, st.ID, st.Type)

	m.mu.Lock()
	handler := qs.handlers[st.Type]
	m.mu.Unlock()

	ctx := observability.ExtractCarrier(m.ctx, st.Data.Trace)
	ctx, span := observability.StartConsumerSpan(ctx, "orbit.job.process",
		observability.AttrQueue.String(st.Queue),
		observability.AttrJobID.String(st.ID),
		observability.AttrJobType.String(st.Type),
		observability.AttrAttempt.Int(st.Attempts),
	)
	defer span.End()

	started := time.Now()
	if handler == nil {
		err := fmt.Errorf("no processor registered for job type %q on queue %s", st.Type, st.Queue)
		observability.SetSpanError(span, err)
		m.finish(qs, rec, nil, err, started, true)
		return
	}

	var timeout time.Duration
	if st.Data.Options != nil {
		timeout = st.Data.Options.Timeout
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	job := &Job{
		ID:          st.ID,
		Queue:       st.Queue,
		Type:        st.Type,
		Payload:     domain.CloneMap(st.Data.Payload),
		Attempt:     st.Attempts,
		MaxAttempts: st.MaxAttempts,
		CreatedAt:   st.CreatedAt,
	}
	job.progress = func(percent int, message string) { m.reportProgress(qs, rec, percent, message) }

	result, err := invoke(runCtx, handler, job)
	if m.ctx.Err() != nil {
		// shutting down; the job stays active in the store for Recover
		log.Info("job interrupted by shutdown")
		return
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
		err = fmt.Errorf("job timed out after %s", timeout)
	}
	if err != nil {
		observability.SetSpanError(span, err)
		log.Warn("job attempt failed", "attempt", st.Attempts, "max_attempts", st.MaxAttempts, "error", err)
	} else {
		observability.SetSpanOK(span)
	}
	m.finish(qs, rec, result, err, started, false)
}

// invoke runs the handler, converting panics into errors and abandoning the
// handler when ctx ends first.
func invoke(ctx context.Context, h Handler, job *Job) (any, error) {
	type outcome struct {
		val any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("job handler panic", "queue", job.Queue, "job", job.ID, "panic", r, "stack", string(debug.Stack()))
				ch <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		v, err := h(ctx, job)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) reportProgress(qs *queueState, rec *jobRecord, percent int, message string) {
	p := m.tracker.Update(rec.status.ID, percent, message)

	m.mu.Lock()
	if m.jobs[rec.status.ID] == rec && rec.status.State == domain.JobActive {
		rec.status.Progress = p.Percent
	}
	listeners := append([]ProgressListener(nil), qs.onProgress...)
	m.mu.Unlock()

	for _, fn := range listeners {
		safeCall(func() { fn(p.JobID, p.Percent, p.Message) })
	}
}

// finish records the outcome of an attempt: completed, delayed for a retry,
// or failed for good.
func (m *Manager) finish(qs *queueState, rec *jobRecord, result any, runErr error, started time.Time, final bool) {
	now := time.Now()
	duration := now.Sub(started).Milliseconds()

	m.mu.Lock()
	if m.jobs[rec.status.ID] != rec {
		m.mu.Unlock()
		return
	}
	st := &rec.status
	var (
		completed   []CompletedListener
		failed      []FailedListener
		evicted     []string
		retryDelay  time.Duration
		retryQueued bool
	)
	switch {
	case runErr == nil:
		st.State = domain.JobCompleted
		st.Progress = 100
		st.FailReason = ""
		st.FinishedAt = &now
		st.Result = &domain.JobResult{Success: true, Data: result, DurationMs: duration, CompletedAt: now}
		qs.completedOrder = append(qs.completedOrder, st.ID)
		evicted = m.trimLocked(qs, &qs.completedOrder, domain.JobCompleted, qs.cfg.RemoveOnComplete)
		completed = append(completed, qs.onCompleted...)
		m.releaseLocked(st.ID)
	case !final && st.Attempts < st.MaxAttempts:
		st.State = domain.JobDelayed
		st.FailReason = runErr.Error()
		retryDelay = Backoff(qs.cfg.RetryConfig, st.Attempts)
		if retryDelay > 0 {
			m.scheduleLocked(qs, rec, retryDelay)
		} else {
			m.enqueueLocked(qs, rec)
			retryQueued = true
		}
	default:
		st.State = domain.JobFailed
		st.FailReason = runErr.Error()
		st.FinishedAt = &now
		st.Result = &domain.JobResult{Success: false, Error: runErr.Error(), DurationMs: duration, CompletedAt: now}
		qs.failedOrder = append(qs.failedOrder, st.ID)
		evicted = m.trimLocked(qs, &qs.failedOrder, domain.JobFailed, qs.cfg.RemoveOnFail)
		failed = append(failed, qs.onFailed...)
		m.releaseLocked(st.ID)
	}
	snapshot := *st
	m.mu.Unlock()

	m.persist(&snapshot)
	for _, id := range evicted {
		m.tracker.Reset(id)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.DeleteJob(ctx, qs.cfg.Name, id); err != nil {
			logging.Op().Warn("evict job failed", "queue", qs.cfg.Name, "job", id, "error", err)
		}
		cancel()
	}

	switch snapshot.State {
	case domain.JobCompleted:
		m.tracker.Reset(snapshot.ID)
		for _, fn := range completed {
			safeCall(func() { fn(snapshot) })
		}
	case domain.JobFailed:
		m.tracker.Reset(snapshot.ID)
		logging.ForJob(snapshot.Queue, snapshot.ID, snapshot.Type).Error("job failed", "attempts", snapshot.Attempts, "error", snapshot.FailReason)
		for _, fn := range failed {
			safeCall(func() { fn(snapshot, snapshot.FailReason) })
		}
	case domain.JobDelayed, domain.JobWaiting:
		logging.ForJob(snapshot.Queue, snapshot.ID, snapshot.Type).Debug("job retry scheduled", "attempt", snapshot.Attempts, "delay", retryDelay)
		if retryQueued {
			m.signal(snapshot.Queue)
		}
	}
}

// trimLocked drops the oldest finished jobs beyond keep and returns their ids.
func (m *Manager) trimLocked(qs *queueState, order *[]string, state domain.JobState, keep int) []string {
	if keep <= 0 {
		return nil
	}
	// entries may be stale after RemoveJob or RetryJob
	seen := make(map[string]bool, len(*order))
	live := (*order)[:0]
	for _, id := range *order {
		if rec, ok := m.jobs[id]; ok && rec.status.State == state && !seen[id] {
			seen[id] = true
			live = append(live, id)
		}
	}
	*order = live
	if len(live) <= keep {
		return nil
	}
	n := len(live) - keep
	evicted := append([]string(nil), live[:n]...)
	for _, id := range evicted {
		delete(m.jobs, id)
	}
	*order = append(live[:0], live[n:]...)
	return evicted
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("queue listener panic", "panic", r)
		}
	}()
	fn()
}
