// Package jobtracker keeps the latest progress report of running queue jobs.
package jobtracker

import (
	"context"
	"sync"
	"time"
)

const (
	defaultTTL = 30 * time.Minute
	maxTracked = 10000
)

// Progress is the last progress report of a job.
type Progress struct {
	JobID     string    `json:"job_id"`
	Percent   int       `json:"percent"` // 0-100
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker maintains in-memory progress for jobs. Entries not updated within
// the TTL are dropped by a background sweep.
type Tracker struct {
	mu       sync.RWMutex
	progress map[string]*Progress
	ttl      time.Duration
	stop     context.CancelFunc
}

// New creates a tracker and starts its sweeper. Call Close to stop it.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ctx, stop := context.WithCancel(context.Background())
	t := &Tracker{progress: make(map[string]*Progress), ttl: ttl, stop: stop}
	go t.sweepLoop(ctx)
	return t
}

// Update records progress for a job, clamping percent to 0..100.
// Progress never moves backwards; a lower value only refreshes the message.
func (t *Tracker) Update(jobID string, percent int, message string) Progress {
	percent = min(max(percent, 0), 100)

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.progress[jobID]
	if !ok {
		if len(t.progress) >= maxTracked {
			return Progress{JobID: jobID, Percent: percent, Message: message, UpdatedAt: time.Now()}
		}
		p = &Progress{JobID: jobID}
		t.progress[jobID] = p
	}
	p.Percent = max(p.Percent, percent)
	if message != "" {
		p.Message = message
	}
	p.UpdatedAt = time.Now()
	return *p
}

// Get returns the progress for a job, or nil if not tracked.
func (t *Tracker) Get(jobID string) *Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.progress[jobID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Percent returns the tracked percent or 0.
func (t *Tracker) Percent(jobID string) int {
	if p := t.Get(jobID); p != nil {
		return p.Percent
	}
	return 0
}

// Reset clears a job's progress, e.g. before a retry attempt.
func (t *Tracker) Reset(jobID string) {
	t.mu.Lock()
	delete(t.progress, jobID)
	t.mu.Unlock()
}

// Len reports the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.progress)
}

// Close stops the sweeper. It is safe to call more than once.
func (t *Tracker) Close() { t.stop() }

func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.progress {
		if now.Sub(p.UpdatedAt) > t.ttl {
			delete(t.progress, id)
		}
	}
}
