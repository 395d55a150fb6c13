package triggers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
)

// Defaults fill unset WatcherConfig fields.
type Defaults struct {
	PollInterval time.Duration
	EventsPerSec float64
	Burst        int
}

// Manager owns the running file watchers of one engine.
type Manager struct {
	handler  Handler
	defaults Defaults
	watchers map[string]*Watcher
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates a watcher manager delivering every event to handler.
func NewManager(handler Handler, defaults Defaults) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		handler:  handler,
		defaults: defaults,
		watchers: make(map[string]*Watcher),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add creates and starts a watcher.
func (m *Manager) Add(cfg WatcherConfig) (domain.FileWatcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = m.defaults.PollInterval
	}
	if cfg.EventsPerSec <= 0 {
		cfg.EventsPerSec = m.defaults.EventsPerSec
		if cfg.Burst <= 0 {
			cfg.Burst = m.defaults.Burst
		}
	}

	w, err := NewWatcher(cfg, m.handler)
	if err != nil {
		return domain.FileWatcher{}, err
	}
	if err := w.Start(m.ctx); err != nil {
		return domain.FileWatcher{}, fmt.Errorf("start watcher: %w", err)
	}

	m.mu.Lock()
	m.watchers[w.info.ID] = w
	m.mu.Unlock()
	return w.Info(), nil
}

// Remove stops and forgets a watcher.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	w, ok := m.watchers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWatcherNotFound, id)
	}
	delete(m.watchers, id)
	m.mu.Unlock()

	if err := w.Stop(); err != nil {
		logging.Op().Warn("failed to stop watcher", "watcher", id, "error", err)
	}
	return nil
}

// RemoveForWorkflow stops every watcher bound to a workflow and returns how
// many were removed.
func (m *Manager) RemoveForWorkflow(workflowID string) int {
	m.mu.Lock()
	var stop []*Watcher
	for id, w := range m.watchers {
		if w.info.WorkflowID == workflowID {
			stop = append(stop, w)
			delete(m.watchers, id)
		}
	}
	m.mu.Unlock()

	for _, w := range stop {
		if err := w.Stop(); err != nil {
			logging.Op().Warn("failed to stop watcher", "watcher", w.info.ID, "error", err)
		}
	}
	return len(stop)
}

// Get returns one watcher's description.
func (m *Manager) Get(id string) (domain.FileWatcher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[id]
	if !ok {
		return domain.FileWatcher{}, fmt.Errorf("%w: %s", ErrWatcherNotFound, id)
	}
	return w.Info(), nil
}

// List returns the watchers of a workflow, or all watchers when workflowID is
// empty, oldest first.
func (m *Manager) List(workflowID string) []domain.FileWatcher {
	m.mu.RLock()
	out := make([]domain.FileWatcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		if workflowID == "" || w.info.WorkflowID == workflowID {
			out = append(out, w.Info())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// WatcherStatus is the runtime state of a watcher.
type WatcherStatus struct {
	WatcherID string    `json:"watcher_id"`
	Healthy   bool      `json:"healthy"`
	Files     int       `json:"files"`
	LastScan  time.Time `json:"last_scan"`
}

// Status reports the runtime state of one watcher.
func (m *Manager) Status(id string) (*WatcherStatus, error) {
	m.mu.RLock()
	w, ok := m.watchers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWatcherNotFound, id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return &WatcherStatus{
		WatcherID: id,
		Healthy:   w.running,
		Files:     len(w.snapshot),
		LastScan:  w.lastScan,
	}, nil
}

// Shutdown stops all watchers.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	all := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for id, w := range all {
		if err := w.Stop(); err != nil {
			logging.Op().Warn("failed to stop watcher during shutdown", "watcher", id, "error", err)
		}
	}
	logging.Op().Info("file watchers shut down", "count", len(all))
}
