package triggers

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"golang.org/x/time/rate"
)

// WatcherConfig describes a filesystem trigger.
type WatcherConfig struct {
	WorkflowID    string
	Path          string
	FilePattern   string // regexp, matched against the relative path
	IgnorePattern string // regexp, matched against the relative path
	Recursive     bool

	PollInterval time.Duration
	// EventsPerSec and Burst bound how many events the watcher hands to its
	// handler. Events over the limit are dropped.
	EventsPerSec float64
	Burst        int
}

type fileState struct {
	size    int64
	modTime time.Time
}

// Watcher polls a directory and reports created, modified and deleted files.
type Watcher struct {
	info    domain.FileWatcher
	include *regexp.Regexp
	exclude *regexp.Regexp
	handler Handler
	limiter *rate.Limiter
	poll    time.Duration

	mu       sync.Mutex
	running  bool
	snapshot map[string]fileState
	lastScan time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher validates cfg and prepares a watcher. Nothing is scanned until
// Start.
func NewWatcher(cfg WatcherConfig, handler Handler) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watch path is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch path %s is not a directory", abs)
	}

	w := &Watcher{
		info: domain.FileWatcher{
			ID:            uuid.NewString(),
			WorkflowID:    cfg.WorkflowID,
			WatchPath:     abs,
			FilePattern:   cfg.FilePattern,
			IgnorePattern: cfg.IgnorePattern,
			Recursive:     cfg.Recursive,
			CreatedAt:     time.Now(),
		},
		handler: handler,
		poll:    cfg.PollInterval,
	}
	if w.include, err = compilePattern(cfg.FilePattern); err != nil {
		return nil, err
	}
	if w.exclude, err = compilePattern(cfg.IgnorePattern); err != nil {
		return nil, err
	}
	if w.poll <= 0 {
		w.poll = 2 * time.Second
	}
	if cfg.EventsPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSec), burst)
	}
	return w, nil
}

func compilePattern(p string) (*regexp.Regexp, error) {
	if p == "" {
		return nil, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p, err)
	}
	return re, nil
}

// Info returns the watcher description.
func (w *Watcher) Info() domain.FileWatcher { return w.info }

// Start takes the baseline snapshot and begins polling. Files present at
// start do not produce events.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	snap, err := w.scan()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("initial scan of %s: %w", w.info.WatchPath, err)
	}
	w.snapshot = snap
	w.lastScan = time.Now()
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.pollLoop(ctx)
	logging.Op().Info("file watcher started", "watcher", w.info.ID, "workflow", w.info.WorkflowID, "path", w.info.WatchPath, "files", len(snap))
	return nil
}

// Stop halts polling and waits for an in-flight scan to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	logging.Op().Info("file watcher stopped", "watcher", w.info.ID)
	return nil
}

// IsHealthy reports whether the watcher is polling.
func (w *Watcher) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	snap, err := w.scan()
	if err != nil {
		logging.Op().Warn("file watcher scan failed", "watcher", w.info.ID, "path", w.info.WatchPath, "error", err)
		return
	}

	w.mu.Lock()
	prev := w.snapshot
	w.snapshot = snap
	w.lastScan = time.Now()
	w.mu.Unlock()

	for _, ev := range diff(prev, snap) {
		if ctx.Err() != nil {
			return
		}
		if !w.matches(ev.Filename) {
			continue
		}
		if w.limiter != nil && !w.limiter.Allow() {
			logging.Op().Warn("file event dropped by rate limit", "watcher", w.info.ID, "file", ev.Filename, "event", ev.Type)
			continue
		}
		ev.WatcherID = w.info.ID
		ev.WorkflowID = w.info.WorkflowID
		ev.WatchPath = w.info.WatchPath
		ev.Path = filepath.Join(w.info.WatchPath, filepath.FromSlash(ev.Filename))
		ev.Timestamp = time.Now()
		w.dispatch(ctx, ev)
	}
}

func (w *Watcher) dispatch(ctx context.Context, ev FileEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("file event handler panic", "watcher", w.info.ID, "file", ev.Filename, "panic", r)
		}
	}()
	if err := w.handler(ctx, ev); err != nil {
		logging.Op().Error("failed to handle file event", "watcher", w.info.ID, "workflow", w.info.WorkflowID, "file", ev.Filename, "event", ev.Type, "error", err)
	}
}

func (w *Watcher) matches(rel string) bool {
	if w.include != nil && !w.include.MatchString(rel) {
		return false
	}
	if w.exclude != nil && w.exclude.MatchString(rel) {
		return false
	}
	return true
}

// scan lists regular files under the watch path keyed by slash-separated
// relative path. Entries that vanish mid-walk are skipped.
func (w *Watcher) scan() (map[string]fileState, error) {
	root := w.info.WatchPath
	out := make(map[string]fileState)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && !w.info.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		out[filepath.ToSlash(rel)] = fileState{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return out, err
}

// diff compares two snapshots. Events are ordered by file name.
func diff(prev, next map[string]fileState) []FileEvent {
	var events []FileEvent
	for name, st := range next {
		old, ok := prev[name]
		switch {
		case !ok:
			events = append(events, FileEvent{Type: EventCreate, Filename: name, Size: st.size, ModTime: st.modTime})
		case old.size != st.size || !old.modTime.Equal(st.modTime):
			events = append(events, FileEvent{Type: EventModify, Filename: name, Size: st.size, ModTime: st.modTime})
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			events = append(events, FileEvent{Type: EventDelete, Filename: name})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Filename == events[j].Filename {
			return events[i].Type < events[j].Type
		}
		return events[i].Filename < events[j].Filename
	})
	return events
}
