// Package triggers turns filesystem changes into workflow trigger events.
package triggers

import (
	"context"
	"errors"
	"time"
)

var (
	ErrWatcherNotFound = errors.New("file watcher not found")
	ErrInvalidPattern  = errors.New("invalid file pattern")
)

// EventType is the kind of filesystem change observed.
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
)

// FileEvent is a single change seen by a watcher.
type FileEvent struct {
	WatcherID  string    `json:"watcher_id"`
	WorkflowID string    `json:"workflow_id"`
	Type       EventType `json:"event_type"`
	WatchPath  string    `json:"watch_path"`
	// Path is the absolute path of the changed file.
	Path string `json:"path"`
	// Filename is Path relative to WatchPath, slash separated.
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives matching events. A returned error is logged by the
// watcher and otherwise ignored.
type Handler func(ctx context.Context, event FileEvent) error
