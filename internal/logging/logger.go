package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ExecutionRecord is a single finished-execution audit entry.
type ExecutionRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	Trigger     string    `json:"trigger,omitempty"`
	Status      string    `json:"status"`
	DurationMs  int64     `json:"duration_ms"`
	Steps       int       `json:"steps"`
	Error       string    `json:"error,omitempty"`
	RetryOf     string    `json:"retry_of,omitempty"`
}

// ExecutionLogger writes one line per finished execution: a human-readable
// line on the console and a JSON line in the optional file.
type ExecutionLogger struct {
	mu      sync.Mutex
	file    *os.File
	console io.Writer
}

// NewExecutionLogger creates a logger writing to console (nil disables it).
func NewExecutionLogger(console io.Writer) *ExecutionLogger {
	return &ExecutionLogger{console: console}
}

// SetOutput sets the JSON-lines file.
func (l *ExecutionLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Log writes an entry. The timestamp is filled in when zero.
func (l *ExecutionLogger) Log(entry *ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console != nil {
		mark := "✓"
		if entry.Status != "completed" {
			mark = "✗"
		}
		retry := ""
		if entry.RetryOf != "" {
			retry = fmt.Sprintf(" [retry-of:%s]", entry.RetryOf)
		}
		fmt.Fprintf(l.console, "[execution] %s %s %s %s %dms%s\n",
			mark, entry.ExecutionID, entry.WorkflowID, entry.Status, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Fprintf(l.console, "[execution]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *ExecutionLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
