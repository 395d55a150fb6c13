// Package logging holds orbit's two log streams: the operational slog
// logger shared by every component, and the per-execution audit log.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	opLevel  = new(slog.LevelVar)
)

func init() {
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opLevel})))
}

// Op returns the operational logger used by the engine, queues and triggers.
func Op() *slog.Logger {
	return opLogger.Load()
}

// ParseLevel maps debug, info, warn(ing) and error, in any case, to a slog
// level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// InitStructured reconfigures the operational logger on stderr. format is
// "text" or "json"; an unknown level leaves the current one in place.
func InitStructured(format, level string) {
	InitStructuredTo(os.Stderr, format, level)
}

// InitStructuredTo is InitStructured with an explicit destination.
func InitStructuredTo(w io.Writer, format, level string) {
	if lv, ok := ParseLevel(level); ok {
		opLevel.Set(lv)
	}
	opts := &slog.HandlerOptions{Level: opLevel}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	opLogger.Store(slog.New(h))
}

// ForExecution binds the workflow and, when set, the execution id.
func ForExecution(workflowID, executionID string) *slog.Logger {
	if executionID == "" {
		return Op().With("workflow", workflowID)
	}
	return Op().With("workflow", workflowID, "execution", executionID)
}

// ForJob binds a queue job.
func ForJob(queue, jobID, jobType string) *slog.Logger {
	return Op().With("queue", queue, "job", jobID, "type", jobType)
}

// Discard silences the operational logger. Intended for tests.
func Discard() {
	opLogger.Store(slog.New(slog.DiscardHandler))
}
