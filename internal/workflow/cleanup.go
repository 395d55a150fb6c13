package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/store"
)

var terminalStatuses = []domain.ExecutionStatus{
	domain.ExecutionCompleted,
	domain.ExecutionFailed,
	domain.ExecutionCancelled,
}

// Archiver receives execution records before they are removed.
type Archiver interface {
	Archive(ctx context.Context, workflowID string, execs []*domain.WorkflowExecution) error
}

// FileArchiver appends records as JSON lines to <Dir>/<workflow>.jsonl.
type FileArchiver struct {
	Dir string
	mu  sync.Mutex
}

func (a *FileArchiver) Archive(_ context.Context, workflowID string, execs []*domain.WorkflowExecution) error {
	if len(execs) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(a.Dir, filepath.Base(workflowID)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, x := range execs {
		if err := enc.Encode(x); err != nil {
			f.Close()
			return fmt.Errorf("write archive: %w", err)
		}
	}
	return f.Close()
}

// CleanupCompletedExecutions deletes terminal executions created before
// now-olderThan and returns how many were removed.
func (e *Engine) CleanupCompletedExecutions(ctx context.Context, olderThan time.Duration) (int, error) {
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses:      terminalStatuses,
		CreatedBefore: time.Now().Add(-olderThan),
	})
	if err != nil {
		return 0, err
	}
	n, err := e.deleteExecutions(ctx, execs)
	if n > 0 {
		logging.Op().Info("executions cleaned up", "removed", n, "older_than", olderThan)
	}
	return n, err
}

// ArchiveWorkflowData moves one workflow's terminal executions created
// before now-olderThan to the archiver, when one is configured, and removes
// them from the store.
func (e *Engine) ArchiveWorkflowData(ctx context.Context, workflowID string, olderThan time.Duration) (int, error) {
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID:    workflowID,
		Statuses:      terminalStatuses,
		CreatedBefore: time.Now().Add(-olderThan),
	})
	if err != nil {
		return 0, err
	}
	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, workflowID, execs); err != nil {
			return 0, fmt.Errorf("archive workflow %s: %w", workflowID, err)
		}
	}
	n, err := e.deleteExecutions(ctx, execs)
	if n > 0 {
		logging.Op().Info("executions archived", "workflow", workflowID, "removed", n, "archived", e.archiver != nil)
	}
	return n, err
}

func (e *Engine) deleteExecutions(ctx context.Context, execs []*domain.WorkflowExecution) (int, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	n := 0
	for _, x := range execs {
		err := e.store.DeleteExecution(ctx, x.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("delete execution %s: %w", x.ID, err)
		}
		n++
	}
	return n, nil
}
