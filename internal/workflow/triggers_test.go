package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/triggers"
)

func waitForExecutions(t *testing.T, e *Engine, workflowID string, n int) []*domain.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		execs, err := e.GetExecutionHistory(context.Background(), workflowID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(execs) >= n {
			return execs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach %d executions", workflowID, n)
	return nil
}

func TestFileWatcherStartsExecution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateWorkflow(ctx, linearWorkflow("inbox")); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	w, err := e.AddFileWatcher(ctx, "inbox", dir, FileWatchOptions{FilePattern: `\.pdf$`, PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("AddFileWatcher: %v", err)
	}
	if got := e.ListFileWatchers("inbox"); len(got) != 1 || got[0].ID != w.ID {
		t.Fatalf("watchers = %+v", got)
	}
	status, err := e.FileWatcherStatus(w.ID)
	if err != nil || !status.Healthy {
		t.Fatalf("status = %+v, %v", status, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}

	exec := waitForExecutions(t, e, "inbox", 1)[0]
	if exec.TriggerType != domain.TriggerFileWatch {
		t.Fatalf("trigger = %s", exec.TriggerType)
	}
	if exec.Input["filePath"] != filepath.Join(dir, "report.pdf") {
		t.Fatalf("input = %v", exec.Input)
	}
	if exec.Context["trigger"] != "file-watch" || exec.Context["eventType"] != string(triggers.EventCreate) || exec.Context["filename"] != "report.pdf" {
		t.Fatalf("context = %v", exec.Context)
	}
	waitForStatus(t, e, exec.ID, domain.ExecutionCompleted)

	time.Sleep(100 * time.Millisecond)
	if execs, _ := e.GetExecutionHistory(ctx, "inbox", 0); len(execs) != 1 {
		t.Fatalf("ignored file triggered an execution: %d executions", len(execs))
	}

	if err := e.RemoveFileWatcher(w.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveFileWatcher(w.ID); !errors.Is(err, triggers.ErrWatcherNotFound) {
		t.Fatalf("second remove err = %v", err)
	}
}

func TestAddFileWatcherValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.AddFileWatcher(ctx, "missing", t.TempDir(), FileWatchOptions{}); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("unknown workflow err = %v", err)
	}
	if _, err := e.CreateWorkflow(ctx, linearWorkflow("w")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddFileWatcher(ctx, "w", t.TempDir(), FileWatchOptions{FilePattern: "("}); !errors.Is(err, triggers.ErrInvalidPattern) {
		t.Fatalf("bad pattern err = %v", err)
	}
	if _, err := e.AddFileWatcher(ctx, "w", filepath.Join(t.TempDir(), "nope"), FileWatchOptions{}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestDeclaredTriggersFollowEnabled(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	def := linearWorkflow("declared")
	def.Triggers = []domain.Trigger{
		{Type: domain.TriggerManual},
		{Type: domain.TriggerCron, Config: map[string]any{"expression": "@hourly"}},
		{Type: domain.TriggerFileWatch, Config: map[string]any{"path": t.TempDir(), "recursive": true}},
	}
	if _, err := e.CreateWorkflow(ctx, def); err != nil {
		t.Fatal(err)
	}
	if len(e.ListScheduledWorkflows()) != 1 || len(e.ListFileWatchers("declared")) != 1 {
		t.Fatalf("scheduled = %d watchers = %d", len(e.ListScheduledWorkflows()), len(e.ListFileWatchers("declared")))
	}
	if !e.ListFileWatchers("declared")[0].Recursive {
		t.Fatal("recursive flag not applied")
	}

	if _, err := e.EnableWorkflow(ctx, "declared", false); err != nil {
		t.Fatal(err)
	}
	if len(e.ListScheduledWorkflows()) != 0 || len(e.ListFileWatchers("declared")) != 0 {
		t.Fatal("disabled workflow kept its triggers")
	}

	if _, err := e.EnableWorkflow(ctx, "declared", true); err != nil {
		t.Fatal(err)
	}
	if len(e.ListScheduledWorkflows()) != 1 || len(e.ListFileWatchers("declared")) != 1 {
		t.Fatal("enabled workflow did not get its triggers back")
	}

	if err := e.DeleteWorkflow(ctx, "declared"); err != nil {
		t.Fatal(err)
	}
	if len(e.ListScheduledWorkflows()) != 0 || len(e.ListFileWatchers("")) != 0 {
		t.Fatal("deleted workflow kept its triggers")
	}
}

func TestDeleteWorkflowCancelsRunningExecutions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	g := newGate("first", "second")
	e.Executor().RegisterStepHandler("gate", g.handler)
	if _, err := e.CreateWorkflow(ctx, gatedWorkflow("doomed")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddFileWatcher(ctx, "doomed", t.TempDir(), FileWatchOptions{}); err != nil {
		t.Fatal(err)
	}
	id, err := e.ExecuteWorkflowAsync(ctx, "doomed", nil, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	g.waitEntered(t, "first")

	if err := e.DeleteWorkflow(ctx, "doomed"); err != nil {
		t.Fatal(err)
	}
	exec, err := e.GetWorkflowExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecutionCancelled {
		t.Fatalf("status = %s", exec.Status)
	}
	if len(e.ListFileWatchers("doomed")) != 0 {
		t.Fatal("watcher survived delete")
	}
	close(g.release["first"])
	waitForJob(t, e, exec.JobID)
	if g.calls.Load() != 1 {
		t.Fatal("second step ran after delete")
	}
}
