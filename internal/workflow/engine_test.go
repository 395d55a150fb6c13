package workflow

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/config"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/eventbus"
	"github.com/oriys/orbit/internal/executor"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/processor"
	"github.com/oriys/orbit/internal/queue"
	"github.com/oriys/orbit/internal/scheduler"
	"github.com/oriys/orbit/internal/triggers"
)

func init() {
	logging.Discard()
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	m := queue.NewManager(queue.Config{PollInterval: 10 * time.Millisecond, Notifier: queue.NewChannelNotifier()})
	t.Cleanup(func() { m.Close() })

	e, err := New(Config{
		Engine: config.EngineConfig{
			MaxConcurrentWorkflows: 4,
			DefaultTimeout:         10 * time.Second,
			PollInterval:           10 * time.Millisecond,
			StepPollInterval:       5 * time.Millisecond,
			StepMaxWait:            5 * time.Second,
		},
		Queue: m,
		Collaborators: processor.Collaborators{
			Documents: processor.Passthrough,
			AI:        processor.Passthrough,
		},
		Watch: triggers.Defaults{PollInterval: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func linearWorkflow(id string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:      id,
		Name:    "Linear " + id,
		Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "extract", Name: "Extract", Type: executor.StepDocumentAnalysis},
			{ID: "analyze", Name: "Analyze", Type: executor.StepRequirementExtraction, Dependencies: []string{"extract"}},
			{ID: "summarize", Name: "Summarize", Type: executor.StepCommunicationGeneration, Dependencies: []string{"analyze"}},
		},
	}
}

// gate is a step handler that blocks until released.
type gate struct {
	mu       sync.Mutex
	entered  map[string]chan struct{}
	release  map[string]chan struct{}
	calls    atomic.Int32
	stepSeen []string
}

func newGate(ids ...string) *gate {
	g := &gate{entered: map[string]chan struct{}{}, release: map[string]chan struct{}{}}
	for _, id := range ids {
		g.entered[id] = make(chan struct{})
		g.release[id] = make(chan struct{})
	}
	return g
}

func (g *gate) handler(ctx context.Context, step domain.WorkflowStep, _ executor.StepContext) (*executor.StepResult, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.stepSeen = append(g.stepSeen, step.ID)
	g.mu.Unlock()
	close(g.entered[step.ID])
	select {
	case <-g.release[step.ID]:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &executor.StepResult{Success: true, Output: map[string]any{"step": step.ID}}, nil
}

func (g *gate) waitEntered(t *testing.T, id string) {
	t.Helper()
	select {
	case <-g.entered[id]:
	case <-time.After(5 * time.Second):
		t.Fatalf("step %s never started", id)
	}
}

func gatedWorkflow(id string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:      id,
		Name:    "Gated",
		Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "first", Name: "First", Type: "gate"},
			{ID: "second", Name: "Second", Type: "gate", Dependencies: []string{"first"}},
		},
	}
}

func waitForStatus(t *testing.T, e *Engine, id string, want domain.ExecutionStatus) *domain.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := e.GetWorkflowExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetWorkflowExecution: %v", err)
		}
		if exec.Status == want {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec, _ := e.GetWorkflowExecution(context.Background(), id)
	t.Fatalf("execution %s did not reach %s, last %+v", id, want, exec)
	return nil
}

func TestLinearWorkflowCompletes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateWorkflow(ctx, linearWorkflow("linear")); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	started := make(chan eventbus.Event, 1)
	completed := make(chan eventbus.Event, 1)
	defer e.OnWorkflowStart(func(ev eventbus.Event) { started <- ev })()
	defer e.OnWorkflowComplete(func(ev eventbus.Event) { completed <- ev })()

	exec, err := e.ExecuteWorkflowSync(ctx, "linear", map[string]any{"document": "spec.pdf"}, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflowSync: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted || exec.Progress != 100 {
		t.Fatalf("status = %s progress = %d", exec.Status, exec.Progress)
	}
	if !exec.Result.Success {
		t.Fatalf("result errors = %v", exec.Result.Errors)
	}
	if want := []string{"extract", "analyze", "summarize"}; !reflect.DeepEqual(exec.Result.StepOrder, want) {
		t.Fatalf("step order = %v, want %v", exec.Result.StepOrder, want)
	}
	for _, id := range []string{"extract", "analyze", "summarize"} {
		if _, ok := exec.Result.Output[id]; !ok {
			t.Fatalf("output missing step %s: %v", id, exec.Result.Output)
		}
	}
	summary := exec.Result.Output["summarize"].(map[string]any)
	if deps := summary["dependencies"].([]string); !reflect.DeepEqual(deps, []string{"analyze"}) {
		t.Fatalf("summarize saw previous results %v", deps)
	}
	if summary["task"] != executor.StepCommunicationGeneration {
		t.Fatalf("summarize task = %v", summary["task"])
	}
	if exec.TriggerType != domain.TriggerManual || exec.JobID == "" {
		t.Fatalf("trigger = %s job = %q", exec.TriggerType, exec.JobID)
	}

	for name, ch := range map[string]chan eventbus.Event{"start": started, "complete": completed} {
		select {
		case ev := <-ch:
			if ev.ExecutionID != exec.ID {
				t.Fatalf("%s event for %s, want %s", name, ev.ExecutionID, exec.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", name)
		}
	}
}

func TestParallelFanOutCompletes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	n := 3
	if _, err := e.UpdateConfig(ConfigUpdate{StepFanOut: &n}); err != nil {
		t.Fatal(err)
	}
	def := &domain.WorkflowDefinition{
		ID: "diamond", Name: "Diamond", Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "root", Name: "Root", Type: executor.StepDocumentAnalysis},
			{ID: "left", Name: "Left", Type: executor.StepEstimation, Dependencies: []string{"root"}},
			{ID: "right", Name: "Right", Type: executor.StepCodebaseAnalysis, Dependencies: []string{"root"}},
			{ID: "join", Name: "Join", Type: executor.StepCommunicationGeneration, Dependencies: []string{"left", "right"}},
		},
	}
	if _, err := e.CreateWorkflow(ctx, def); err != nil {
		t.Fatal(err)
	}
	exec, err := e.ExecuteWorkflowSync(ctx, "diamond", nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflowSync: %v", err)
	}
	order := exec.Result.StepOrder
	if len(order) != 4 || order[0] != "root" || order[3] != "join" {
		t.Fatalf("step order = %v", order)
	}
	join := exec.Result.Output["join"].(map[string]any)
	if deps := join["dependencies"].([]string); !reflect.DeepEqual(deps, []string{"left", "right"}) {
		t.Fatalf("join saw %v", deps)
	}
}

func TestCircularWorkflowIsRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	def := &domain.WorkflowDefinition{
		ID: "loop", Name: "Loop", Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Name: "A", Type: executor.StepNotification, Dependencies: []string{"b"}},
			{ID: "b", Name: "B", Type: executor.StepNotification, Dependencies: []string{"a"}},
		},
	}

	res := e.ValidateWorkflow(def)
	if res.Valid || !containsPrefix(res.Errors, "CircularDependency") {
		t.Fatalf("validation = %+v", res)
	}

	_, err := e.CreateWorkflow(ctx, def)
	var verr *ValidationError
	if !errors.Is(err, ErrInvalidWorkflow) || !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ErrInvalidWorkflow", err)
	}
	if !containsPrefix(verr.Errors, "CircularDependency") {
		t.Fatalf("errors = %v", verr.Errors)
	}
	if _, err := e.GetWorkflow(ctx, "loop"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("GetWorkflow err = %v", err)
	}
	if _, err := e.ExecuteWorkflowAsync(ctx, "loop", nil, ExecuteOptions{}); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("execute err = %v", err)
	}
	if stats, _ := e.queue.GetQueueStats(domain.QueueWorkflowExecution); stats.Waiting+stats.Active+stats.Completed != 0 {
		t.Fatalf("a job was enqueued: %+v", stats)
	}
}

func containsPrefix(list []string, prefix string) bool {
	for _, s := range list {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func TestValidateWorkflow(t *testing.T) {
	step := func(id string, deps ...string) domain.WorkflowStep {
		return domain.WorkflowStep{ID: id, Name: id, Type: executor.StepNotification, Dependencies: deps}
	}
	tests := []struct {
		name    string
		def     *domain.WorkflowDefinition
		wantErr string
	}{
		{"valid", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{step("a"), step("b", "a")}}, ""},
		{"later declared dependency", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{step("b", "a"), step("a")}}, ""},
		{"missing id", &domain.WorkflowDefinition{Name: "W", Steps: []domain.WorkflowStep{step("a")}}, "Workflow ID is required"},
		{"missing name", &domain.WorkflowDefinition{ID: "w", Steps: []domain.WorkflowStep{step("a")}}, "Workflow name is required"},
		{"no steps", &domain.WorkflowDefinition{ID: "w", Name: "W"}, "Workflow must have at least one step"},
		{"step without type", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{{ID: "a", Name: "A"}}}, "Step a: type is required"},
		{"step without name", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{{ID: "a", Type: "x"}}}, "Step a: name is required"},
		{"duplicate step", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{step("a"), step("a")}}, "Duplicate step id: a"},
		{"dangling dependency", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{step("a", "ghost")}}, "Step a depends on unknown step: ghost"},
		{"bad schedule", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{step("a")}, Schedule: &domain.CronSchedule{Expression: "not-a-cron"}}, "Invalid cron expression"},
		{"file watch without path", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{step("a")}, Triggers: []domain.Trigger{{Type: domain.TriggerFileWatch}}}, "file-watch trigger requires a path"},
		{"unknown trigger", &domain.WorkflowDefinition{ID: "w", Name: "W", Steps: []domain.WorkflowStep{step("a")}, Triggers: []domain.Trigger{{Type: "webhook"}}}, "unknown trigger type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateWorkflow(tt.def)
			if tt.wantErr == "" {
				if !res.Valid {
					t.Fatalf("errors = %v", res.Errors)
				}
				return
			}
			if res.Valid {
				t.Fatalf("valid, want error %q", tt.wantErr)
			}
			found := false
			for _, msg := range res.Errors {
				if strings.Contains(msg, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Fatalf("errors = %v, want %q", res.Errors, tt.wantErr)
			}
		})
	}
}

func TestEngineValidationWarnsOnUnknownStepType(t *testing.T) {
	e := newTestEngine(t)
	res := e.ValidateWorkflow(&domain.WorkflowDefinition{
		ID: "w", Name: "W", Enabled: true,
		Steps: []domain.WorkflowStep{{ID: "a", Name: "A", Type: "unregistered-type"}},
	})
	if !res.Valid || len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "unregistered-type") {
		t.Fatalf("result = %+v", res)
	}
}

func TestTestWorkflowReportsPlan(t *testing.T) {
	e := newTestEngine(t)
	report := e.TestWorkflow(linearWorkflow("plan"))
	if !report.Validation.Valid {
		t.Fatalf("errors = %v", report.Validation.Errors)
	}
	if want := []string{"extract", "analyze", "summarize"}; !reflect.DeepEqual(report.ExecutionOrder, want) {
		t.Fatalf("order = %v", report.ExecutionOrder)
	}
	if !reflect.DeepEqual(report.EntrySteps, []string{"extract"}) || !reflect.DeepEqual(report.LeafSteps, []string{"summarize"}) {
		t.Fatalf("entries = %v leaves = %v", report.EntrySteps, report.LeafSteps)
	}
	if _, err := e.GetWorkflow(context.Background(), "plan"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("TestWorkflow persisted the definition")
	}
}

func TestWorkflowCRUD(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.CreateWorkflow(ctx, linearWorkflow("crud"))
	if err != nil {
		t.Fatal(err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
	if _, err := e.CreateWorkflow(ctx, linearWorkflow("crud")); !errors.Is(err, ErrWorkflowExists) {
		t.Fatalf("duplicate create err = %v", err)
	}

	name := "Renamed"
	updated, err := e.UpdateWorkflow(ctx, "crud", WorkflowUpdate{Name: &name})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != "crud" || updated.Name != "Renamed" || len(updated.Steps) != 3 || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("updated = %+v", updated)
	}

	bad := []domain.WorkflowStep{{ID: "a", Name: "A", Type: "x", Dependencies: []string{"missing"}}}
	if _, err := e.UpdateWorkflow(ctx, "crud", WorkflowUpdate{Steps: bad}); !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("invalid update err = %v", err)
	}
	if got, _ := e.GetWorkflow(ctx, "crud"); len(got.Steps) != 3 {
		t.Fatal("invalid update was stored")
	}

	off := linearWorkflow("off")
	off.Enabled = false
	if _, err := e.CreateWorkflow(ctx, off); err != nil {
		t.Fatal(err)
	}
	enabled := true
	list, _ := e.ListWorkflows(ctx, ListFilter{Enabled: &enabled})
	if len(list) != 1 || list[0].ID != "crud" {
		t.Fatalf("enabled list = %v", list)
	}
	all, _ := e.ListWorkflows(ctx, ListFilter{})
	if len(all) != 2 {
		t.Fatalf("all = %d", len(all))
	}

	if _, err := e.ExecuteWorkflowAsync(ctx, "off", nil, ExecuteOptions{}); !errors.Is(err, ErrWorkflowDisabled) {
		t.Fatalf("disabled execute err = %v", err)
	}
	if err := e.DeleteWorkflow(ctx, "crud"); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteWorkflow(ctx, "crud"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestFailedExecutionAndRetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	e.Executor().RegisterStepHandler("flaky", func(_ context.Context, step domain.WorkflowStep, _ executor.StepContext) (*executor.StepResult, error) {
		if fail.Load() {
			return nil, errors.New("disk full")
		}
		return &executor.StepResult{Success: true}, nil
	})
	def := &domain.WorkflowDefinition{
		ID: "flaky", Name: "Flaky", Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "write", Name: "Write", Type: "flaky"},
			{ID: "notify", Name: "Notify", Type: executor.StepNotification, Dependencies: []string{"write"}, Config: map[string]any{"message": "done"}},
		},
	}
	if _, err := e.CreateWorkflow(ctx, def); err != nil {
		t.Fatal(err)
	}

	errored := make(chan eventbus.Event, 1)
	defer e.OnWorkflowError(func(ev eventbus.Event) { errored <- ev })()

	exec, err := e.ExecuteWorkflowSync(ctx, "flaky", map[string]any{"n": 1}, ExecuteOptions{})
	if !errors.Is(err, ErrExecutionFailed) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	if exec.Status != domain.ExecutionFailed || len(exec.Result.Errors) == 0 {
		t.Fatalf("exec = %+v", exec)
	}
	if !reflect.DeepEqual(exec.Result.StepOrder, []string{"write"}) {
		t.Fatalf("steps after the failure ran: %v", exec.Result.StepOrder)
	}
	select {
	case ev := <-errored:
		if ev.Error == "" {
			t.Fatal("error event without message")
		}
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}

	fail.Store(false)
	retryID, err := e.RetryWorkflow(ctx, exec.ID)
	if err != nil {
		t.Fatalf("RetryWorkflow: %v", err)
	}
	if retryID == exec.ID {
		t.Fatal("retry reused the execution id")
	}
	retried := waitForStatus(t, e, retryID, domain.ExecutionCompleted)
	if retried.RetryOf != exec.ID || retried.Input["n"] != 1 {
		t.Fatalf("retried = %+v", retried)
	}
	orig, _ := e.GetWorkflowExecution(ctx, exec.ID)
	if orig.Status != domain.ExecutionFailed {
		t.Fatalf("original status changed to %s", orig.Status)
	}

	if _, err := e.RetryWorkflow(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("retry missing err = %v", err)
	}

	m, err := e.GetWorkflowMetrics(ctx, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalExecutions != 2 || m.SuccessRate != 0.5 || m.ErrorRate != 0.5 || m.SuccessRate+m.ErrorRate > 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.LastExecution == nil {
		t.Fatal("LastExecution not set")
	}

	history, _ := e.GetExecutionHistory(ctx, "flaky", 1)
	if len(history) != 1 || history[0].ID != retryID {
		t.Fatalf("history = %v", history)
	}
}

func TestMetricsAllCompleted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateWorkflow(ctx, linearWorkflow("ok")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.ExecuteWorkflowSync(ctx, "ok", nil, ExecuteOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	m, err := e.GetWorkflowMetrics(ctx, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if m.SuccessRate != 1 || m.ErrorRate != 0 || m.Completed != 2 {
		t.Fatalf("metrics = %+v", m)
	}

	sys, err := e.GetSystemMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sys.CompletedToday != 2 || sys.RunningExecutions != 0 || sys.SystemLoad != 0 || sys.Workflows != 1 {
		t.Fatalf("system = %+v", sys)
	}
}

func TestPauseResume(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	g := newGate("first", "second")
	e.Executor().RegisterStepHandler("gate", g.handler)
	if _, err := e.CreateWorkflow(ctx, gatedWorkflow("gated")); err != nil {
		t.Fatal(err)
	}

	id, err := e.ExecuteWorkflowAsync(ctx, "gated", nil, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	g.waitEntered(t, "first")

	if _, err := e.ResumeWorkflow(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume running err = %v", err)
	}
	paused, err := e.PauseWorkflow(ctx, id)
	if err != nil || paused.Status != domain.ExecutionPaused {
		t.Fatalf("pause = %v, %v", paused, err)
	}

	sys, _ := e.GetSystemMetrics(ctx)
	if sys.RunningExecutions != 0 {
		t.Fatalf("paused execution counted as running")
	}

	close(g.release["first"])
	time.Sleep(100 * time.Millisecond)
	if g.calls.Load() != 1 {
		t.Fatal("second step started while paused")
	}

	if _, err := e.ResumeWorkflow(ctx, id); err != nil {
		t.Fatal(err)
	}
	g.waitEntered(t, "second")
	sys, _ = e.GetSystemMetrics(ctx)
	if sys.RunningExecutions != 1 || sys.SystemLoad != 0.25 {
		t.Fatalf("system = %+v", sys)
	}
	close(g.release["second"])
	exec := waitForStatus(t, e, id, domain.ExecutionCompleted)
	if len(exec.Logs) == 0 {
		t.Fatal("no execution logs")
	}
}

func TestCancelStopsBetweenSteps(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	g := newGate("first", "second")
	e.Executor().RegisterStepHandler("gate", g.handler)
	if _, err := e.CreateWorkflow(ctx, gatedWorkflow("gated")); err != nil {
		t.Fatal(err)
	}

	id, err := e.ExecuteWorkflowAsync(ctx, "gated", nil, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	g.waitEntered(t, "first")

	if _, err := e.CancelWorkflow(ctx, id); err != nil {
		t.Fatal(err)
	}
	close(g.release["first"])

	exec, _ := e.GetWorkflowExecution(ctx, id)
	st := waitForJob(t, e, exec.JobID)
	if st.State != domain.JobCompleted {
		t.Fatalf("job state = %s (%s)", st.State, st.FailReason)
	}
	if g.calls.Load() != 1 {
		t.Fatal("second step ran after cancel")
	}
	exec, _ = e.GetWorkflowExecution(ctx, id)
	if exec.Status != domain.ExecutionCancelled {
		t.Fatalf("status = %s", exec.Status)
	}

	if _, err := e.UpdateExecutionStatus(ctx, id, StatusUpdate{Status: domain.ExecutionCompleted}); !errors.Is(err, ErrExecutionFinished) {
		t.Fatalf("update after cancel err = %v", err)
	}
	if _, err := e.PauseWorkflow(ctx, id); !errors.Is(err, ErrExecutionFinished) {
		t.Fatalf("pause after cancel err = %v", err)
	}
	if _, err := e.CancelWorkflow(ctx, id); !errors.Is(err, ErrExecutionFinished) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func waitForJob(t *testing.T, e *Engine, jobID string) *domain.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := e.queue.GetJob(context.Background(), jobID)
		if err == nil && st != nil && st.State.IsTerminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestCancelPendingRemovesJob(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateWorkflow(ctx, linearWorkflow("queued")); err != nil {
		t.Fatal(err)
	}
	if err := e.queue.PauseQueue(domain.QueueWorkflowExecution); err != nil {
		t.Fatal(err)
	}
	id, err := e.ExecuteWorkflowAsync(ctx, "queued", nil, ExecuteOptions{Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	status, err := e.GetWorkflowStatus(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != domain.ExecutionPending || status.JobID == "" {
		t.Fatalf("status = %+v", status)
	}

	if _, err := e.CancelWorkflow(ctx, id); err != nil {
		t.Fatal(err)
	}
	if st, _ := e.queue.GetJob(ctx, status.JobID); st != nil {
		t.Fatalf("job still queued: %+v", st)
	}
	if err := e.queue.ResumeQueue(domain.QueueWorkflowExecution); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateExecutionStatusTransitions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateWorkflow(ctx, linearWorkflow("sm")); err != nil {
		t.Fatal(err)
	}
	if err := e.queue.PauseQueue(domain.QueueWorkflowExecution); err != nil {
		t.Fatal(err)
	}
	id, err := e.ExecuteWorkflowAsync(ctx, "sm", nil, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.UpdateExecutionStatus(ctx, id, StatusUpdate{Status: domain.ExecutionCompleted}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed err = %v", err)
	}
	if _, err := e.PauseWorkflow(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause pending err = %v", err)
	}

	progressed := make(chan eventbus.Event, 4)
	defer e.OnWorkflowProgress(func(ev eventbus.Event) { progressed <- ev })()
	pct := 150
	exec, err := e.UpdateExecutionStatus(ctx, id, StatusUpdate{Status: domain.ExecutionRunning, Progress: &pct})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Progress != 100 {
		t.Fatalf("progress = %d, want clamped to 100", exec.Progress)
	}
	select {
	case ev := <-progressed:
		if ev.Status != domain.ExecutionRunning {
			t.Fatalf("event status = %s", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no progress event")
	}

	if _, err := e.UpdateExecutionStatus(ctx, "missing", StatusUpdate{}); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	if _, err := e.CancelWorkflow(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := e.queue.ResumeQueue(domain.QueueWorkflowExecution); err != nil {
		t.Fatal(err)
	}
}

func TestScheduleWorkflow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateWorkflow(ctx, linearWorkflow("cron")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.ScheduleWorkflow(ctx, "cron", domain.CronSchedule{Expression: "not-a-cron"}); !errors.Is(err, scheduler.ErrInvalidCronExpression) {
		t.Fatalf("err = %v, want ErrInvalidCronExpression", err)
	}
	if got := e.ListScheduledWorkflows(); len(got) != 0 {
		t.Fatalf("scheduled = %v", got)
	}
	if def, _ := e.GetWorkflow(ctx, "cron"); def.Schedule != nil {
		t.Fatal("invalid schedule was stored")
	}

	trig, err := e.ScheduleWorkflow(ctx, "cron", domain.CronSchedule{Expression: "*/5 * * * *", Timezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	if trig.NextRun.Before(time.Now()) {
		t.Fatalf("next run %v is in the past", trig.NextRun)
	}
	if _, err := e.ScheduleWorkflow(ctx, "cron", domain.CronSchedule{Expression: "0 9 * * 1"}); err != nil {
		t.Fatal(err)
	}
	list := e.ListScheduledWorkflows()
	if len(list) != 1 || list[0].Schedule.Expression != "0 9 * * 1" {
		t.Fatalf("scheduled = %+v", list)
	}

	off := false
	if _, err := e.UpdateWorkflow(ctx, "cron", WorkflowUpdate{Enabled: &off}); err != nil {
		t.Fatal(err)
	}
	if len(e.ListScheduledWorkflows()) != 0 {
		t.Fatal("disabled workflow still scheduled")
	}
	if _, err := e.EnableWorkflow(ctx, "cron", true); err != nil {
		t.Fatal(err)
	}
	if len(e.ListScheduledWorkflows()) != 1 {
		t.Fatal("enabled workflow not rescheduled")
	}

	removed, err := e.UnscheduleWorkflow(ctx, "cron")
	if err != nil || !removed {
		t.Fatalf("unschedule = %v, %v", removed, err)
	}
	if def, _ := e.GetWorkflow(ctx, "cron"); def.Schedule != nil {
		t.Fatal("schedule still stored")
	}
	if _, err := e.ScheduleWorkflow(ctx, "missing", domain.CronSchedule{Expression: "@hourly"}); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("missing workflow err = %v", err)
	}
}

func TestCronTickStartsExecution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	def := linearWorkflow("ticker")
	def.Triggers = []domain.Trigger{{Type: domain.TriggerCron, Config: map[string]any{"expression": "@every 1s"}}}
	if _, err := e.CreateWorkflow(ctx, def); err != nil {
		t.Fatal(err)
	}
	if len(e.ListScheduledWorkflows()) != 1 {
		t.Fatal("declared cron trigger not installed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		execs, _ := e.GetExecutionHistory(ctx, "ticker", 0)
		if len(execs) > 0 {
			if execs[0].TriggerType != domain.TriggerCron || execs[0].Context["trigger"] != "cron" {
				t.Fatalf("exec = %+v", execs[0])
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("cron trigger never started an execution")
}

func TestUpdateConfig(t *testing.T) {
	e := newTestEngine(t)
	zero := 0
	if _, err := e.UpdateConfig(ConfigUpdate{MaxConcurrentWorkflows: &zero}); err == nil {
		t.Fatal("expected error for zero maxConcurrentWorkflows")
	}
	n := 8
	timeout := time.Minute
	cfg, err := e.UpdateConfig(ConfigUpdate{MaxConcurrentWorkflows: &n, DefaultTimeout: &timeout})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentWorkflows != 8 || cfg.DefaultTimeout != time.Minute || e.GetConfig().StepFanOut != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := workflowQueueConcurrency(e); got != 8 {
		t.Fatalf("workflow-execution concurrency = %d, want 8", got)
	}
}

func workflowQueueConcurrency(e *Engine) int {
	for _, qc := range e.queue.Queues() {
		if qc.Name == domain.QueueWorkflowExecution {
			return qc.Concurrency
		}
	}
	return 0
}

func TestMaxConcurrentWorkflowsLimitsRunningExecutions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if got := workflowQueueConcurrency(e); got != 4 {
		t.Fatalf("initial workflow-execution concurrency = %d, want 4", got)
	}
	limit := 2
	if _, err := e.UpdateConfig(ConfigUpdate{MaxConcurrentWorkflows: &limit}); err != nil {
		t.Fatal(err)
	}

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	err := e.RegisterStepType("hold", "blocks until released", 8, func(ctx context.Context, _ *queue.Job) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	def := &domain.WorkflowDefinition{
		ID: "held", Name: "Held", Enabled: true,
		Steps: []domain.WorkflowStep{{ID: "h", Name: "H", Type: "hold"}},
	}
	if _, err := e.CreateWorkflow(ctx, def); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := e.ExecuteWorkflowAsync(ctx, "held", nil, ExecuteOptions{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(3 * time.Second)
	for inFlight.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak running workflows = %d, want 2", got)
	}

	close(release)
	for _, id := range ids {
		waitForStatus(t, e, id, domain.ExecutionCompleted)
	}
}

func TestRegisterStepTypeUsesOwnQueue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	err := e.RegisterStepType("resize", "resize images", 2, func(_ context.Context, job *queue.Job) (any, error) {
		return map[string]any{"width": job.Payload["config"].(map[string]any)["width"]}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Processors().GetProcessor("resize"); !ok {
		t.Fatal("processor not registered")
	}
	def := &domain.WorkflowDefinition{
		ID: "images", Name: "Images", Enabled: true,
		Steps: []domain.WorkflowStep{{ID: "r", Name: "Resize", Type: "resize", Config: map[string]any{"width": 640}}},
	}
	if _, err := e.CreateWorkflow(ctx, def); err != nil {
		t.Fatal(err)
	}
	exec, err := e.ExecuteWorkflowSync(ctx, "images", nil, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out := exec.Result.Output["r"].(map[string]any); out["width"] != 640 {
		t.Fatalf("output = %v", out)
	}
	stats, _ := e.queue.GetQueueStats("step-resize")
	if stats.Completed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
