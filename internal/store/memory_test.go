package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

func testDefinition(id string, created time.Time) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:      id,
		Name:    "wf " + id,
		Enabled: true,
		Steps: []domain.WorkflowStep{
			{ID: "a", Name: "A", Type: "noop", Config: map[string]any{"k": "v"}},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testExecution(id, workflowID string, status domain.ExecutionStatus, created time.Time) *domain.WorkflowExecution {
	return &domain.WorkflowExecution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     status,
		Input:      map[string]any{"n": 1},
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestMemoryStoreDefinitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()

	if _, err := s.GetDefinition(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDefinition missing: got %v, want ErrNotFound", err)
	}

	if err := s.SaveDefinition(ctx, testDefinition("b", base.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	def := testDefinition("a", base)
	if err := s.SaveDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}

	// mutations after save must not leak into the store
	def.Name = "changed"
	def.Steps[0].Config["k"] = "changed"

	got, err := s.GetDefinition(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "wf a" || got.Steps[0].Config["k"] != "v" {
		t.Fatalf("stored definition was mutated: %+v", got)
	}

	list, err := s.ListDefinitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("ListDefinitions order = %v", ids(list))
	}

	if err := s.DeleteDefinition(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDefinition(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreExecutionFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().Add(-time.Hour)

	execs := []*domain.WorkflowExecution{
		testExecution("e1", "wf1", domain.ExecutionCompleted, base),
		testExecution("e2", "wf1", domain.ExecutionFailed, base.Add(time.Minute)),
		testExecution("e3", "wf2", domain.ExecutionRunning, base.Add(2*time.Minute)),
		testExecution("e4", "wf1", domain.ExecutionRunning, base.Add(3*time.Minute)),
	}
	for _, e := range execs {
		if err := s.SaveExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter ExecutionFilter
		want   []string
	}{
		{"all newest first", ExecutionFilter{}, []string{"e4", "e3", "e2", "e1"}},
		{"by workflow", ExecutionFilter{WorkflowID: "wf1"}, []string{"e4", "e2", "e1"}},
		{"by status", ExecutionFilter{Statuses: []domain.ExecutionStatus{domain.ExecutionCompleted, domain.ExecutionFailed}}, []string{"e2", "e1"}},
		{"before", ExecutionFilter{CreatedBefore: base.Add(2 * time.Minute)}, []string{"e2", "e1"}},
		{"since", ExecutionFilter{CreatedSince: base.Add(2 * time.Minute)}, []string{"e4", "e3"}},
		{"limit", ExecutionFilter{WorkflowID: "wf1", Limit: 2}, []string{"e4", "e2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListExecutions(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d executions, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.ID != tt.want[i] {
					t.Fatalf("position %d: got %s, want %s", i, e.ID, tt.want[i])
				}
			}
		})
	}
}

func TestMemoryStoreExecutionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e := testExecution("e1", "wf", domain.ExecutionPending, time.Now())
	if err := s.SaveExecution(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Input["n"] = 2

	got, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Input["n"] != 1 {
		t.Fatalf("stored execution was mutated: %v", got.Input)
	}

	got.Status = domain.ExecutionRunning
	if err := s.SaveExecution(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, _ := s.GetExecution(ctx, "e1")
	if again.Status != domain.ExecutionRunning {
		t.Fatalf("status = %s, want running", again.Status)
	}

	if err := s.DeleteExecution(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetExecution(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
}

func ids(defs []*domain.WorkflowDefinition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.ID
	}
	return out
}
