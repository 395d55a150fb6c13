package workflow

import (
	"fmt"

	"github.com/oriys/orbit/internal/domain"
)

// PlanOrder returns the step ids in a topological order, breaking ties by
// declaration order (Kahn's algorithm). Dependencies on unknown steps are
// ignored here; ValidateWorkflow reports them.
func PlanOrder(steps []domain.WorkflowStep) ([]string, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow must have at least one step")
	}

	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}

	inDegree := make(map[string]int, len(steps))
	successors := BuildSuccessorMap(steps)
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if known[dep] {
				inDegree[s.ID]++
			}
		}
	}

	var queue []string
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		order = append(order, curr)

		for _, succ := range successors[curr] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(known) {
		return nil, fmt.Errorf("workflow contains a cycle")
	}
	return order, nil
}

// BuildSuccessorMap returns step id -> ids of the steps that depend on it,
// in declaration order.
func BuildSuccessorMap(steps []domain.WorkflowStep) map[string][]string {
	succs := make(map[string][]string)
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			succs[dep] = append(succs[dep], s.ID)
		}
	}
	return succs
}

// entryAndLeafSteps lists steps without dependencies and steps nothing
// depends on.
func entryAndLeafSteps(steps []domain.WorkflowStep) (entries, leaves []string) {
	succs := BuildSuccessorMap(steps)
	for _, s := range steps {
		if len(s.Dependencies) == 0 {
			entries = append(entries, s.ID)
		}
		if len(succs[s.ID]) == 0 {
			leaves = append(leaves, s.ID)
		}
	}
	return entries, leaves
}
