package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Results holds step results in the order they finished.
type Results struct {
	order []string
	byID  map[string]*StepResult
}

func newResults() *Results {
	return &Results{byID: make(map[string]*StepResult)}
}

func (r *Results) add(res *StepResult) {
	if _, ok := r.byID[res.StepID]; !ok {
		r.order = append(r.order, res.StepID)
	}
	r.byID[res.StepID] = res
}

// Order returns step ids in completion order.
func (r *Results) Order() []string { return append([]string(nil), r.order...) }

func (r *Results) Get(stepID string) (*StepResult, bool) {
	res, ok := r.byID[stepID]
	return res, ok
}

func (r *Results) Len() int { return len(r.order) }

// All returns the results in completion order.
func (r *Results) All() []*StepResult {
	out := make([]*StepResult, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Failed returns the failed results in completion order.
func (r *Results) Failed() []*StepResult {
	var out []*StepResult
	for _, id := range r.order {
		if res := r.byID[id]; !res.Success {
			out = append(out, res)
		}
	}
	return out
}

// Outputs maps each successful step id to its output.
func (r *Results) Outputs() map[string]any {
	out := make(map[string]any, len(r.order))
	for id, res := range r.byID {
		if res.Success {
			out[id] = res.Output
		}
	}
	return out
}

// previousFor collects the outputs of a step's successful direct
// dependencies.
func (r *Results) previousFor(step domain.WorkflowStep) map[string]any {
	prev := make(map[string]any, len(step.Dependencies))
	for _, dep := range step.Dependencies {
		if res, ok := r.byID[dep]; ok && res.Success {
			prev[dep] = res.Output
		}
	}
	return prev
}

// RunOptions hook into whole-graph execution.
type RunOptions struct {
	// StopOnFailure ends the run after the first failed step.
	StopOnFailure bool
	// BeforeStep runs before each step; an error aborts the run.
	BeforeStep func(ctx context.Context, step domain.WorkflowStep) error
	// AfterStep observes each finished step.
	AfterStep func(step domain.WorkflowStep, res *StepResult)
}

func (o RunOptions) before(ctx context.Context, step domain.WorkflowStep) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.BeforeStep != nil {
		return o.BeforeStep(ctx, step)
	}
	return nil
}

func (o RunOptions) after(step domain.WorkflowStep, res *StepResult) {
	if o.AfterStep != nil {
		o.AfterStep(step, res)
	}
}

// ExecuteStepsInOrder runs the graph depth first: each step's dependencies
// run before it, and the step sees only its direct dependencies' outputs.
// The returned error is non-nil only when the run was aborted.
func (e *Executor) ExecuteStepsInOrder(ctx context.Context, steps []domain.WorkflowStep, base StepContext, opts RunOptions) (*Results, error) {
	index := indexSteps(steps)
	results := newResults()
	state := make(map[string]int, len(steps)) // 1 visiting, 2 done
	stopped := false

	var visit func(step domain.WorkflowStep) error
	visit = func(step domain.WorkflowStep) error {
		if stopped || state[step.ID] != 0 {
			return nil
		}
		state[step.ID] = 1
		for _, dep := range step.Dependencies {
			d, ok := index[dep]
			if !ok || state[dep] != 0 {
				continue
			}
			if err := visit(d); err != nil {
				return err
			}
			if stopped {
				return nil
			}
		}
		// Checked before the step is marked done so a self-dependency is seen.
		cyc := cyclicDependency(step, state)
		state[step.ID] = 2

		var res *StepResult
		if cyc != "" {
			res = failure(step.ID, time.Now(), &StepError{
				Kind: ErrCircularDependency,
				Msg:  fmt.Sprintf("Circular dependency detected between %s and %s", step.ID, cyc),
			})
		} else {
			if err := opts.before(ctx, step); err != nil {
				return err
			}
			res = e.ExecuteStep(ctx, step, base.withPrevious(results.previousFor(step)))
		}
		results.add(res)
		opts.after(step, res)
		if !res.Success && opts.StopOnFailure {
			stopped = true
		}
		return nil
	}

	for _, step := range steps {
		if err := visit(step); err != nil {
			return results, err
		}
		if stopped {
			break
		}
	}
	return results, nil
}

// cyclicDependency returns a dependency still being visited, which only
// happens when the graph has a cycle.
func cyclicDependency(step domain.WorkflowStep, state map[string]int) string {
	for _, dep := range step.Dependencies {
		if state[dep] == 1 {
			return dep
		}
	}
	return ""
}

type stepDone struct {
	step domain.WorkflowStep
	res  *StepResult
	err  error
}

// ExecuteStepsParallel runs every step whose dependencies have finished,
// at most fanOut at a time. Steps still run only after all their
// dependencies, and see only their direct dependencies' outputs.
func (e *Executor) ExecuteStepsParallel(ctx context.Context, steps []domain.WorkflowStep, base StepContext, fanOut int, opts RunOptions) (*Results, error) {
	if fanOut <= 1 {
		return e.ExecuteStepsInOrder(ctx, steps, base, opts)
	}

	index := indexSteps(steps)
	pending := make(map[string]int, len(steps))
	dependents := make(map[string][]domain.WorkflowStep, len(steps))
	var ready []domain.WorkflowStep
	for _, step := range steps {
		n := 0
		for _, dep := range uniqueDeps(step) {
			// a self-dependency never clears, so the step is reported as a cycle
			if _, ok := index[dep]; ok {
				n++
				dependents[dep] = append(dependents[dep], step)
			}
		}
		pending[step.ID] = n
		if n == 0 {
			ready = append(ready, step)
		}
	}

	var g errgroup.Group
	g.SetLimit(fanOut)
	done := make(chan stepDone, len(steps))
	results := newResults()
	started := make(map[string]bool, len(steps))
	running := 0
	stopped := false
	var abortErr error

	for {
		for len(ready) > 0 && !stopped {
			step := ready[0]
			ready = ready[1:]
			if started[step.ID] {
				continue
			}
			started[step.ID] = true
			sc := base.withPrevious(results.previousFor(step))
			running++
			g.Go(func() error {
				if err := opts.before(ctx, step); err != nil {
					done <- stepDone{step: step, err: err}
					return nil
				}
				done <- stepDone{step: step, res: e.ExecuteStep(ctx, step, sc)}
				return nil
			})
		}
		if running == 0 {
			break
		}

		d := <-done
		running--
		if d.err != nil {
			if abortErr == nil {
				abortErr = d.err
			}
			stopped = true
			continue
		}
		results.add(d.res)
		opts.after(d.step, d.res)
		if !d.res.Success && opts.StopOnFailure {
			stopped = true
			continue
		}
		for _, next := range dependents[d.step.ID] {
			pending[next.ID]--
			if pending[next.ID] == 0 {
				ready = append(ready, next)
			}
		}
	}
	g.Wait()

	if abortErr != nil {
		return results, abortErr
	}
	if !stopped {
		// whatever never became ready sits on a cycle
		for _, step := range steps {
			if started[step.ID] {
				continue
			}
			res := failure(step.ID, time.Now(), &StepError{
				Kind: ErrCircularDependency,
				Msg:  fmt.Sprintf("Circular dependency detected involving step %s", step.ID),
			})
			results.add(res)
			opts.after(step, res)
			if opts.StopOnFailure {
				break
			}
		}
	}
	return results, nil
}

func indexSteps(steps []domain.WorkflowStep) map[string]domain.WorkflowStep {
	index := make(map[string]domain.WorkflowStep, len(steps))
	for _, s := range steps {
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = s
		}
	}
	return index
}

func uniqueDeps(step domain.WorkflowStep) []string {
	seen := make(map[string]bool, len(step.Dependencies))
	out := step.Dependencies[:0:0]
	for _, d := range step.Dependencies {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// ValidateStepOrder reports duplicate ids, dependencies on unknown steps and
// dependency cycles. It never fails; problems are listed in Errors.
func ValidateStepOrder(steps []domain.WorkflowStep) domain.ValidationResult {
	res := domain.ValidationResult{Errors: []string{}, Warnings: []string{}}
	index := make(map[string]domain.WorkflowStep, len(steps))
	for _, s := range steps {
		if _, dup := index[s.ID]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("Duplicate step id: %s", s.ID))
			continue
		}
		index[s.ID] = s
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := index[dep]; !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("Step %s depends on unknown step: %s", s.ID, dep))
			}
		}
	}

	state := make(map[string]int, len(steps))
	var stack []string
	reported := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		state[id] = 1
		stack = append(stack, id)
		for _, dep := range index[id].Dependencies {
			if _, ok := index[dep]; !ok {
				continue
			}
			switch state[dep] {
			case 0:
				visit(dep)
			case 1:
				cycle := cyclePath(stack, dep)
				key := canonicalCycle(cycle)
				if !reported[key] {
					reported[key] = true
					res.Errors = append(res.Errors, fmt.Sprintf("CircularDependency: %s", strings.Join(cycle, " -> ")))
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = 2
	}
	for _, s := range steps {
		if state[s.ID] == 0 {
			visit(s.ID)
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// cyclePath returns the stack segment starting at start, closed back on it.
func cyclePath(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			path := append([]string(nil), stack[i:]...)
			return append(path, start)
		}
	}
	return []string{start, start}
}

// canonicalCycle keys a cycle independently of where it was entered.
func canonicalCycle(cycle []string) string {
	nodes := cycle[:len(cycle)-1]
	min := 0
	for i := range nodes {
		if nodes[i] < nodes[min] {
			min = i
		}
	}
	rotated := append(append([]string(nil), nodes[min:]...), nodes[:min]...)
	return strings.Join(rotated, ",")
}
