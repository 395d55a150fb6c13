// Package scheduler installs cron triggers for workflows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrInvalidTimezone       = errors.New("invalid timezone")
)

// FireFunc is called on every tick of a workflow's schedule.
type FireFunc func(ctx context.Context, workflowID string)

type entry struct {
	id       cron.EntryID
	schedule domain.CronSchedule
	spec     cron.Schedule
	lastRun  *time.Time
}

// Scheduler keeps at most one cron trigger per workflow.
type Scheduler struct {
	cron    *cron.Cron
	fire    FireFunc
	timeout time.Duration
	entries map[string]*entry // workflow ID -> entry
	mu      sync.Mutex
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Scheduler. Each tick calls fire with a context bounded by
// timeout (30s when zero).
func New(fire FireFunc, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		fire:    fire,
		timeout: timeout,
		entries: make(map[string]*entry),
	}
}

// Parse validates a schedule: standard 5-field expressions and @descriptors,
// evaluated in the schedule's timezone (local time when empty).
func Parse(sched domain.CronSchedule) (cron.Schedule, error) {
	spec := sched.Expression
	if spec == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCronExpression)
	}
	if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidTimezone, sched.Timezone, err)
		}
		spec = "CRON_TZ=" + sched.Timezone + " " + spec
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCronExpression, sched.Expression, err)
	}
	return s, nil
}

// Start begins dispatching ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.Op().Info("scheduler started", "schedules", s.Len())
}

// Stop stops dispatching and waits for running ticks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Add installs or replaces the trigger for a workflow and returns its next
// fire time. The expression is parsed before the existing trigger is touched,
// so a bad schedule leaves the previous one in place.
func (s *Scheduler) Add(workflowID string, sched domain.CronSchedule) (time.Time, error) {
	spec, err := Parse(sched)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[workflowID]; ok {
		s.cron.Remove(old.id)
		delete(s.entries, workflowID)
	}

	e := &entry{schedule: sched, spec: spec}
	e.id = s.cron.Schedule(spec, cron.FuncJob(func() { s.tick(workflowID, e) }))
	s.entries[workflowID] = e
	return spec.Next(time.Now()), nil
}

// Remove uninstalls a workflow's trigger. It reports whether one existed.
func (s *Scheduler) Remove(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[workflowID]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, workflowID)
	return true
}

// Get returns the trigger installed for a workflow.
func (s *Scheduler) Get(workflowID string) (domain.ScheduledTrigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[workflowID]
	if !ok {
		return domain.ScheduledTrigger{}, false
	}
	return s.viewLocked(workflowID, e, time.Now()), true
}

// List reports every installed trigger, ordered by workflow id.
func (s *Scheduler) List() []domain.ScheduledTrigger {
	now := time.Now()
	s.mu.Lock()
	out := make([]domain.ScheduledTrigger, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, s.viewLocked(id, e, now))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) viewLocked(workflowID string, e *entry, now time.Time) domain.ScheduledTrigger {
	next := s.cron.Entry(e.id).Next
	if next.IsZero() {
		// not started yet
		next = e.spec.Next(now)
	}
	st := domain.ScheduledTrigger{
		WorkflowID: workflowID,
		Schedule:   e.schedule,
		NextRun:    next,
	}
	if e.lastRun != nil {
		t := *e.lastRun
		st.LastRun = &t
	}
	return st
}

func (s *Scheduler) tick(workflowID string, e *entry) {
	now := time.Now()
	s.mu.Lock()
	if s.entries[workflowID] != e {
		s.mu.Unlock()
		return
	}
	e.lastRun = &now
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("scheduled trigger panic", "workflow", workflowID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	logging.Op().Debug("cron trigger fired", "workflow", workflowID, "expression", e.schedule.Expression)
	s.fire(ctx, workflowID)
}
