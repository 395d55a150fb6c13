package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		sched   domain.CronSchedule
		wantErr error
	}{
		{"five fields", domain.CronSchedule{Expression: "*/5 * * * *"}, nil},
		{"descriptor", domain.CronSchedule{Expression: "@hourly"}, nil},
		{"every", domain.CronSchedule{Expression: "@every 1m"}, nil},
		{"with timezone", domain.CronSchedule{Expression: "0 9 * * 1-5", Timezone: "UTC"}, nil},
		{"garbage", domain.CronSchedule{Expression: "not-a-cron"}, ErrInvalidCronExpression},
		{"empty", domain.CronSchedule{}, ErrInvalidCronExpression},
		{"six fields", domain.CronSchedule{Expression: "0 */5 * * * *"}, ErrInvalidCronExpression},
		{"bad timezone", domain.CronSchedule{Expression: "@hourly", Timezone: "Mars/Olympus"}, ErrInvalidTimezone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.sched)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddInvalidInstallsNothing(t *testing.T) {
	s := New(func(context.Context, string) {}, 0)

	if _, err := s.Add("wf", domain.CronSchedule{Expression: "not-a-cron"}); !errors.Is(err, ErrInvalidCronExpression) {
		t.Fatalf("got %v, want ErrInvalidCronExpression", err)
	}
	if n := len(s.List()); n != 0 {
		t.Fatalf("List() has %d entries, want 0", n)
	}
}

func TestAddReplacesAndKeepsOldOnError(t *testing.T) {
	s := New(func(context.Context, string) {}, 0)

	if _, err := s.Add("wf", domain.CronSchedule{Expression: "@hourly"}); err != nil {
		t.Fatal(err)
	}
	next, err := s.Add("wf", domain.CronSchedule{Expression: "@daily"})
	if err != nil {
		t.Fatal(err)
	}
	if next.Before(time.Now()) {
		t.Fatalf("next run %v is in the past", next)
	}
	if _, err := s.Add("wf", domain.CronSchedule{Expression: "bogus"}); err == nil {
		t.Fatal("expected error")
	}

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("List() has %d entries, want 1", len(list))
	}
	if list[0].Schedule.Expression != "@daily" {
		t.Fatalf("expression = %q, want @daily", list[0].Schedule.Expression)
	}
	if list[0].NextRun.IsZero() {
		t.Fatal("NextRun not set")
	}
	if list[0].LastRun != nil {
		t.Fatal("LastRun set before any tick")
	}

	if !s.Remove("wf") {
		t.Fatal("Remove returned false")
	}
	if s.Remove("wf") {
		t.Fatal("second Remove returned true")
	}
}

func TestTickFires(t *testing.T) {
	var fired atomic.Int32
	s := New(func(_ context.Context, id string) {
		if id == "wf" {
			fired.Add(1)
		}
	}, time.Second)

	if _, err := s.Add("wf", domain.CronSchedule{Expression: "@every 1s"}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("trigger never fired")
	}
	st, ok := s.Get("wf")
	if !ok || st.LastRun == nil {
		t.Fatalf("LastRun not recorded: %+v", st)
	}
}
