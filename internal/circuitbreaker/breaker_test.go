package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	b := New(cfg)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerWaitsForMinRequests(t *testing.T) {
	b, _ := testBreaker(Config{ErrorPct: 50, MinRequests: 3, WindowDuration: time.Minute, OpenDuration: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("breaker tripped before MinRequests: %v", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject calls")
	}
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	b, now := testBreaker(Config{ErrorPct: 50, MinRequests: 1, WindowDuration: time.Minute, OpenDuration: time.Second, HalfOpenProbes: 1})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("half-open breaker should allow one probe")
	}
	if b.Allow() {
		t.Fatal("half-open breaker should allow only one probe")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State())
	}

	*now = now.Add(2 * time.Second)
	b.Allow()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close, got %v", b.State())
	}
}

func TestBreakerWindowExpiresFailures(t *testing.T) {
	b, now := testBreaker(Config{ErrorPct: 60, MinRequests: 2, WindowDuration: time.Second, OpenDuration: time.Second})

	b.RecordFailure()
	*now = now.Add(5 * time.Second)
	b.RecordSuccess()
	b.RecordFailure()
	// the first failure left the window: 1 of 2 is below 60%
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
}

func TestExecute(t *testing.T) {
	b, _ := testBreaker(Config{ErrorPct: 100, MinRequests: 1, WindowDuration: time.Minute, OpenDuration: time.Minute})
	boom := errors.New("boom")

	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := b.Execute(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Execute err = %v, want boom", err)
	}
	// 1 of 2 failed: 50% < 100%
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
	b.Execute(context.Background(), func(context.Context) error { return boom })
	b.Execute(context.Background(), func(context.Context) error { return boom })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b2, _ := testBreaker(Config{ErrorPct: 1, MinRequests: 1, WindowDuration: time.Minute, OpenDuration: time.Minute})
	b2.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if b2.State() != StateClosed {
		t.Fatalf("cancelled call should not count as failure, got %v", b2.State())
	}
}

func TestExecuteRejectsWhenOpen(t *testing.T) {
	b, _ := testBreaker(Config{ErrorPct: 1, MinRequests: 1, WindowDuration: time.Minute, OpenDuration: time.Minute})
	b.RecordFailure()
	called := false
	err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("Execute on open breaker: err=%v called=%v", err, called)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("https://a.example")
	if r.Get("https://a.example") != a {
		t.Fatal("Get should return the same breaker for the same key")
	}
	if r.Get("https://b.example") == a {
		t.Fatal("different keys should get different breakers")
	}
	snap := r.Snapshot()
	if len(snap) != 2 || snap["https://a.example"] != "closed" {
		t.Fatalf("snapshot = %v", snap)
	}
	r.Remove("https://a.example")
	if len(r.Snapshot()) != 1 {
		t.Fatal("Remove did not delete the breaker")
	}
}
