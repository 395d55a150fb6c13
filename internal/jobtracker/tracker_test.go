package jobtracker

import (
	"testing"
	"time"
)

func TestTracker_UpdateClampsAndIsMonotonic(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Close()

	if p := tr.Update("j1", 150, "almost"); p.Percent != 100 {
		t.Errorf("percent not clamped: %d", p.Percent)
	}
	tr.Reset("j1")
	tr.Update("j1", 40, "loading")
	p := tr.Update("j1", 10, "still loading")
	if p.Percent != 40 || p.Message != "still loading" {
		t.Errorf("progress = %+v, want 40/still loading", p)
	}
	if tr.Percent("j1") != 40 || tr.Percent("missing") != 0 {
		t.Error("Percent lookup mismatch")
	}
	if tr.Update("j2", -5, "").Percent != 0 {
		t.Error("negative percent not clamped")
	}
}

func TestTracker_Sweep(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Close()

	tr.Update("old", 10, "")
	tr.Update("fresh", 10, "")
	tr.mu.Lock()
	tr.progress["old"].UpdatedAt = time.Now().Add(-2 * time.Minute)
	tr.mu.Unlock()

	tr.sweep(time.Now())
	if tr.Get("old") != nil {
		t.Error("stale entry should be swept")
	}
	if tr.Get("fresh") == nil {
		t.Error("fresh entry should remain")
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
}
