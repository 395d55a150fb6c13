package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/circuitbreaker"
	"github.com/oriys/orbit/internal/domain"
)

type fakeStats []domain.QueueStats

func (f fakeStats) GetAllQueueStats() []domain.QueueStats { return f }

func scrape(t *testing.T, pm *PrometheusMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestPrometheusRecordsAndExposes(t *testing.T) {
	pm := NewPrometheus("orbit", nil)
	pm.RecordJob(domain.JobStatus{Queue: "ai-analysis", State: domain.JobCompleted, Result: &domain.JobResult{DurationMs: 42}})
	pm.RecordExecution("wf-1", domain.ExecutionCompleted, 1200)
	pm.RecordExecution("wf-1", domain.ExecutionFailed, 0)
	pm.RecordStep("estimation", true)
	pm.RecordTrigger(domain.TriggerCron)
	pm.SetRunningExecutions(3)

	if err := pm.WatchQueues("orbit", fakeStats{{Name: "notifications", Waiting: 7}}); err != nil {
		t.Fatalf("WatchQueues: %v", err)
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{ErrorPct: 1, MinRequests: 1, WindowDuration: time.Minute, OpenDuration: time.Minute})
	breakers.Get("https://hooks.example").RecordFailure()
	if err := pm.WatchBreakers("orbit", breakers); err != nil {
		t.Fatalf("WatchBreakers: %v", err)
	}

	body := scrape(t, pm)
	for _, want := range []string{
		`orbit_jobs_total{queue="ai-analysis",status="completed"} 1`,
		`orbit_executions_total{status="completed",workflow="wf-1"} 1`,
		`orbit_executions_total{status="failed",workflow="wf-1"} 1`,
		`orbit_steps_total{status="success",type="estimation"} 1`,
		`orbit_triggers_total{trigger="cron"} 1`,
		`orbit_running_executions 3`,
		`orbit_queue_jobs{queue="notifications",state="waiting"} 7`,
		`orbit_circuit_breaker_state{endpoint="https://hooks.example"} 1`,
		`orbit_uptime_seconds`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var pm *PrometheusMetrics
	pm.RecordJob(domain.JobStatus{})
	pm.RecordExecution("wf", domain.ExecutionCompleted, 1)
	pm.RecordStep("x", false)
	pm.RecordTrigger(domain.TriggerManual)
	pm.SetRunningExecutions(1)

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 503 {
		t.Errorf("nil handler status = %d, want 503", rec.Code)
	}
}
