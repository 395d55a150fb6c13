// Package metrics exposes orbit's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/oriys/orbit/internal/circuitbreaker"
	"github.com/oriys/orbit/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for durations (in milliseconds)
var defaultBuckets = []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000}

// QueueStatsSource is read on every scrape to report queue depth.
type QueueStatsSource interface {
	GetAllQueueStats() []domain.QueueStats
}

// PrometheusMetrics wraps the collectors of one orbit process.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	jobsTotal         *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	stepsTotal        *prometheus.CounterVec
	triggersTotal     *prometheus.CounterVec
	runningExecutions prometheus.Gauge
	uptime            prometheus.GaugeFunc
}

// NewPrometheus builds a registry with the Go and process collectors plus
// orbit's own metrics.
func NewPrometheus(namespace string, buckets []float64) *PrometheusMetrics {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	if namespace == "" {
		namespace = "orbit"
	}
	start := time.Now()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs that reached a terminal state",
			},
			[]string{"queue", "status"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_ms",
				Help:      "Duration of the final job attempt in milliseconds",
				Buckets:   buckets,
			},
			[]string{"queue"},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Workflow executions that reached a terminal state",
			},
			[]string{"workflow", "status"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_ms",
				Help:      "Workflow execution duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"workflow"},
		),

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Executed workflow steps",
			},
			[]string{"type", "status"},
		),

		triggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_total",
				Help:      "Executions started per trigger type",
			},
			[]string{"trigger"},
		),

		runningExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_executions",
				Help:      "Workflow executions currently running",
			},
		),
	}
	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started",
		},
		func() float64 { return time.Since(start).Seconds() },
	)

	registry.MustRegister(
		pm.jobsTotal,
		pm.jobDuration,
		pm.executionsTotal,
		pm.executionDuration,
		pm.stepsTotal,
		pm.triggersTotal,
		pm.runningExecutions,
		pm.uptime,
	)
	return pm
}

// RecordJob records a job that reached a terminal state.
func (pm *PrometheusMetrics) RecordJob(job domain.JobStatus) {
	if pm == nil {
		return
	}
	pm.jobsTotal.WithLabelValues(job.Queue, string(job.State)).Inc()
	if job.Result != nil {
		pm.jobDuration.WithLabelValues(job.Queue).Observe(float64(job.Result.DurationMs))
	}
}

// RecordExecution records a finished workflow execution.
func (pm *PrometheusMetrics) RecordExecution(workflowID string, status domain.ExecutionStatus, durationMs int64) {
	if pm == nil {
		return
	}
	pm.executionsTotal.WithLabelValues(workflowID, string(status)).Inc()
	if status == domain.ExecutionCompleted {
		pm.executionDuration.WithLabelValues(workflowID).Observe(float64(durationMs))
	}
}

// RecordStep records one executed step.
func (pm *PrometheusMetrics) RecordStep(stepType string, success bool) {
	if pm == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	pm.stepsTotal.WithLabelValues(stepType, status).Inc()
}

// RecordTrigger counts an execution started by the given trigger type.
func (pm *PrometheusMetrics) RecordTrigger(trigger domain.TriggerType) {
	if pm == nil {
		return
	}
	pm.triggersTotal.WithLabelValues(string(trigger)).Inc()
}

// SetRunningExecutions sets the running executions gauge.
func (pm *PrometheusMetrics) SetRunningExecutions(n int) {
	if pm == nil {
		return
	}
	pm.runningExecutions.Set(float64(n))
}

// WatchQueues reports per-queue job counts on every scrape.
func (pm *PrometheusMetrics) WatchQueues(namespace string, src QueueStatsSource) error {
	if namespace == "" {
		namespace = "orbit"
	}
	return pm.registry.Register(&queueCollector{
		src:  src,
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "queue_jobs"), "Jobs per queue and state", []string{"queue", "state"}, nil),
	})
}

// WatchBreakers reports webhook circuit breaker states on every scrape
// (0 closed, 1 open, 2 half-open).
func (pm *PrometheusMetrics) WatchBreakers(namespace string, reg *circuitbreaker.Registry) error {
	if namespace == "" {
		namespace = "orbit"
	}
	return pm.registry.Register(&breakerCollector{
		reg:  reg,
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "circuit_breaker_state"), "Webhook circuit breaker state per endpoint", []string{"endpoint"}, nil),
	})
}

// Handler returns an HTTP handler for Prometheus metrics scraping
func (pm *PrometheusMetrics) Handler() http.Handler {
	if pm == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// Registry returns the prometheus registry (for custom collectors)
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

type queueCollector struct {
	src  QueueStatsSource
	desc *prometheus.Desc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.GetAllQueueStats() {
		for state, n := range map[domain.JobState]int{
			domain.JobWaiting:   s.Waiting,
			domain.JobActive:    s.Active,
			domain.JobCompleted: s.Completed,
			domain.JobFailed:    s.Failed,
			domain.JobDelayed:   s.Delayed,
			domain.JobPaused:    s.Paused,
		} {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), s.Name, string(state))
		}
	}
}

type breakerCollector struct {
	reg  *circuitbreaker.Registry
	desc *prometheus.Desc
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for endpoint, state := range c.reg.Snapshot() {
		v := 0.0
		switch state {
		case circuitbreaker.StateOpen.String():
			v = 1
		case circuitbreaker.StateHalfOpen.String():
			v = 2
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, v, endpoint)
	}
}
