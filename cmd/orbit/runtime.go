package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/oriys/orbit/internal/circuitbreaker"
	"github.com/oriys/orbit/internal/config"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/eventbus"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/processor"
	"github.com/oriys/orbit/internal/queue"
	"github.com/oriys/orbit/internal/store"
	"github.com/oriys/orbit/internal/triggers"
	"github.com/oriys/orbit/internal/workflow"
	"github.com/redis/go-redis/v9"
)

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	if pgDSN != "" {
		cfg.Store.Backend = "postgres"
		cfg.Store.PostgresDSN = pgDSN
	}
	if logLevel != "" {
		cfg.Observability.Logging.Level = logLevel
	}
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	return cfg, nil
}

// runtime is one composed engine with everything it owns.
type runtime struct {
	engine   *workflow.Engine
	queue    *queue.Manager
	store    store.Store
	metrics  *metrics.PrometheusMetrics
	breakers *circuitbreaker.Registry
	sink     *eventbus.WebhookSink
	audit    *logging.ExecutionLogger
	closers  []func() error
}

func (r *runtime) Close() {
	if r.engine != nil {
		r.engine.Close()
	}
	if r.sink != nil {
		r.sink.Close()
	}
	if r.queue != nil {
		r.queue.Close()
	}
	if r.audit != nil {
		r.audit.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logging.Op().Warn("close failed", "error", err)
		}
	}
}

// buildRuntime wires store, queue, metrics, events and the engine from cfg.
// withMetrics enables the Prometheus registry regardless of cfg.
func buildRuntime(ctx context.Context, cfg *config.Config, withMetrics bool) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	rt.store = st
	rt.closers = append(rt.closers, st.Close)

	jobStore, notifier, err := rt.openQueueBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	qcfg := queue.Config{PollInterval: cfg.Queue.PollInterval, Notifier: notifier}
	if jobStore != nil {
		qcfg.Store = jobStore
	}
	rt.queue = queue.NewManager(qcfg)
	if err := createQueues(rt.queue, cfg.Queue.Overrides); err != nil {
		return nil, err
	}

	rt.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	if withMetrics || cfg.Observability.Metrics.Enabled {
		ns := cfg.Observability.Metrics.Namespace
		rt.metrics = metrics.NewPrometheus(ns, nil)
		if err := rt.metrics.WatchQueues(ns, rt.queue); err != nil {
			return nil, fmt.Errorf("register queue metrics: %w", err)
		}
		if err := rt.metrics.WatchBreakers(ns, rt.breakers); err != nil {
			return nil, fmt.Errorf("register breaker metrics: %w", err)
		}
	}

	rt.audit = logging.NewExecutionLogger(nil)
	if path := cfg.Observability.Logging.ExecutionLogPath; path != "" {
		if err := rt.audit.SetOutput(path); err != nil {
			return nil, fmt.Errorf("open execution log: %w", err)
		}
	}

	bus := eventbus.New()
	deliverer := eventbus.NewDeliverer(eventbus.DelivererConfig{Headers: cfg.Events.Headers}, rt.breakers)
	if cfg.Events.WebhookURL != "" {
		rt.sink, err = eventbus.NewWebhookSink(cfg.Events.WebhookURL, deliverer, 0)
		if err != nil {
			return nil, err
		}
		rt.sink.Attach(bus)
	}

	var archiver workflow.Archiver
	if cfg.ArchiveDir != "" {
		archiver = &workflow.FileArchiver{Dir: cfg.ArchiveDir}
	}

	rt.engine, err = workflow.New(workflow.Config{
		Engine: cfg.Engine,
		Queue:  rt.queue,
		Store:  st,
		Collaborators: processor.Collaborators{
			Documents: processor.Passthrough,
			AI:        processor.Passthrough,
			Notifier:  &processor.WebhookNotifier{Deliverer: deliverer, Fallback: processor.LogNotifier{}},
		},
		Bus:     bus,
		Metrics: rt.metrics,
		Watch: triggers.Defaults{
			PollInterval: cfg.Watch.PollInterval,
			EventsPerSec: cfg.Watch.EventsPerSec,
			Burst:        cfg.Watch.Burst,
		},
		Archiver: archiver,
		AuditLog: rt.audit,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store requires a DSN")
		}
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// openQueueBackend returns the job store (nil for in-memory) and the worker
// notifier selected by cfg. Both are closed with the runtime.
func (rt *runtime) openQueueBackend(ctx context.Context, cfg *config.Config) (*queue.RedisJobStore, queue.Notifier, error) {
	var (
		jobStore *queue.RedisJobStore
		client   *redis.Client
		err      error
	)
	switch cfg.Queue.JobStore {
	case "", "memory":
	case "redis":
		jobStore, err = queue.NewRedisJobStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis job store: %w", err)
		}
		client = jobStore.Client()
		rt.closers = append(rt.closers, jobStore.Close)
	default:
		return nil, nil, fmt.Errorf("unknown job store %q", cfg.Queue.JobStore)
	}

	redisClient := func() *redis.Client {
		if client == nil {
			client = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			rt.closers = append(rt.closers, client.Close)
		}
		return client
	}
	var notifier queue.Notifier
	switch cfg.Queue.Notifier {
	case "", "channel":
		notifier = queue.NewChannelNotifier()
	case "redis":
		notifier = queue.NewRedisNotifier(redisClient())
	case "redis-list":
		notifier = queue.NewRedisListNotifier(redisClient())
	case "none":
		notifier = queue.NewNoopNotifier()
	default:
		return nil, nil, fmt.Errorf("unknown notifier %q", cfg.Queue.Notifier)
	}
	rt.closers = append(rt.closers, notifier.Close)
	return jobStore, notifier, nil
}

// createQueues creates the built-in queues with any configured overrides
// before the engine does, so the overrides win. The workflow-execution queue
// is sized by the engine from MaxConcurrentWorkflows.
func createQueues(m *queue.Manager, overrides map[string]config.QueueOverride) error {
	for _, qc := range queue.DefaultQueues() {
		if o, ok := overrides[qc.Name]; ok {
			if o.Concurrency > 0 && qc.Name == domain.QueueWorkflowExecution {
				logging.Op().Warn("workflow-execution concurrency follows engine.maxConcurrentWorkflows; override ignored", "concurrency", o.Concurrency)
			} else if o.Concurrency > 0 {
				qc.Concurrency = o.Concurrency
			}
			if o.Retry != nil {
				qc.RetryConfig = *o.Retry
			}
		}
		if err := m.CreateQueue(qc); err != nil {
			return fmt.Errorf("create queue %s: %w", qc.Name, err)
		}
	}
	for name := range overrides {
		if !isBuiltinQueue(name) {
			logging.Op().Warn("override for unknown queue ignored", "queue", name)
		}
	}
	return nil
}

func isBuiltinQueue(name string) bool {
	for _, qc := range queue.DefaultQueues() {
		if qc.Name == name {
			return true
		}
	}
	return false
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
