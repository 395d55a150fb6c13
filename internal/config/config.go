package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"gopkg.in/yaml.v3"
)

// EngineConfig holds the workflow engine runtime settings. It is also the
// shape returned by Engine.GetConfig and accepted by Engine.UpdateConfig.
type EngineConfig struct {
	MaxConcurrentWorkflows int                `json:"max_concurrent_workflows" yaml:"maxConcurrentWorkflows"`
	DefaultTimeout         time.Duration      `json:"default_timeout" yaml:"defaultTimeout"`
	RetryPolicy            domain.RetryConfig `json:"retry_policy" yaml:"retryPolicy"`
	PollInterval           time.Duration      `json:"poll_interval" yaml:"pollInterval"`
	StepPollInterval       time.Duration      `json:"step_poll_interval" yaml:"stepPollInterval"`
	StepMaxWait            time.Duration      `json:"step_max_wait" yaml:"stepMaxWait"`
	StepFanOut             int                `json:"step_fan_out" yaml:"stepFanOut"`
}

// QueueOverride adjusts one of the built-in queues.
type QueueOverride struct {
	Concurrency int                 `json:"concurrency" yaml:"concurrency"`
	Retry       *domain.RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// QueueSettings configures the job queue backend.
type QueueSettings struct {
	PollInterval time.Duration            `json:"poll_interval" yaml:"pollInterval"`
	JobStore     string                   `json:"job_store" yaml:"jobStore"` // memory, redis
	Notifier     string                   `json:"notifier" yaml:"notifier"`  // channel, redis, redis-list, none
	Overrides    map[string]QueueOverride `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// StoreConfig selects the definition/execution store.
type StoreConfig struct {
	Backend     string `json:"backend" yaml:"backend"` // memory, postgres
	PostgresDSN string `json:"postgres_dsn" yaml:"postgresDSN"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// WatchConfig configures filesystem triggers.
type WatchConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"pollInterval"`
	EventsPerSec float64       `json:"events_per_sec" yaml:"eventsPerSec"`
	Burst        int           `json:"burst" yaml:"burst"`
}

// EventsConfig configures external lifecycle event delivery.
type EventsConfig struct {
	WebhookURL string            `json:"webhook_url" yaml:"webhookURL"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Format           string `json:"format" yaml:"format"` // text, json
	Level            string `json:"level" yaml:"level"`
	ExecutionLogPath string `json:"execution_log_path" yaml:"executionLogPath"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Exporter   string  `json:"exporter" yaml:"exporter"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint"`
	SampleRate float64 `json:"sample_rate" yaml:"sampleRate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr" yaml:"addr"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// ObservabilityConfig groups logging, tracing and metrics.
type ObservabilityConfig struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	Queue         QueueSettings       `json:"queue" yaml:"queue"`
	Store         StoreConfig         `json:"store" yaml:"store"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	Watch         WatchConfig         `json:"watch" yaml:"watch"`
	Events        EventsConfig        `json:"events" yaml:"events"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	ArchiveDir    string              `json:"archive_dir" yaml:"archiveDir"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentWorkflows: 5,
		DefaultTimeout:         30 * time.Minute,
		RetryPolicy: domain.RetryConfig{
			MaxRetries:      3,
			BackoffStrategy: domain.BackoffExponential,
			InitialDelay:    2 * time.Second,
			MaxDelay:        30 * time.Second,
		},
		PollInterval:     time.Second,
		StepPollInterval: time.Second,
		StepMaxWait:      5 * time.Minute,
		StepFanOut:       1,
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: DefaultEngineConfig(),
		Queue: QueueSettings{
			PollInterval: 500 * time.Millisecond,
			JobStore:     "memory",
			Notifier:     "channel",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Watch: WatchConfig{
			PollInterval: 2 * time.Second,
			EventsPerSec: 10,
			Burst:        20,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Format: "text",
				Level:  "info",
			},
			Tracing: TracingConfig{
				Exporter:   "otlp-http",
				Endpoint:   "localhost:4318",
				SampleRate: 1.0,
			},
			Metrics: MetricsConfig{
				Addr:      ":9464",
				Namespace: "orbit",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the
// defaults. The format is chosen by extension.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ORBIT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ORBIT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ORBIT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("ORBIT_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
		cfg.Store.Backend = "postgres"
	}
	if v := os.Getenv("ORBIT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("ORBIT_JOB_STORE"); v != "" {
		cfg.Queue.JobStore = v
	}
	if v := os.Getenv("ORBIT_NOTIFIER"); v != "" {
		cfg.Queue.Notifier = v
	}
	if v := os.Getenv("ORBIT_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("ORBIT_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("ORBIT_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxConcurrentWorkflows = n
		}
	}
	if v := os.Getenv("ORBIT_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.DefaultTimeout = d
		}
	}
	if v := os.Getenv("ORBIT_EVENTS_WEBHOOK_URL"); v != "" {
		cfg.Events.WebhookURL = v
	}
	if v := os.Getenv("ORBIT_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
		cfg.Observability.Metrics.Enabled = true
	}
	if v := os.Getenv("ORBIT_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
		cfg.Observability.Tracing.Enabled = true
	}
}
