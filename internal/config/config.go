// Package config loads and validates crawlsched configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Selector    SelectorConfig    `mapstructure:"selector"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Parser      ParserConfig      `mapstructure:"parser"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig controls the control-plane HTTP server and the ctl client.
type ServerConfig struct {
	Port    int           `mapstructure:"port"`
	APIKey  string        `mapstructure:"api_key"`
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MetricsPort serves /metrics for the fetch and parse stages, which have
	// no control plane. Zero disables it.
	MetricsPort int `mapstructure:"metrics_port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
}

// RedisConfig addresses the Redis server shared by the queue and dedup backends.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig selects the priority queue backend.
type QueueConfig struct {
	Backend         string        `mapstructure:"backend"`
	MaxSize         int           `mapstructure:"max_size"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff"`
}

// DedupConfig selects the dedup filter backend and its defaults.
type DedupConfig struct {
	Backend    string   `mapstructure:"backend"`
	BitSize    uint64   `mapstructure:"bit_size"`
	// Seeds override the built-in hash seeds when set.
	Seeds      []string `mapstructure:"seeds"`
	BlockCount int      `mapstructure:"block_count"`
}

// PersistenceConfig selects the persistence store backend.
type PersistenceConfig struct {
	Backend           string `mapstructure:"backend"`
	SQLitePath        string `mapstructure:"sqlite_path"`
	PostgresDSN       string `mapstructure:"postgres_dsn"`
	PersistBeforeExit bool   `mapstructure:"persist_before_exit"`
}

// SelectorConfig controls the selector tick.
type SelectorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// SchedulerConfig controls the scheduler loop.
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// FetcherConfig controls the fetch stage.
type FetcherConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	PerHostRPS    float64       `mapstructure:"per_host_rps"`
	PerHostBurst  int           `mapstructure:"per_host_burst"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	BlockedHosts  []string      `mapstructure:"blocked_hosts"`
}

// ParserConfig controls the parse stage.
type ParserConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// EventsConfig selects where lifecycle events are published.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Backend names.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPubSub   = "pubsub"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.address", "http://localhost:8080")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("server.metrics_port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "crawlsched")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.max_size", 100000)
	v.SetDefault("queue.sqlite_path", "crawlsched-queues.db")
	v.SetDefault("queue.retry_backoff", "3s")
	v.SetDefault("queue.retry_max_backoff", "30s")
	v.SetDefault("dedup.backend", BackendMemory)
	v.SetDefault("dedup.bit_size", uint64(1)<<24)
	v.SetDefault("dedup.block_count", 1)
	v.SetDefault("persistence.backend", BackendMemory)
	v.SetDefault("persistence.sqlite_path", "crawlsched-state.db")
	v.SetDefault("persistence.persist_before_exit", true)
	v.SetDefault("selector.interval", "1s")
	v.SetDefault("scheduler.poll_interval", "100ms")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("fetcher.concurrency", 16)
	v.SetDefault("fetcher.per_host_rps", 2.0)
	v.SetDefault("fetcher.per_host_burst", 2)
	v.SetDefault("fetcher.user_agent", "crawlsched-bot/0.1")
	v.SetDefault("fetcher.timeout", "15s")
	v.SetDefault("fetcher.poll_interval", "100ms")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("parser.concurrency", 4)
	v.SetDefault("parser.poll_interval", "100ms")
	v.SetDefault("events.backend", BackendNone)
	v.SetDefault("events.topic", "crawlsched-lifecycle")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(oneOf(c.Queue.Backend, BackendMemory, BackendRedis, BackendSQLite),
		"queue.backend %q must be memory, redis or sqlite", c.Queue.Backend)
	check(c.Queue.MaxSize > 0, "queue.max_size must be > 0")
	check(c.Queue.Backend != BackendSQLite || c.Queue.SQLitePath != "",
		"queue.sqlite_path is required for the sqlite backend")
	check(oneOf(c.Dedup.Backend, BackendMemory, BackendRedis),
		"dedup.backend %q must be memory or redis", c.Dedup.Backend)
	check(c.Dedup.BitSize > 0, "dedup.bit_size must be > 0")
	check(c.Dedup.BlockCount > 0, "dedup.block_count must be > 0")
	check(oneOf(c.Persistence.Backend, BackendMemory, BackendSQLite, BackendPostgres),
		"persistence.backend %q must be memory, sqlite or postgres", c.Persistence.Backend)
	check(c.Persistence.Backend != BackendPostgres || c.Persistence.PostgresDSN != "",
		"persistence.postgres_dsn is required for the postgres backend")
	check(c.Persistence.Backend != BackendSQLite || c.Persistence.SQLitePath != "",
		"persistence.sqlite_path is required for the sqlite backend")
	check(c.Selector.Interval > 0, "selector.interval must be > 0")
	check(c.Scheduler.PollInterval > 0, "scheduler.poll_interval must be > 0")
	check(c.Scheduler.BatchSize > 0, "scheduler.batch_size must be > 0")
	check(c.Fetcher.Concurrency > 0, "fetcher.concurrency must be > 0")
	check(c.Fetcher.Timeout > 0, "fetcher.timeout must be > 0")
	check(c.Parser.Concurrency > 0, "parser.concurrency must be > 0")
	check(oneOf(c.Events.Backend, BackendNone, BackendMemory, BackendPubSub),
		"events.backend %q must be none, memory or pubsub", c.Events.Backend)
	check(c.Events.Backend != BackendPubSub || c.Events.ProjectID != "",
		"events.project_id is required for the pubsub backend")
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}
