package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 100000, cfg.Queue.MaxSize)
	assert.Equal(t, 3*time.Second, cfg.Queue.RetryBackoff)
	assert.Equal(t, uint64(1)<<24, cfg.Dedup.BitSize)
	assert.Empty(t, cfg.Dedup.Seeds)
	assert.Equal(t, time.Second, cfg.Selector.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, BackendNone, cfg.Events.Backend)
	assert.True(t, cfg.Persistence.PersistBeforeExit)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
  api_key: secret
logging:
  development: false
redis:
  addr: redis:6379
  db: 2
queue:
  backend: redis
  max_size: 500
dedup:
  backend: redis
  bit_size: 1024
  seeds: ["3", "5"]
  block_count: 4
persistence:
  backend: postgres
  postgres_dsn: postgres://crawl@db/crawl
selector:
  interval: 250ms
fetcher:
  concurrency: 32
  per_host_rps: 0.5
  blocked_hosts: [ads.example]
events:
  backend: pubsub
  project_id: demo-project
  topic: lifecycle
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, RedisConfig{Addr: "redis:6379", DB: 2}, cfg.Redis)
	assert.Equal(t, BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, 500, cfg.Queue.MaxSize)
	assert.Equal(t, uint64(1024), cfg.Dedup.BitSize)
	assert.Equal(t, []string{"3", "5"}, cfg.Dedup.Seeds)
	assert.Equal(t, 4, cfg.Dedup.BlockCount)
	assert.Equal(t, BackendPostgres, cfg.Persistence.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Selector.Interval)
	assert.Equal(t, 32, cfg.Fetcher.Concurrency)
	assert.InDelta(t, 0.5, cfg.Fetcher.PerHostRPS, 1e-9)
	assert.Equal(t, []string{"ads.example"}, cfg.Fetcher.BlockedHosts)
	assert.Equal(t, "demo-project", cfg.Events.ProjectID)
	assert.Equal(t, "lifecycle", cfg.Events.Topic)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Queue.Backend = "kafka"
	cfg.Persistence.Backend = BackendPostgres
	cfg.Events.Backend = BackendPubSub
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.backend")
	assert.Contains(t, err.Error(), "persistence.postgres_dsn")
	assert.Contains(t, err.Error(), "events.project_id")
}
