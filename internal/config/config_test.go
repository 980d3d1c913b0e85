package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validYAML = `
node:
  node_id: node-a
redis:
  host: redis.internal
  port: 6380
  pool_size: 10
cache:
  default_ttl: 1h
  compression_algorithm: high-ratio
  compression_threshold: 2048
state:
  checkpoint_dir: /tmp/cp
  spillover_dir: /tmp/spill
  checkpoint_max_count: 3
  spillover_threshold: 0.75
tenant:
  default_quotas:
    cache_bytes: 10000000
coordination:
  channel_prefix: crawl
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Equal(t, 1024, cfg.Cache.CompressionThreshold)
	assert.Equal(t, 5*time.Millisecond, cfg.Cache.SlowOpThreshold)
	assert.Equal(t, int64(100*1024*1024), cfg.State.MaxMemoryBytes)
	assert.InDelta(t, 0.8, cfg.State.SpilloverThreshold, 1e-9)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.NodeID)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, "high-ratio", cfg.Cache.CompressionAlgorithm)
	assert.Equal(t, 3, cfg.State.CheckpointMaxCount)
	assert.Equal(t, "crawl", cfg.Coordination.ChannelPrefix)
	assert.Equal(t, int64(10000000), cfg.Tenant.DefaultQuotas["cache_bytes"])
	// untouched defaults survive
	assert.Equal(t, 16, cfg.Tenant.MaxConcurrentOps)
	assert.Equal(t, 5*time.Minute, cfg.State.CheckpointInterval)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Node.NodeID, cfg.Node.NodeID)

	_, err = LoadStrict(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.env")
	t.Setenv("REDIS_PORT", "7000")
	t.Setenv("RIPTIDE_NODE_ID", "node-env")

	cfg, err := Load(writeConfig(t, t.TempDir(), validYAML))
	require.NoError(t, err)
	assert.Equal(t, "redis.env:7000", cfg.Redis.Addr())
	assert.Equal(t, "node-env", cfg.Node.NodeID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.Node.NodeID = "" }},
		{"bad compression", func(c *Config) { c.Cache.CompressionAlgorithm = "gzip" }},
		{"gain out of range", func(c *Config) { c.Cache.CompressionMinGain = 1.5 }},
		{"spill threshold zero", func(c *Config) { c.State.SpilloverThreshold = 0 }},
		{"no checkpoint dir", func(c *Config) { c.State.CheckpointDir = "" }},
		{"heartbeat slower than ttl", func(c *Config) { c.Coordination.HeartbeatInterval = time.Minute }},
		{"negative quota", func(c *Config) { c.Tenant.DefaultQuotas["sessions"] = -1 }},
		{"unknown tenant backend", func(c *Config) { c.Tenant.StoreBackend = "mysql" }},
		{"zero pool", func(c *Config) { c.Redis.PoolSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatcherReloadSwapsValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, zap.NewNop())

	var seenOld, seenNew *Config
	w.OnChange(func(old, updated *Config) {
		seenOld, seenNew = old, updated
	})

	writeConfig(t, dir, validYAML+"\nlogging:\n  level: debug\n")
	require.NoError(t, w.Reload())

	assert.Equal(t, "debug", w.Current().Logging.Level)
	assert.Same(t, initial, seenOld)
	assert.Same(t, w.Current(), seenNew)

	accepted, rejected := w.Counts()
	assert.Equal(t, uint64(1), accepted)
	assert.Equal(t, uint64(0), rejected)
}

func TestWatcherReloadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, zap.NewNop())
	called := false
	w.OnChange(func(old, updated *Config) { called = true })
	var refusals []error
	w.OnReject(func(err error) { refusals = append(refusals, err) })

	writeConfig(t, dir, validYAML+"\nstate:\n  spillover_threshold: 4\n")
	assert.Error(t, w.Reload())

	assert.Same(t, initial, w.Current())
	assert.False(t, called)

	writeConfig(t, dir, "node: [not, a, map")
	assert.Error(t, w.Reload())
	assert.Same(t, initial, w.Current())

	_, rejected := w.Counts()
	assert.Equal(t, uint64(2), rejected)
	assert.Len(t, refusals, 2)
}

func TestRestartRequired(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	b.Node.NodeID = "other"
	b.State.CheckpointDir = "/elsewhere"

	assert.ElementsMatch(t, []string{"node.node_id", "state.checkpoint_dir"}, restartRequired(a, b))
	assert.Empty(t, restartRequired(a, DefaultConfig()))
}
