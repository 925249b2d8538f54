package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 8, cfg.Async.Workers)
	assert.Equal(t, 200*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, "__keyevent@*__:*", cfg.Notify.Channel)
	assert.False(t, cfg.Archive.Enabled)
	assert.False(t, cfg.GRPC.Enabled)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	err := os.WriteFile(path, []byte(`{"redis":{"addr":"redis.internal:6380"},"async":{"workers":16}}`), 0o644)
	require.NoError(t, err)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 16, cfg.Async.Workers)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, DefaultConfig().Sandbox.JSWorkerBin, cfg.Sandbox.JSWorkerBin)
}

func TestLoadFromFileMissingPath(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("GEARS_REDIS_ADDR", "env-redis:6379")
	t.Setenv("GEARS_ASYNC_WORKERS", "32")
	t.Setenv("GEARS_ARCHIVE_ENABLED", "true")
	t.Setenv("GEARS_GRPC_ADDR", ":9191")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 32, cfg.Async.Workers)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, ":9191", cfg.GRPC.Addr)
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true,
		"false": false, "0": false, "no": false, "": false, "garbage": false,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseBool(input), "input=%q", input)
	}
}
