package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocity-tts/velocity/velocity"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "velocity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValidAndMatchesEngineDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, velocity.DefaultConfig(), cfg.VelocityConfig())
}

func TestLoad_EmptyPath_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN a file overriding a few engine and bus settings
	path := writeFile(t, `
engine:
  cache:
    total_blocks: 64
    block_size: 8
  batch:
    lookahead: -1
    admission_mode: optimistic
  queue:
    timeout_ms: 250
  stream:
    policy: drop-oldest
bus:
  enabled: true
  embedded: true
logging:
  format: json
`)

	// WHEN loaded
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN overridden keys change and the rest keep their defaults
	vc := cfg.VelocityConfig()
	assert.Equal(t, 64, vc.Cache.TotalBlocks)
	assert.Equal(t, 8, vc.Cache.BlockSize)
	assert.Equal(t, -1, vc.Batch.Lookahead)
	assert.Equal(t, velocity.AdmissionOptimistic, vc.Batch.AdmissionMode)
	assert.Equal(t, 250*time.Millisecond, vc.Queue.Timeout)
	assert.Equal(t, velocity.PolicyDropOldest, vc.Stream.Policy)
	assert.Equal(t, velocity.DefaultConfig().Batch.MaxBatchSize, vc.Batch.MaxBatchSize)
	assert.True(t, cfg.Bus.Embedded)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_UnknownKey_IsRejected(t *testing.T) {
	path := writeFile(t, "engine:\n  cache:\n    total_blockz: 64\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "engine:\n  cache:\n    total_blocks: 64\n")
	t.Setenv("VELOCITY_CACHE_TOTAL_BLOCKS", "128")
	t.Setenv("VELOCITY_BUS_SERVERS", "nats://a:4222, nats://b:4222")
	t.Setenv("VELOCITY_EXECUTOR_SEED", "7")
	t.Setenv("VELOCITY_CACHE_ZERO_ON_FREE", "true")
	t.Setenv("VELOCITY_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Engine.Cache.TotalBlocks)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Bus.Servers)
	assert.Equal(t, int64(7), cfg.ExecutorConfig().Seed)
	assert.True(t, cfg.VelocityConfig().Cache.ZeroOnFree)
	assert.Equal(t, 8080, cfg.Server.Port, "unparsable values are ignored")
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero blocks", func(c *Config) { c.Engine.Cache.TotalBlocks = 0 }},
		{"bad admission mode", func(c *Config) { c.Engine.Batch.AdmissionMode = "greedy" }},
		{"bad trace level", func(c *Config) { c.Engine.TraceLevel = "verbose" }},
		{"bad fault rate", func(c *Config) { c.Executor.FaultRate = 1.5 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad path", func(c *Config) { c.Server.Path = "stream" }},
		{"bad encoding", func(c *Config) { c.Server.AudioEncoding = "mp3" }},
		{"bus without servers", func(c *Config) { c.Bus.Enabled = true }},
		{"journal without path", func(c *Config) { c.Journal.Enabled = true; c.Journal.Path = "" }},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.Tracing = "otlp" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_DisabledServerSkipsPortCheck(t *testing.T) {
	cfg := Default()
	cfg.Server.Enabled = false
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate())
}
