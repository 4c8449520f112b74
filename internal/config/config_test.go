package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BATCH_SIZE", "")
	t.Setenv("FREE_TIER_LIMIT", "")
	t.Setenv("PRIVILEGED_TOKENS", "")

	cfg := Load()

	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, 3, cfg.FreeTierLimit)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxFileSize)
	assert.Equal(t, 0.8, cfg.DefaultQuality)
	assert.Equal(t, 1920, cfg.DefaultMaxWidth)
	assert.Equal(t, 1080, cfg.DefaultMaxHeight)
	assert.Equal(t, "jpeg", cfg.DefaultOutputFormat)
	assert.Equal(t, 200*time.Millisecond, cfg.ProgressTick)
	assert.Empty(t, cfg.PrivilegedTokens)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "5")
	t.Setenv("DEFAULT_QUALITY", "0.5")
	t.Setenv("PROGRESS_TICK", "50ms")
	t.Setenv("SINK_S3_USE_SSL", "false")
	t.Setenv("PRIVILEGED_TOKENS", " alpha, ,beta ")

	cfg := Load()

	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 0.5, cfg.DefaultQuality)
	assert.Equal(t, 50*time.Millisecond, cfg.ProgressTick)
	assert.False(t, cfg.SinkS3UseSSL)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.PrivilegedTokens)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("BATCH_SIZE", "three")
	t.Setenv("PROGRESS_TICK", "soon")

	cfg := Load()

	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, 200*time.Millisecond, cfg.ProgressTick)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "BATCH_SIZE"},
		{"quality above one", func(c *Config) { c.DefaultQuality = 1.5 }, "DEFAULT_QUALITY"},
		{"quality zero", func(c *Config) { c.DefaultQuality = 0 }, "DEFAULT_QUALITY"},
		{"progress cap at 100", func(c *Config) { c.ProgressCap = 100 }, "progress bounds"},
		{"bucket missing", func(c *Config) { c.SinkS3Endpoint = "localhost:9000"; c.SinkS3Bucket = "" }, "SINK_S3_BUCKET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
