package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "priority-lru", cfg.Cache.Policy)
	assert.Equal(t, 10, cfg.Retry.WindowMinSec)
	assert.Equal(t, 30, cfg.Retry.WindowMaxSec)
	assert.Equal(t, 0.7, cfg.Modem.AdaptationRate)
	assert.Equal(t, 1000, cfg.Modem.MinHoldTimeMs)
	assert.Equal(t, float64(3), cfg.Modem.MarginDB)
	assert.Equal(t, float64(2), cfg.Modem.HysteresisDB)
	assert.Equal(t, 300, cfg.Router.FreshnessWindowSec)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"callsign": "W1AW",
		"data_dir": "/tmp/airmesh",
		"cache": {"max_size": "200KiB", "policy": "lru"},
		"retry": {"window_min_sec": 5, "window_max_sec": 15}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "W1AW", cfg.Callsign)
	assert.Equal(t, int64(200*1024), cfg.Cache.MaxSizeBytes())
	assert.Equal(t, "lru", cfg.Cache.Policy)
	assert.Equal(t, 5, cfg.Retry.WindowMinSec)
	assert.Equal(t, 15, cfg.Retry.WindowMaxSec)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.7, cfg.Modem.AdaptationRate)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing callsign", func(c *Config) { c.Callsign = "" }, "callsign"},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"bad policy", func(c *Config) { c.Cache.Policy = "mru" }, "cache policy"},
		{"inverted window", func(c *Config) { c.Retry.WindowMinSec = 30; c.Retry.WindowMaxSec = 10 }, "retry window"},
		{"bad adaptation rate", func(c *Config) { c.Modem.AdaptationRate = 1.5 }, "adaptation_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Callsign = "W1AW"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AIRMESH_CALLSIGN", "K2XYZ")
	t.Setenv("AIRMESH_CACHE_POLICY", "priority-only")
	t.Setenv("AIRMESH_RETRY_WINDOW_MAX", "60")

	cfg := LoadFromEnv()
	assert.Equal(t, "K2XYZ", cfg.Callsign)
	assert.Equal(t, "priority-only", cfg.Cache.Policy)
	assert.Equal(t, 60, cfg.Retry.WindowMaxSec)
	assert.Equal(t, 10, cfg.Retry.WindowMinSec)
}
