package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"airmesh/pkg/utils"
)

// Config is the full station configuration: identity, storage location
// and the per-component tuning knobs.
type Config struct {
	Callsign    string `json:"callsign"`
	DataDir     string `json:"data_dir"`
	MetricsAddr string `json:"metrics_addr,omitempty"` // empty disables the exporter

	Cache        CacheConfig        `json:"cache,omitempty"`
	Subscription SubscriptionConfig `json:"subscription,omitempty"`
	Retry        RetryConfig        `json:"retry,omitempty"`
	Modem        ModemConfig        `json:"modem,omitempty"`
	Router       RouterConfig       `json:"router,omitempty"`
	Sweep        SweepConfig        `json:"sweep,omitempty"`
}

// CacheConfig bounds the local update cache.
type CacheConfig struct {
	MaxSize string `json:"max_size"` // human-friendly, e.g. "200KiB"
	Policy  string `json:"policy"`   // priority-lru, priority-only, lru
}

// MaxSizeBytes resolves the configured cache budget.
func (c CacheConfig) MaxSizeBytes() int64 {
	return utils.ParseDataSizeWithDefault(c.MaxSize, 10*utils.MegaByte)
}

// SubscriptionConfig bounds the subscription registry.
type SubscriptionConfig struct {
	MaxPerSubscriber int `json:"max_per_subscriber"`
	DefaultTTLHours  int `json:"default_ttl_hours"`
}

// RetryConfig tunes retry coordination windows and hygiene.
type RetryConfig struct {
	WindowMinSec   int `json:"window_min_sec"`
	WindowMaxSec   int `json:"window_max_sec"`
	RetentionHours int `json:"retention_hours"`
	RequestsPerMin int `json:"requests_per_min"` // per-requester rate limit
}

// ModemConfig tunes adaptive modulation selection.
type ModemConfig struct {
	AdaptationRate float64 `json:"adaptation_rate"`
	MinHoldTimeMs  int     `json:"min_hold_time_ms"`
	MarginDB       float64 `json:"margin_db"`
	HysteresisDB   float64 `json:"hysteresis_db"`
}

// RouterConfig tunes delivery routing.
type RouterConfig struct {
	FreshnessWindowSec int `json:"freshness_window_sec"` // RF path considered alive
	StaggerIntervalMs  int `json:"stagger_interval_ms"`  // per-target collision spacing
	QueueDelayBaseMs   int `json:"queue_delay_base_ms"`  // busy-band delay numerator
}

// SweepConfig schedules the background hygiene loops.
type SweepConfig struct {
	IntervalSec int `json:"interval_sec"`
}

// DefaultConfig returns a configuration with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Cache: CacheConfig{
			MaxSize: "10MiB",
			Policy:  "priority-lru",
		},
		Subscription: SubscriptionConfig{
			MaxPerSubscriber: 10,
			DefaultTTLHours:  30 * 24,
		},
		Retry: RetryConfig{
			WindowMinSec:   10,
			WindowMaxSec:   30,
			RetentionHours: 24,
			RequestsPerMin: 6,
		},
		Modem: ModemConfig{
			AdaptationRate: 0.7,
			MinHoldTimeMs:  1000,
			MarginDB:       3,
			HysteresisDB:   2,
		},
		Router: RouterConfig{
			FreshnessWindowSec: 300,
			StaggerIntervalMs:  1000,
			QueueDelayBaseMs:   30000,
		},
		Sweep: SweepConfig{
			IntervalSec: 60,
		},
	}
}

// LoadConfig reads a JSON config file and fills gaps with defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a configuration from AIRMESH_* environment
// variables on top of the defaults.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.Callsign = getEnv("AIRMESH_CALLSIGN", cfg.Callsign)
	cfg.DataDir = getEnv("AIRMESH_DATA_DIR", cfg.DataDir)
	cfg.MetricsAddr = getEnv("AIRMESH_METRICS_ADDR", cfg.MetricsAddr)
	cfg.Cache.MaxSize = getEnv("AIRMESH_CACHE_MAX_SIZE", cfg.Cache.MaxSize)
	cfg.Cache.Policy = getEnv("AIRMESH_CACHE_POLICY", cfg.Cache.Policy)
	cfg.Retry.WindowMinSec = getEnvInt("AIRMESH_RETRY_WINDOW_MIN", cfg.Retry.WindowMinSec)
	cfg.Retry.WindowMaxSec = getEnvInt("AIRMESH_RETRY_WINDOW_MAX", cfg.Retry.WindowMaxSec)
	cfg.Sweep.IntervalSec = getEnvInt("AIRMESH_SWEEP_INTERVAL", cfg.Sweep.IntervalSec)
	return cfg
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Callsign == "" {
		return fmt.Errorf("callsign is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Cache.Policy {
	case "priority-lru", "priority-only", "lru":
	default:
		return fmt.Errorf("unknown cache policy: %s", c.Cache.Policy)
	}
	if c.Retry.WindowMinSec <= 0 || c.Retry.WindowMaxSec < c.Retry.WindowMinSec {
		return fmt.Errorf("invalid retry window [%d,%d]", c.Retry.WindowMinSec, c.Retry.WindowMaxSec)
	}
	if c.Modem.AdaptationRate <= 0 || c.Modem.AdaptationRate > 1 {
		return fmt.Errorf("modem adaptation_rate must be in (0,1], got %v", c.Modem.AdaptationRate)
	}
	return nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
