package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the switchboard service.
type Config struct {
	Listen    string          `yaml:"listen"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// RedisConfig holds the L0 KV store connection, used for distributed
// locks, the semantic cache shortcut, and pub/sub event fan-out. Empty
// Addr means fall back to the in-process memory store (single-node only).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds the durable SQLite-backed trace/policy/cache store.
type StorageConfig struct {
	Path          string `yaml:"path"`           // SQLite database path
	RetentionDays int    `yaml:"retention_days"` // trace retention before Vacuum
}

// UpstreamConfig holds the base URLs the orchestrator forwards to,
// selected per request by API key prefix.
type UpstreamConfig struct {
	OpenAI    string `yaml:"openai"`
	Anthropic string `yaml:"anthropic"`
	Google    string `yaml:"google"`
}

// FirewallConfig holds Semantic Firewall tuning.
type FirewallConfig struct {
	MaxLatencyMs     int  `yaml:"max_latency_ms"`
	BlockDestructive bool `yaml:"block_destructive"`
	BlockPII         bool `yaml:"block_pii"`
	ShadowMode       bool `yaml:"shadow_mode"`
}

// TrafficConfig holds Traffic Controller tuning.
type TrafficConfig struct {
	LockTTLSeconds       int  `yaml:"lock_ttl_seconds"`
	MaxQueueDepth        int  `yaml:"max_queue_depth"`
	EmergencyStopEnabled bool `yaml:"emergency_stop_enabled"`
}

// ControlConfig holds control-plane API authentication.
type ControlConfig struct {
	AuthEnabled bool   `yaml:"auth_enabled"`
	APIKey      string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// PolicyConfig points at the seed file that policy.Store loads for an
// org on its first policy lookup.
type PolicyConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// Load builds a Config from defaults overlaid with environment
// variables (no reflection-based binding: every field is set explicitly).
func Load() (*Config, error) {
	cfg := defaults()
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Redis: RedisConfig{
			Addr: "",
		},
		Storage: StorageConfig{
			Path:          "data/switchboard.db",
			RetentionDays: 90,
		},
		Upstream: UpstreamConfig{
			OpenAI:    "https://api.openai.com",
			Anthropic: "https://api.anthropic.com",
			Google:    "https://generativelanguage.googleapis.com",
		},
		Firewall: FirewallConfig{
			MaxLatencyMs:     10,
			BlockDestructive: true,
			BlockPII:         true,
			ShadowMode:       false,
		},
		Traffic: TrafficConfig{
			LockTTLSeconds:       30,
			MaxQueueDepth:        5,
			EmergencyStopEnabled: false,
		},
		Control: ControlConfig{
			AuthEnabled: false,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "switchboard",
			Insecure:    true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides, matching
// configuration table.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TIMESCALE_URL"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("UPSTREAM_OPENAI"); v != "" {
		c.Upstream.OpenAI = v
	}
	if v := os.Getenv("UPSTREAM_ANTHROPIC"); v != "" {
		c.Upstream.Anthropic = v
	}
	if v := os.Getenv("UPSTREAM_GOOGLE"); v != "" {
		c.Upstream.Google = v
	}
	if v := os.Getenv("FIREWALL_MAX_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Firewall.MaxLatencyMs = n
		}
	}
	if v := os.Getenv("FIREWALL_BLOCK_DESTRUCTIVE"); v != "" {
		c.Firewall.BlockDestructive = v == "true"
	}
	if v := os.Getenv("FIREWALL_BLOCK_PII"); v != "" {
		c.Firewall.BlockPII = v == "true"
	}
	if v := os.Getenv("SHADOW_MODE"); v != "" {
		c.Firewall.ShadowMode = v == "true"
	}
	if v := os.Getenv("POLICIES_CONFIG_PATH"); v != "" {
		c.Policy.SeedFile = v
	}
	if v := os.Getenv("LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Traffic.LockTTLSeconds = n
		}
	}
	if v := os.Getenv("MAX_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Traffic.MaxQueueDepth = n
		}
	}
	if v := os.Getenv("EMERGENCY_STOP_ENABLED"); v != "" {
		c.Traffic.EmergencyStopEnabled = v == "true"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("CONTROL_API_KEY"); v != "" {
		c.Control.APIKey = v
		c.Control.AuthEnabled = true
	}
	if os.Getenv("CONTROL_AUTH_ENABLED") == "true" {
		c.Control.AuthEnabled = true
	}

	if os.Getenv("SWITCHBOARD_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("SWITCHBOARD_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("SWITCHBOARD_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Traffic.LockTTLSeconds <= 0 {
		return fmt.Errorf("lock_ttl_seconds must be positive")
	}
	return nil
}

// LockTTL returns the configured lock TTL as a time.Duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Traffic.LockTTLSeconds) * time.Second
}
