package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Session SessionConfig `yaml:"session"`
	Events  EventsConfig  `yaml:"events"`
	Health  HealthConfig  `yaml:"health"`

	// Logging Configuration
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, text

	// Runtime Configuration
	MetricsAddr     string   `yaml:"metrics_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SessionConfig holds session persistence configuration
type SessionConfig struct {
	Backend       string   `yaml:"backend"` // memory, file, redis, postgres
	TTL           Duration `yaml:"ttl"`
	MaxRecordSize int64    `yaml:"max_record_size"`
	SweepInterval Duration `yaml:"sweep_interval"`

	FileDir string `yaml:"file_dir"`

	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	RedisPrefix   string   `yaml:"redis_prefix"`
	RedisTTL      Duration `yaml:"redis_ttl"`

	PostgresDSN string `yaml:"postgres_dsn"`
}

// EventsConfig holds event bus configuration
type EventsConfig struct {
	Dir           string   `yaml:"dir"`
	RetentionAge  Duration `yaml:"retention_age"`
	MaxEntries    int      `yaml:"max_entries"`
	DefaultReplay string   `yaml:"default_replay"` // NONE, CRITICAL_ONLY, FULL
}

// HealthConfig holds agent health monitor configuration
type HealthConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ActivityTimeout   Duration `yaml:"activity_timeout"`
	MaxMissedBeats    int      `yaml:"max_missed_beats"`
	ZombieFactor      int      `yaml:"zombie_factor"`
	ProbeTimeout      Duration `yaml:"probe_timeout"`
	AutoRecover       bool     `yaml:"auto_recover"`
	EscalationRate    float64  `yaml:"escalation_rate"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Backend:       "memory",
			TTL:           Duration(72 * time.Hour),
			MaxRecordSize: 1 << 20,
			SweepInterval: Duration(5 * time.Minute),
			RedisPrefix:   "agentcore:session:",
		},
		Events: EventsConfig{
			RetentionAge:  Duration(24 * time.Hour),
			MaxEntries:    10000,
			DefaultReplay: "CRITICAL_ONLY",
		},
		Health: HealthConfig{
			HeartbeatInterval: Duration(10 * time.Second),
			ActivityTimeout:   Duration(2 * time.Minute),
			MaxMissedBeats:    3,
			ZombieFactor:      2,
			ProbeTimeout:      Duration(5 * time.Second),
		},
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: Duration(30 * time.Second),
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Secrets come from the environment when absent from the file
	if cfg.Session.RedisPassword == "" {
		cfg.Session.RedisPassword = os.Getenv("AGENTCORE_REDIS_PASSWORD")
	}
	if cfg.Session.RedisAddr == "" {
		cfg.Session.RedisAddr = os.Getenv("AGENTCORE_REDIS_ADDR")
	}
	if cfg.Session.PostgresDSN == "" {
		cfg.Session.PostgresDSN = os.Getenv("AGENTCORE_POSTGRES_DSN")
	}

	return cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "memory", "file":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("redis backend requires redis_addr")
		}
	case "postgres":
		if c.Session.PostgresDSN == "" {
			return fmt.Errorf("postgres backend requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.Session.MaxRecordSize <= 0 {
		return fmt.Errorf("session max_record_size must be positive")
	}

	switch c.Events.DefaultReplay {
	case "NONE", "CRITICAL_ONLY", "FULL":
	default:
		return fmt.Errorf("unknown replay policy %q", c.Events.DefaultReplay)
	}
	if c.Events.Dir == "" {
		return fmt.Errorf("events dir is required")
	}

	if c.Health.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.Health.MaxMissedBeats <= 0 {
		return fmt.Errorf("max_missed_beats must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	return nil
}
