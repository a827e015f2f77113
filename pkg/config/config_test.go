package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
session:
  backend: redis
  redis_addr: localhost:6379
  ttl: 24h
events:
  dir: /var/lib/agentcore/events
  retention_age: 12h
health:
  heartbeat_interval: 5s
  max_missed_beats: 5
log_level: debug
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Session.Backend != "redis" || cfg.Session.RedisAddr != "localhost:6379" {
		t.Errorf("session config = %+v", cfg.Session)
	}
	if cfg.Session.TTL.Std() != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h", cfg.Session.TTL)
	}
	if cfg.Health.HeartbeatInterval.Std() != 5*time.Second || cfg.Health.MaxMissedBeats != 5 {
		t.Errorf("health config = %+v", cfg.Health)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}

	// Unset fields keep their defaults.
	if cfg.Session.MaxRecordSize != 1<<20 {
		t.Errorf("MaxRecordSize = %d, want default 1MiB", cfg.Session.MaxRecordSize)
	}
	if cfg.Events.DefaultReplay != "CRITICAL_ONLY" {
		t.Errorf("DefaultReplay = %q, want CRITICAL_ONLY", cfg.Events.DefaultReplay)
	}
	if cfg.Health.ZombieFactor != 2 {
		t.Errorf("ZombieFactor = %d, want 2", cfg.Health.ZombieFactor)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/agentcore.yaml"); err == nil {
		t.Error("LoadConfig on missing file succeeded")
	}
}

func TestLoadConfigEnvFallback(t *testing.T) {
	t.Setenv("AGENTCORE_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("AGENTCORE_REDIS_PASSWORD", "hunter2")

	path := writeConfig(t, `
session:
  backend: redis
events:
  dir: /tmp/events
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Session.RedisAddr != "redis.internal:6379" {
		t.Errorf("RedisAddr = %q, want env fallback", cfg.Session.RedisAddr)
	}
	if cfg.Session.RedisPassword != "hunter2" {
		t.Errorf("RedisPassword = %q, want env fallback", cfg.Session.RedisPassword)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Session.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Session.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Session.Backend = "postgres" }},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"bad replay policy", func(c *Config) { c.Events.DefaultReplay = "SOMETIMES" }},
		{"missing events dir", func(c *Config) { c.Events.Dir = "" }},
		{"zero heartbeat", func(c *Config) { c.Health.HeartbeatInterval = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Events.Dir = "/tmp/events"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", tc.name)
			}
		})
	}

	cfg := Default()
	cfg.Events.Dir = "/tmp/events"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate rejected defaults: %v", err)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Events.Dir = "/srv/events"
	cfg.Session.Backend = "file"
	cfg.Session.FileDir = "/srv/sessions"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Session.Backend != "file" || got.Session.FileDir != "/srv/sessions" {
		t.Errorf("round trip lost session config: %+v", got.Session)
	}
	if got.Events.Dir != "/srv/events" {
		t.Errorf("round trip lost events dir: %q", got.Events.Dir)
	}
}
