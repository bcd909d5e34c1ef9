package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Kind != "memory" {
		t.Errorf("Broker.Kind = %q, want memory", cfg.Broker.Kind)
	}
	if cfg.Persistence.Backend != "memory" {
		t.Errorf("Persistence.Backend = %q, want memory", cfg.Persistence.Backend)
	}
	if cfg.Gateway.Addr != ":8080" {
		t.Errorf("Gateway.Addr = %q, want :8080", cfg.Gateway.Addr)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machina.yaml")
	doc := `
broker:
  kind: nats
  url: nats://localhost:4222
  prefix: test
persistence:
  backend: bolt
  path: /tmp/machina.db
  snapshotInterval: 10
gateway:
  enabled: false
broadcast:
  heartbeatInterval: 2s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Kind != "nats" || cfg.Broker.URL != "nats://localhost:4222" {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Persistence.Backend != "bolt" || cfg.Persistence.SnapshotInterval != 10 {
		t.Errorf("persistence = %+v", cfg.Persistence)
	}
	if cfg.Gateway.Enabled {
		t.Errorf("gateway should be disabled")
	}
	if cfg.Broadcast.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeatInterval = %v, want 2s", cfg.Broadcast.HeartbeatInterval)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machina.json")
	doc := `{"broker":{"kind":"embedded"},"tracing":{"exporter":"stdout"}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Kind != "embedded" {
		t.Errorf("Broker.Kind = %q, want embedded", cfg.Broker.Kind)
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing.Exporter = %q, want stdout", cfg.Tracing.Exporter)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MACHINA_BROKER_KIND", "nats")
	t.Setenv("MACHINA_BROKER_URL", "nats://env:4222")
	t.Setenv("MACHINA_GATEWAY_ENABLED", "false")
	t.Setenv("MACHINA_PERSISTENCE_SNAPSHOTINTERVAL", "25")
	t.Setenv("MACHINA_BROADCAST_HEARTBEATINTERVAL", "500ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Kind != "nats" || cfg.Broker.URL != "nats://env:4222" {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Gateway.Enabled {
		t.Errorf("gateway should be disabled via env")
	}
	if cfg.Persistence.SnapshotInterval != 25 {
		t.Errorf("snapshotInterval = %d, want 25", cfg.Persistence.SnapshotInterval)
	}
	if cfg.Broadcast.HeartbeatInterval != 500*time.Millisecond {
		t.Errorf("heartbeatInterval = %v, want 500ms", cfg.Broadcast.HeartbeatInterval)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown broker", func(c *Config) { c.Broker.Kind = "kafka" }},
		{"unknown backend", func(c *Config) { c.Persistence.Backend = "dynamo" }},
		{"nats without url", func(c *Config) { c.Broker.Kind = "nats" }},
		{"sqlite without dsn", func(c *Config) { c.Persistence.Backend = "sqlite" }},
		{"bolt without path", func(c *Config) { c.Persistence.Backend = "bolt" }},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid config", tc.name)
		}
	}
}
