// Package config loads daemon configuration from YAML or JSON files, with
// reflective environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxorio/machina/pkg/core"
)

// EnvPrefix is the prefix of all override variables, e.g.
// MACHINA_BROKER_KIND.
const EnvPrefix = "MACHINA"

// Config is the daemon configuration.
type Config struct {
	// Components lists YAML component documents to load at startup.
	Components  []string          `yaml:"components" json:"components"`
	Broker      BrokerConfig      `yaml:"broker" json:"broker"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Gateway     GatewayConfig     `yaml:"gateway" json:"gateway"`
	Tracing     TracingConfig     `yaml:"tracing" json:"tracing"`
	Broadcast   BroadcastConfig   `yaml:"broadcast" json:"broadcast"`
}

// BrokerConfig selects and parameterizes the message broker.
type BrokerConfig struct {
	// Kind is one of memory, nats, embedded.
	Kind     string `yaml:"kind" json:"kind"`
	URL      string `yaml:"url" json:"url"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	StoreDir string `yaml:"storeDir" json:"storeDir"`
}

// PersistenceConfig selects and parameterizes the event store.
type PersistenceConfig struct {
	// Backend is one of memory, sqlite, postgres, bolt.
	Backend          string `yaml:"backend" json:"backend"`
	DSN              string `yaml:"dsn" json:"dsn"`
	Path             string `yaml:"path" json:"path"`
	SnapshotInterval int64  `yaml:"snapshotInterval" json:"snapshotInterval"`
}

// GatewayConfig parameterizes the HTTP/WS ingress.
type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Addr      string `yaml:"addr" json:"addr"`
	JWTSecret string `yaml:"jwtSecret" json:"jwtSecret"`
	WebSocket bool   `yaml:"websocket" json:"websocket"`
	// WSAddr is the websocket stream listener; the stream runs on its own
	// port because the REST listener does not support connection hijacking.
	WSAddr string `yaml:"wsAddr" json:"wsAddr"`
}

// TracingConfig parameterizes the OpenTelemetry provider.
type TracingConfig struct {
	// Exporter is one of none, stdout, zipkin.
	Exporter    string `yaml:"exporter" json:"exporter"`
	ZipkinURL   string `yaml:"zipkinUrl" json:"zipkinUrl"`
	ServiceName string `yaml:"serviceName" json:"serviceName"`
}

// BroadcastConfig parameterizes the broker bridge.
type BroadcastConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	BufferCap         int           `yaml:"bufferCap" json:"bufferCap"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:   "memory",
			Prefix: "machina",
		},
		Persistence: PersistenceConfig{
			Backend:          "memory",
			SnapshotInterval: 50,
		},
		Gateway: GatewayConfig{
			Enabled:   true,
			Addr:      ":8080",
			WebSocket: true,
			WSAddr:    ":8081",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "machina",
		},
		Broadcast: BroadcastConfig{
			HeartbeatInterval: 5 * time.Second,
			BufferCap:         1000,
		},
	}
}

// Load reads a config file (YAML or JSON by extension), applies environment
// overrides and validates. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := core.JSONDecode(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg, EnvPrefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "memory", "nats", "embedded":
	default:
		return fmt.Errorf("config: unknown broker kind %q", c.Broker.Kind)
	}
	switch c.Persistence.Backend {
	case "memory", "sqlite", "postgres", "bolt":
	default:
		return fmt.Errorf("config: unknown persistence backend %q", c.Persistence.Backend)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "zipkin":
	default:
		return fmt.Errorf("config: unknown tracing exporter %q", c.Tracing.Exporter)
	}
	if c.Broker.Kind == "nats" && c.Broker.URL == "" {
		return fmt.Errorf("config: broker kind nats requires a url")
	}
	if (c.Persistence.Backend == "sqlite" || c.Persistence.Backend == "postgres") && c.Persistence.DSN == "" {
		return fmt.Errorf("config: persistence backend %s requires a dsn", c.Persistence.Backend)
	}
	if c.Persistence.Backend == "bolt" && c.Persistence.Path == "" {
		return fmt.Errorf("config: persistence backend bolt requires a path")
	}
	return nil
}

// applyEnv overrides struct fields from PREFIX_SECTION_FIELD variables,
// walking nested structs by field name.
func applyEnv(target interface{}, prefix string) error {
	return applyEnvValue(reflect.ValueOf(target).Elem(), prefix)
}

func applyEnvValue(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		name := prefix + "_" + strings.ToUpper(t.Field(i).Name)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnvValue(field, name); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(raw, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p))
			}
		}
		field.Set(out)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
