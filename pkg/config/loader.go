package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// defaultServerConfig carries the fallbacks merged into every server entry.
var defaultServerConfig = ServerConfig{
	RestartPolicy:    RestartOnFailure,
	MaxRestarts:      3,
	BaseDelaySeconds: 1,
	StderrMarkers:    []string{"cuda out of memory"},
}

// defaultModelConfig carries the fallbacks merged into every model entry.
var defaultModelConfig = ModelConfig{
	Capabilities:   []Capability{CapabilityText},
	TimeoutSeconds: 120,
}

// Initialize loads, expands, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand ${NAME} environment references
//  3. Parse into structs
//  4. Merge per-entry defaults
//  5. Build registries (model engines join the server registry)
//  6. Validate everything
func Initialize(path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.Info("Configuration initialized",
		"servers", len(cfg.Servers),
		"models", len(cfg.Models))
	return cfg, nil
}

// Parse builds a Config from raw YAML bytes. Split out from Initialize so
// tests and the serve mode (which starts empty) share the same path.
func Parse(data []byte) (*Config, error) {
	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	buildRegistries(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Empty returns a configuration with no servers or models, used by the
// API-only serve mode where records arrive through the admin endpoints.
func Empty() *Config {
	cfg := &Config{
		Servers: map[string]ServerConfig{},
		Models:  map[string]ModelConfig{},
	}
	buildRegistries(cfg)
	return cfg
}

// ApplyServerDefaults fills zero fields of one server entry with the built-in
// fallbacks, mirroring what Parse does for file-based records. The admin CRUD
// surface runs incoming records through this before validation.
func ApplyServerDefaults(s ServerConfig) ServerConfig {
	_ = mergo.Merge(&s, defaultServerConfig)
	return s
}

// applyDefaults merges the built-in fallbacks into every entry.
// User values win; mergo only fills zero fields.
func applyDefaults(cfg *Config) error {
	for id, s := range cfg.Servers {
		if err := mergo.Merge(&s, defaultServerConfig); err != nil {
			return fmt.Errorf("server %q: %w", id, err)
		}
		cfg.Servers[id] = s
	}
	for id, m := range cfg.Models {
		if err := mergo.Merge(&m, defaultModelConfig); err != nil {
			return fmt.Errorf("model %q: %w", id, err)
		}
		if m.Server != nil {
			merged := *m.Server
			if err := mergo.Merge(&merged, defaultServerConfig); err != nil {
				return fmt.Errorf("model %q server: %w", id, err)
			}
			// Local engines get a derived endpoint when none is configured.
			if m.Endpoint == "" && merged.Port > 0 {
				m.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", merged.Port)
			}
			m.Server = &merged
		}
		cfg.Models[id] = m
	}
	return nil
}

// buildRegistries populates the lookup registries. Models with an embedded
// server block are supervised under the model id alongside the MCP servers.
func buildRegistries(cfg *Config) {
	servers := make(map[string]ServerConfig, len(cfg.Servers))
	for id, s := range cfg.Servers {
		servers[id] = s
	}
	for id, m := range cfg.Models {
		if m.Server != nil {
			servers[id] = *m.Server
		}
	}
	cfg.ServerRegistry = NewServerRegistry(servers)
	cfg.ModelRegistry = NewModelRegistry(cfg.Models)
}
