package config

import (
	"errors"
	"fmt"
)

// Validate checks the whole configuration and returns every problem found,
// joined, rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []error

	for _, id := range cfg.ServerRegistry.IDs() {
		s, _ := cfg.ServerRegistry.Get(id)
		errs = append(errs, validateServer(id, s)...)
	}

	for _, id := range cfg.ModelRegistry.IDs() {
		m, _ := cfg.ModelRegistry.Get(id)
		errs = append(errs, validateModel(id, m)...)
	}

	// Supervised ids must not collide between servers and model engines.
	for id := range cfg.Models {
		if _, explicit := cfg.Servers[id]; explicit {
			errs = append(errs, fmt.Errorf("id %q used by both a server and a model", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateServer checks a single server entry, used by the admin CRUD
// endpoints before accepting a record.
func ValidateServer(id string, s ServerConfig) error {
	if errs := validateServer(id, s); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateServer(id string, s ServerConfig) []error {
	var errs []error
	if s.Command == "" {
		errs = append(errs, fmt.Errorf("server %q: command is required", id))
	}
	if !s.RestartPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("server %q: invalid restart_policy %q", id, s.RestartPolicy))
	}
	if s.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("server %q: max_restarts must be >= 0", id))
	}
	if s.HealthPath != "" && s.Port <= 0 {
		errs = append(errs, fmt.Errorf("server %q: health_path requires a port", id))
	}
	return errs
}

func validateModel(id string, m ModelConfig) []error {
	var errs []error
	if !m.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("model %q: invalid provider %q", id, m.Provider))
	}
	if m.Endpoint == "" {
		errs = append(errs, fmt.Errorf("model %q: endpoint is required (or a server with a port)", id))
	}
	if m.Provider == ProviderRemotePrediction {
		if m.PredictionModel == "" {
			errs = append(errs, fmt.Errorf("model %q: prediction_model is required for remote_prediction", id))
		}
		if m.Server != nil {
			errs = append(errs, fmt.Errorf("model %q: remote_prediction models cannot embed a server", id))
		}
	}
	for _, c := range m.Capabilities {
		if !c.IsValid() {
			errs = append(errs, fmt.Errorf("model %q: invalid capability %q", id, c))
		}
	}
	if m.RateLimit != nil {
		if m.RateLimit.Rate <= 0 || m.RateLimit.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("model %q: rate_limit needs positive rate and capacity", id))
		}
		if mode := m.RateLimit.Mode; mode != "" && mode != "fail" && mode != "wait" {
			errs = append(errs, fmt.Errorf("model %q: invalid rate_limit mode %q", id, mode))
		}
	}
	if m.Cache != nil && m.Cache.Enabled && m.Cache.Capacity < 0 {
		errs = append(errs, fmt.Errorf("model %q: cache capacity must be >= 0", id))
	}
	return errs
}
