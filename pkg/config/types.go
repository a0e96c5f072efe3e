// Package config loads and validates the fluidmcp.yaml configuration and
// builds the in-memory registries the gateway components consume.
package config

import "time"

// Config is the fully loaded, validated gateway configuration.
type Config struct {
	Gateway GatewayConfig           `yaml:"gateway"`
	Servers map[string]ServerConfig `yaml:"servers"`
	Models  map[string]ModelConfig  `yaml:"models"`

	// Registries built from the maps above. The supervisor registry includes
	// one entry per locally launched model engine in addition to the MCP
	// servers.
	ServerRegistry *ServerRegistry `yaml:"-"`
	ModelRegistry  *ModelRegistry  `yaml:"-"`
}

// GatewayConfig groups process-wide settings.
type GatewayConfig struct {
	Port        int      `yaml:"port"`
	BearerToken string   `yaml:"bearer_token"` // ${VAR} substitution applied
	CORSOrigins []string `yaml:"cors_origins"`
	DatabaseURL string   `yaml:"database_url"` // empty disables persistence

	HealthIntervalSeconds int `yaml:"health_interval"`
	StreamDeadlineSeconds int `yaml:"stream_deadline"`
	CallTimeoutSeconds    int `yaml:"call_timeout"`
	StopGraceSeconds      int `yaml:"stop_grace"`
}

// HealthInterval returns the health-probe loop interval.
func (g GatewayConfig) HealthInterval() time.Duration {
	return secondsOr(g.HealthIntervalSeconds, 15*time.Second)
}

// StreamDeadline returns the per-stream session deadline.
func (g GatewayConfig) StreamDeadline() time.Duration {
	return secondsOr(g.StreamDeadlineSeconds, 5*time.Minute)
}

// CallTimeout returns the default JSON-RPC call deadline.
func (g GatewayConfig) CallTimeout() time.Duration {
	return secondsOr(g.CallTimeoutSeconds, 60*time.Second)
}

// StopGrace returns the graceful-termination window before SIGKILL.
func (g GatewayConfig) StopGrace() time.Duration {
	return secondsOr(g.StopGraceSeconds, 10*time.Second)
}

// ServerConfig describes one supervised stdio child. The JSON tags serve the
// admin CRUD surface and the persistence layer; YAML is the config file.
type ServerConfig struct {
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args,omitempty"`
	Env         map[string]string `yaml:"env" json:"env,omitempty"`
	InstallPath string            `yaml:"install_path" json:"install_path,omitempty"`
	// Port is informational: children do not bind it themselves, but HTTP
	// health probes and local engine endpoints are derived from it.
	Port int `yaml:"port" json:"port,omitempty"`

	RestartPolicy    RestartPolicy `yaml:"restart_policy" json:"restart_policy,omitempty"`
	MaxRestarts      int           `yaml:"max_restarts" json:"max_restarts,omitempty"`
	BaseDelaySeconds int           `yaml:"base_delay" json:"base_delay,omitempty"`

	// HealthPath enables an HTTP probe against 127.0.0.1:port when set
	// (e.g. "/health"). CheckModels additionally probes /v1/models.
	HealthPath  string `yaml:"health_path" json:"health_path,omitempty"`
	CheckModels bool   `yaml:"check_models" json:"check_models,omitempty"`

	// StderrMarkers are substrings scanned for in the stderr ring buffer
	// (case-insensitive). Defaults to the CUDA OOM marker.
	StderrMarkers []string `yaml:"stderr_markers" json:"stderr_markers,omitempty"`
}

// BaseDelay returns the restart backoff base.
func (s ServerConfig) BaseDelay() time.Duration {
	return secondsOr(s.BaseDelaySeconds, time.Second)
}

// CacheSettings enables the response cache for a model. The first model to
// enable caching fixes the global TTL and capacity.
type CacheSettings struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl"`
	Capacity   int  `yaml:"capacity"`
}

// TTL returns the cache entry lifetime.
func (c CacheSettings) TTL() time.Duration {
	return secondsOr(c.TTLSeconds, 5*time.Minute)
}

// RateLimitSettings configures the per-model token bucket.
type RateLimitSettings struct {
	Rate     float64 `yaml:"rate"`
	Capacity int     `yaml:"capacity"`
	Mode     string  `yaml:"mode"` // "fail" (default) or "wait"
}

// RetrySettings configures the retry engine for provider calls.
type RetrySettings struct {
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

// ModelConfig describes one LLM model behind the adapter layer.
type ModelConfig struct {
	Provider ProviderKind `yaml:"provider"`
	// Endpoint is the provider base URL. For local engines it defaults to
	// http://127.0.0.1:{server.port} when the gateway launches the engine.
	Endpoint string `yaml:"endpoint"`
	// APIKey supports ${VAR} substitution so credentials stay out of the
	// file.
	APIKey string `yaml:"api_key"`
	// PredictionModel is the provider-side model identifier for
	// remote_prediction providers (e.g. "owner/name:version").
	PredictionModel string `yaml:"prediction_model"`

	// Server, when set, makes the gateway spawn and supervise the engine
	// process under this model's id.
	Server *ServerConfig `yaml:"server"`

	Defaults     map[string]any `yaml:"defaults"`
	Capabilities []Capability   `yaml:"capabilities"`

	Cache     *CacheSettings     `yaml:"cache"`
	RateLimit *RateLimitSettings `yaml:"rate_limit"`
	Retry     *RetrySettings     `yaml:"retry"`

	TimeoutSeconds int `yaml:"timeout"`
}

// Timeout returns the provider HTTP call timeout.
func (m ModelConfig) Timeout() time.Duration {
	return secondsOr(m.TimeoutSeconds, 120*time.Second)
}

// HasCapability reports whether the model advertises the capability.
func (m ModelConfig) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
