package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/cache"
	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
	"github.com/fluidmcp/fluidmcp/pkg/ratelimit"
	"github.com/fluidmcp/fluidmcp/pkg/retry"
	"github.com/fluidmcp/fluidmcp/pkg/telemetry"
)

// defaultCacheCapacity applies when a model enables caching without sizing it.
const defaultCacheCapacity = 256

// Service is the adapter-layer entry point: it owns the providers, the shared
// response cache, the limiter table, and the prediction machinery.
type Service struct {
	models  *config.ModelRegistry
	metrics *telemetry.GatewayMetrics
	logger  *slog.Logger

	providers map[string]Provider
	stats     map[string]*modelStats

	// cache is process-wide; the first model (by id order) that enables
	// caching fixes its TTL and capacity. Nil when no model opts in.
	cache    *cache.ResponseCache
	limiters *ratelimit.Table
	store    *StatusStore
	poller   *Poller
}

// NewService builds the adapter layer from the model registry. The registry
// is fixed at startup, so providers are constructed eagerly.
func NewService(models *config.ModelRegistry, metrics *telemetry.GatewayMetrics) *Service {
	s := &Service{
		models:    models,
		metrics:   metrics,
		logger:    slog.Default().With("component", "llm"),
		providers: make(map[string]Provider),
		stats:     make(map[string]*modelStats),
		limiters:  ratelimit.NewTable(),
		store:     NewStatusStore(),
	}
	s.poller = NewPoller(s.store, metrics)

	for _, id := range models.IDs() {
		cfg, _ := models.Get(id)

		switch cfg.Provider {
		case config.ProviderRemotePrediction:
			s.providers[id] = newRemotePrediction(id, cfg, s.poller)
		default:
			s.providers[id] = newLocalEngine(id, cfg)
		}
		s.stats[id] = &modelStats{}

		if s.cache == nil && cfg.Cache != nil && cfg.Cache.Enabled {
			capacity := cfg.Cache.Capacity
			if capacity <= 0 {
				capacity = defaultCacheCapacity
			}
			s.cache = cache.New(capacity, cfg.Cache.TTL())
			s.logger.Info("Response cache enabled",
				"fixed_by", id, "capacity", capacity, "ttl", cfg.Cache.TTL())
		}
	}
	return s
}

// resolve returns the provider, config, and stats for a model id.
func (s *Service) resolve(modelID string) (Provider, config.ModelConfig, *modelStats, error) {
	cfg, err := s.models.Get(modelID)
	if err != nil {
		return nil, config.ModelConfig{}, nil, fluiderr.E(fluiderr.KindNotFound, "model %q not found", modelID)
	}
	return s.providers[modelID], cfg, s.stats[modelID], nil
}

// ChatCompletion serves one non-streaming chat request: cache lookup, rate
// limit, capability check, retried provider dispatch, cache insert, and
// telemetry. Returns the envelope bytes and whether they came from cache.
func (s *Service) ChatCompletion(ctx context.Context, modelID string, body map[string]any) ([]byte, bool, error) {
	provider, cfg, stats, err := s.resolve(modelID)
	if err != nil {
		return nil, false, err
	}
	ctx, span := telemetry.StartSpan(ctx, "llm.chat_completion", "model", modelID, "provider", provider.Name())
	defer span.End()

	stats.recordRequest()
	s.metrics.LLMRequests.WithLabelValues(modelID, provider.Name()).Inc()
	body = mergeDefaults(body, cfg.Defaults)

	cacheable := s.cache != nil && cfg.Cache != nil && cfg.Cache.Enabled && !hasWebhook(body)
	var key string
	if cacheable {
		key = cache.Fingerprint(modelID, body)
		if payload, ok := s.cache.Get(key); ok {
			s.metrics.CacheHits.Inc()
			s.metrics.LLMSuccesses.WithLabelValues(modelID, provider.Name()).Inc()
			s.logger.Debug("Chat completion served from cache", "model", modelID)
			return payload, true, nil
		}
		s.metrics.CacheMisses.Inc()
	}

	if err := s.acquire(ctx, modelID, cfg); err != nil {
		s.fail(modelID, provider.Name(), stats, time.Duration(0), err)
		return nil, false, err
	}
	if !cfg.HasCapability(config.CapabilityText) {
		err := fluiderr.E(fluiderr.KindCapabilityMismatch, "model %q does not support text chat", modelID)
		s.fail(modelID, provider.Name(), stats, 0, err)
		return nil, false, err
	}

	start := time.Now()
	var payload json.RawMessage
	var usage *Usage
	err = s.policy(cfg).Do(ctx, func() error {
		callCtx, callSpan := telemetry.StartSpan(ctx, "llm.provider_http", "model", modelID)
		defer callSpan.End()
		payload, usage, err = provider.Chat(callCtx, body)
		return err
	})
	elapsed := time.Since(start)

	if err != nil {
		s.fail(modelID, provider.Name(), stats, elapsed, err)
		return nil, false, err
	}

	s.succeed(modelID, provider.Name(), stats, elapsed, usage)
	if cacheable {
		s.cache.Put(key, payload)
	}
	return payload, false, nil
}

// ChatStream serves one streaming chat request by relaying the provider's SSE
// bytes into w. Streaming responses are never cached or retried.
func (s *Service) ChatStream(ctx context.Context, modelID string, body map[string]any, w io.Writer) error {
	provider, cfg, stats, err := s.resolve(modelID)
	if err != nil {
		return err
	}
	ctx, span := telemetry.StartSpan(ctx, "llm.chat_stream", "model", modelID, "provider", provider.Name())
	defer span.End()

	stats.recordRequest()
	s.metrics.LLMRequests.WithLabelValues(modelID, provider.Name()).Inc()

	if err := s.acquire(ctx, modelID, cfg); err != nil {
		s.fail(modelID, provider.Name(), stats, 0, err)
		return err
	}
	if !cfg.HasCapability(config.CapabilityText) {
		err := fluiderr.E(fluiderr.KindCapabilityMismatch, "model %q does not support text chat", modelID)
		s.fail(modelID, provider.Name(), stats, 0, err)
		return err
	}

	body = mergeDefaults(body, cfg.Defaults)
	body["stream"] = true

	start := time.Now()
	err = provider.ChatStream(ctx, body, w)
	elapsed := time.Since(start)

	if err != nil {
		s.fail(modelID, provider.Name(), stats, elapsed, err)
		return err
	}
	s.succeed(modelID, provider.Name(), stats, elapsed, nil)
	return nil
}

// Generate submits an asynchronous generation job (image, video, animate).
// The response carries the provider's job handle; a detached poller tracks it
// to completion so the status endpoint stays current.
func (s *Service) Generate(ctx context.Context, modelID string, required config.Capability, body map[string]any) (*Prediction, error) {
	provider, cfg, stats, err := s.resolve(modelID)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, "llm.generate", "model", modelID, "capability", string(required))
	defer span.End()

	stats.recordRequest()
	s.metrics.LLMRequests.WithLabelValues(modelID, provider.Name()).Inc()

	if err := s.acquire(ctx, modelID, cfg); err != nil {
		s.fail(modelID, provider.Name(), stats, 0, err)
		return nil, err
	}
	if !cfg.HasCapability(required) {
		err := fluiderr.E(fluiderr.KindCapabilityMismatch, "model %q does not support %s", modelID, required)
		s.fail(modelID, provider.Name(), stats, 0, err)
		return nil, err
	}

	input := mergeDefaults(body, cfg.Defaults)

	start := time.Now()
	var pred *Prediction
	err = s.policy(cfg).Do(ctx, func() error {
		pred, err = provider.CreatePrediction(ctx, input)
		return err
	})
	elapsed := time.Since(start)
	if err != nil {
		s.fail(modelID, provider.Name(), stats, elapsed, err)
		return nil, err
	}
	s.succeed(modelID, provider.Name(), stats, elapsed, nil)
	s.store.Set(modelID, pred)

	// The client holds only the job id; polling continues in the background
	// bounded by the model's timeout, keeping the status endpoint warm.
	go func() {
		pollCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
		defer cancel()
		if _, err := s.poller.Await(pollCtx, provider, modelID, pred); err != nil {
			s.logger.Warn("Background prediction tracking ended with error",
				"model", modelID, "prediction_id", pred.ID, "error", err)
		}
	}()

	return pred, nil
}

// PredictionStatus returns the last known state of a prediction, querying the
// remote providers directly when the store has never seen the id.
func (s *Service) PredictionStatus(ctx context.Context, id string) (*Prediction, string, error) {
	if pred, modelID, ok := s.store.Get(id); ok {
		return pred, modelID, nil
	}

	for _, modelID := range s.models.IDs() {
		cfg, _ := s.models.Get(modelID)
		if cfg.Provider != config.ProviderRemotePrediction {
			continue
		}
		pred, err := s.providers[modelID].GetPrediction(ctx, id)
		if err != nil {
			continue
		}
		s.store.Set(modelID, pred)
		return pred, modelID, nil
	}
	return nil, "", fluiderr.E(fluiderr.KindNotFound, "prediction %q not found", id)
}

// RateLimitInfo is the limiter view exposed on model status.
type RateLimitInfo struct {
	Rate            float64 `json:"rate"`
	Capacity        int     `json:"capacity"`
	AvailableTokens float64 `json:"available_tokens"`
	Mode            string  `json:"mode"`
}

// ModelInfo is the status view of one model.
type ModelInfo struct {
	ID           string              `json:"id"`
	Provider     string              `json:"provider"`
	Endpoint     string              `json:"endpoint"`
	Capabilities []config.Capability `json:"capabilities"`
	Supervised   bool                `json:"supervised"`
	Stats        StatsSnapshot       `json:"stats"`
	RateLimit    *RateLimitInfo      `json:"rate_limit,omitempty"`
	Cache        *cache.Stats        `json:"cache,omitempty"`
}

// Info returns the status view for one model.
func (s *Service) Info(modelID string) (ModelInfo, error) {
	provider, cfg, stats, err := s.resolve(modelID)
	if err != nil {
		return ModelInfo{}, err
	}

	info := ModelInfo{
		ID:           modelID,
		Provider:     provider.Name(),
		Endpoint:     cfg.Endpoint,
		Capabilities: cfg.Capabilities,
		Supervised:   cfg.Server != nil,
		Stats:        stats.snapshot(),
	}
	if b, ok := s.limiters.Lookup(modelID); ok {
		info.RateLimit = &RateLimitInfo{
			Rate:            b.Rate(),
			Capacity:        b.Capacity(),
			AvailableTokens: b.AvailableTokens(),
			Mode:            rateMode(cfg),
		}
	} else if cfg.RateLimit != nil {
		info.RateLimit = &RateLimitInfo{
			Rate:            cfg.RateLimit.Rate,
			Capacity:        cfg.RateLimit.Capacity,
			AvailableTokens: float64(cfg.RateLimit.Capacity),
			Mode:            rateMode(cfg),
		}
	}
	if s.cache != nil && cfg.Cache != nil && cfg.Cache.Enabled {
		cs := s.cache.Stats()
		info.Cache = &cs
	}
	return info, nil
}

// List returns the status view of every model, sorted by id.
func (s *Service) List() []ModelInfo {
	ids := s.models.IDs()
	out := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := s.Info(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// CacheStats returns the shared cache snapshot, or nil when caching is off.
func (s *Service) CacheStats() *cache.Stats {
	if s.cache == nil {
		return nil
	}
	cs := s.cache.Stats()
	return &cs
}

// acquire takes one limiter token when the model is rate limited.
func (s *Service) acquire(ctx context.Context, modelID string, cfg config.ModelConfig) error {
	if cfg.RateLimit == nil {
		return nil
	}
	b := s.limiters.Get(modelID, cfg.RateLimit.Rate, cfg.RateLimit.Capacity, ratelimit.Mode(rateMode(cfg)))
	return b.Acquire(ctx)
}

func rateMode(cfg config.ModelConfig) string {
	if cfg.RateLimit != nil && cfg.RateLimit.Mode != "" {
		return cfg.RateLimit.Mode
	}
	return string(ratelimit.ModeFail)
}

// policy builds the retry policy from the model's settings.
func (s *Service) policy(cfg config.ModelConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.Retry != nil {
		if cfg.Retry.MaxRetries > 0 {
			p.MaxRetries = cfg.Retry.MaxRetries
		}
		if cfg.Retry.BaseDelayMS > 0 {
			p.BaseDelay = time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond
		}
	}
	return p
}

func (s *Service) succeed(modelID, provider string, stats *modelStats, elapsed time.Duration, usage *Usage) {
	min, avg, max := stats.observe(elapsed, true)
	s.metrics.LLMSuccesses.WithLabelValues(modelID, provider).Inc()
	s.metrics.ObserveLLMLatency(modelID, provider, elapsed, min, avg, max)
	if usage != nil {
		s.metrics.LLMTokens.WithLabelValues(modelID, provider, "prompt").Add(float64(usage.PromptTokens))
		s.metrics.LLMTokens.WithLabelValues(modelID, provider, "completion").Add(float64(usage.CompletionTokens))
	}
}

func (s *Service) fail(modelID, provider string, stats *modelStats, elapsed time.Duration, err error) {
	min, avg, max := stats.observe(elapsed, false)
	s.metrics.LLMFailures.WithLabelValues(modelID, provider).Inc()
	s.metrics.ObserveLLMLatency(modelID, provider, elapsed, min, avg, max)
	s.metrics.LLMErrorsByCode.WithLabelValues(modelID, provider,
		telemetry.StatusClass(fluiderr.StatusOf(err))).Inc()
	s.logger.Warn("LLM request failed",
		"model", modelID, "provider", provider,
		"error_kind", string(fluiderr.KindOf(err)),
		"upstream_status", strconv.Itoa(fluiderr.StatusOf(err)),
		"error", err)
}

// mergeDefaults overlays the model's default parameters under the request
// body; request values win.
func mergeDefaults(body, defaults map[string]any) map[string]any {
	if len(defaults) == 0 {
		if body == nil {
			return map[string]any{}
		}
		return body
	}
	merged := make(map[string]any, len(body)+len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range body {
		merged[k] = v
	}
	return merged
}

func hasWebhook(body map[string]any) bool {
	_, ok := body["webhook"]
	return ok
}
