package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/config"
)

// envelopeServer answers chat completions with a minimal OpenAI envelope.
func envelopeServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-x", "object": "chat.completion", "model": "m",
			"choices": [{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
		}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func localModel(endpoint string) config.ModelConfig {
	return config.ModelConfig{
		Provider:       config.ProviderLocalEngine,
		Endpoint:       endpoint,
		Capabilities:   []config.Capability{config.CapabilityText},
		TimeoutSeconds: 5,
	}
}

func TestChatCompletionsHandler(t *testing.T) {
	ts := envelopeServer(t)
	a := newTestAPI(t, config.GatewayConfig{}, nil, map[string]config.ModelConfig{
		"llama": localModel(ts.URL),
	})

	rec := a.do(t, http.MethodPost, "/api/llm/llama/v1/chat/completions", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))

	var envelope struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Choices, 1)
	assert.Equal(t, "hi", envelope.Choices[0].Message.Content)
}

func TestChatCompletionsHandler_UnknownModel(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, nil, nil)

	rec := a.do(t, http.MethodPost, "/api/llm/ghost/v1/chat/completions", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "x"}},
	}, nil)
	assertErrorBody(t, rec, http.StatusNotFound, "not_found")
}

func TestGenerateHandler_KindValidation(t *testing.T) {
	ts := envelopeServer(t)
	a := newTestAPI(t, config.GatewayConfig{}, nil, map[string]config.ModelConfig{
		"llama": localModel(ts.URL),
	})

	rec := a.do(t, http.MethodPost, "/api/llm/llama/v1/generate/audio", map[string]any{}, nil)
	assertErrorBody(t, rec, http.StatusBadRequest, "client_error")
}

func TestGenerateHandler_CapabilityMismatch(t *testing.T) {
	ts := envelopeServer(t)
	a := newTestAPI(t, config.GatewayConfig{}, nil, map[string]config.ModelConfig{
		"llama": localModel(ts.URL), // text only
	})

	rec := a.do(t, http.MethodPost, "/api/llm/llama/v1/generate/image", map[string]any{
		"prompt": "a cat",
	}, nil)
	assertErrorBody(t, rec, http.StatusBadRequest, "capability_mismatch")
}

func TestPredictionHandler_Unknown(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, nil, nil)

	rec := a.do(t, http.MethodGet, "/api/llm/predictions/pred-missing", nil, nil)
	assertErrorBody(t, rec, http.StatusNotFound, "not_found")
}

func TestListModelsHandler(t *testing.T) {
	ts := envelopeServer(t)
	a := newTestAPI(t, config.GatewayConfig{}, nil, map[string]config.ModelConfig{
		"remote": {
			Provider:        config.ProviderRemotePrediction,
			Endpoint:        "https://api.example.com",
			PredictionModel: "owner/model:v1",
			Capabilities:    []config.Capability{config.CapabilityTextToImage},
			TimeoutSeconds:  5,
		},
		"llama": localModel(ts.URL),
	})

	rec := a.do(t, http.MethodGet, "/api/llm/models", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	models := decodeJSON[[]ModelStatus](t, rec)
	require.Len(t, models, 2)

	byID := map[string]ModelStatus{}
	for _, m := range models {
		byID[m.ID] = m
	}
	// Models without a supervised engine count as running; there is no
	// process to be down.
	assert.True(t, byID["remote"].IsRunning)
	assert.False(t, byID["remote"].Supervised)
	assert.True(t, byID["llama"].IsRunning)
}

func TestGetModelHandler_Unknown(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, nil, nil)
	rec := a.do(t, http.MethodGet, "/api/llm/models/ghost", nil, nil)
	assertErrorBody(t, rec, http.StatusNotFound, "not_found")
}

func TestModelLifecycle_RequiresEngine(t *testing.T) {
	ts := envelopeServer(t)
	a := newTestAPI(t, config.GatewayConfig{}, nil, map[string]config.ModelConfig{
		"llama": localModel(ts.URL), // external engine, not supervised
	})

	for _, path := range []string{
		"/api/llm/models/llama/restart",
		"/api/llm/models/llama/stop",
		"/api/llm/models/llama/health-check",
	} {
		rec := a.do(t, http.MethodPost, path, nil, nil)
		assertErrorBody(t, rec, http.StatusConflict, "invalid_state")
	}

	rec := a.do(t, http.MethodGet, "/api/llm/models/llama/logs", nil, nil)
	assertErrorBody(t, rec, http.StatusConflict, "invalid_state")
}
