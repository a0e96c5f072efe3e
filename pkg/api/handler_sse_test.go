package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/config"
)

// parseSSE splits a recorded event stream into its data payloads.
func parseSSE(body string) []string {
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, data)
		}
	}
	return frames
}

func TestSSEHandler_NotificationsThenFinalResponse(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, map[string]config.ServerConfig{
		"notify": shellServer(notifyingChild),
	}, nil)
	a.startChild(t, "notify")

	rec := a.do(t, http.MethodPost, "/notify/sse", map[string]any{
		"jsonrpc": "2.0",
		"id":      42,
		"method":  "tools/call",
		"params":  map[string]any{"name": "slow"},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseSSE(rec.Body.String())
	require.GreaterOrEqual(t, len(frames), 3, "stream: %s", rec.Body.String())

	// Notification first, final response second, [DONE] last.
	var notif struct {
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &notif))
	assert.Equal(t, "notifications/progress", notif.Method)

	var final struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2]), &final))
	assert.Equal(t, json.RawMessage("42"), final.ID)
	assert.JSONEq(t, `{"done":true}`, string(final.Result))

	assert.Equal(t, "[DONE]", frames[len(frames)-1])
}

func TestSSEHandler_UnknownServer(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, nil, nil)

	rec := a.do(t, http.MethodPost, "/ghost/sse", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "ping",
	}, nil)
	assertErrorBody(t, rec, http.StatusNotFound, "not_found")
}

func TestSSEHandler_DeadlineEmitsErrorFrame(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{StreamDeadlineSeconds: 1}, map[string]config.ServerConfig{
		"mute": shellServer("cat > /dev/null"),
	}, nil)
	a.startChild(t, "mute")

	rec := a.do(t, http.MethodPost, "/mute/sse", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
	}, nil)

	// Headers were already committed, so the failure arrives as a terminal
	// error frame instead of an HTTP status.
	require.Equal(t, http.StatusOK, rec.Code)
	frames := parseSSE(rec.Body.String())
	require.NotEmpty(t, frames)

	var errFrame ErrorBody
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &errFrame))
	assert.Equal(t, "timeout", errFrame.ErrorKind)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestSSEHandler_ClientDisconnectTearsDownStream(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{StreamDeadlineSeconds: 30}, map[string]config.ServerConfig{
		"mute": shellServer("cat > /dev/null"),
	}, nil)
	a.startChild(t, "mute")

	mux, _, err := a.sup.Attach("mute")
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 9, "method": "tools/call"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/mute/sse", bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		defer close(served)
		a.router.ServeHTTP(rec, req)
	}()

	// Drop the client once the call is in flight.
	require.Eventually(t, func() bool { return mux.PendingCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}

	require.Eventually(t, func() bool { return mux.PendingCount() == 0 },
		2*time.Second, 5*time.Millisecond)

	snap, err := a.sup.Status("mute")
	require.NoError(t, err)
	assert.True(t, snap.Running, "the child outlives its clients")
	assert.Zero(t, snap.ActiveStreams)

	metrics := a.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Contains(t, metrics.Body.String(),
		`fluidmcp_streaming_requests_total{completion_status="broken_pipe",server_id="mute"} 1`)
}

func TestInjectProgressToken(t *testing.T) {
	t.Run("adds token to object params", func(t *testing.T) {
		out := injectProgressToken(json.RawMessage(`{"name":"x"}`), "tok-1")
		var obj map[string]any
		require.NoError(t, json.Unmarshal(out, &obj))
		meta := obj["_meta"].(map[string]any)
		assert.Equal(t, "tok-1", meta["progressToken"])
		assert.Equal(t, "x", obj["name"])
	})

	t.Run("keeps client supplied token", func(t *testing.T) {
		out := injectProgressToken(json.RawMessage(`{"_meta":{"progressToken":"mine"}}`), "tok-2")
		var obj map[string]any
		require.NoError(t, json.Unmarshal(out, &obj))
		meta := obj["_meta"].(map[string]any)
		assert.Equal(t, "mine", meta["progressToken"])
	})

	t.Run("nil params become object with token", func(t *testing.T) {
		out := injectProgressToken(nil, "tok-3")
		var obj map[string]any
		require.NoError(t, json.Unmarshal(out, &obj))
		meta := obj["_meta"].(map[string]any)
		assert.Equal(t, "tok-3", meta["progressToken"])
	})

	t.Run("non-object params pass through", func(t *testing.T) {
		out := injectProgressToken(json.RawMessage(`[1,2]`), "tok-4")
		assert.Equal(t, json.RawMessage(`[1,2]`), out)
	})
}
