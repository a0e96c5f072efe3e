package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/jsonrpc"
)

func TestRPCHandler_RoundTrip(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, map[string]config.ServerConfig{
		"echo": shellServer(echoChild),
	}, nil)
	a.startChild(t, "echo")

	rec := a.do(t, http.MethodPost, "/echo/mcp", map[string]any{
		"jsonrpc": "2.0",
		"id":      "client-7",
		"method":  "ping",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	resp := decodeJSON[jsonrpc.ClientResponse](t, rec)
	assert.Equal(t, jsonrpc.Version, resp.JSONRPC)
	// The client's id comes back verbatim; the stdio id never leaves the
	// process.
	assert.Equal(t, json.RawMessage(`"client-7"`), resp.ID)
	assert.JSONEq(t, `{"echo":true}`, string(resp.Result))
	assert.Nil(t, resp.Error)
}

func TestRPCHandler_UnknownServer(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, nil, nil)

	rec := a.do(t, http.MethodPost, "/ghost/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "ping",
	}, nil)
	assertErrorBody(t, rec, http.StatusNotFound, "not_found")
}

func TestRPCHandler_StoppedServerConflicts(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, map[string]config.ServerConfig{
		"echo": shellServer(echoChild),
	}, nil)

	rec := a.do(t, http.MethodPost, "/echo/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "ping",
	}, nil)
	assertErrorBody(t, rec, http.StatusConflict, "invalid_state")
}

func TestRPCHandler_MissingMethod(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, map[string]config.ServerConfig{
		"echo": shellServer(echoChild),
	}, nil)
	a.startChild(t, "echo")

	rec := a.do(t, http.MethodPost, "/echo/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1,
	}, nil)
	assertErrorBody(t, rec, http.StatusBadRequest, "client_error")
}

func TestToolsConvenienceEndpoints(t *testing.T) {
	a := newTestAPI(t, config.GatewayConfig{}, map[string]config.ServerConfig{
		"echo": shellServer(echoChild),
	}, nil)
	a.startChild(t, "echo")

	rec := a.do(t, http.MethodGet, "/echo/mcp/tools/list", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	resp := decodeJSON[jsonrpc.ClientResponse](t, rec)
	assert.JSONEq(t, `{"echo":true}`, string(resp.Result))

	rec = a.do(t, http.MethodPost, "/echo/mcp/tools/call", map[string]any{
		"name":      "lookup",
		"arguments": map[string]any{"q": "x"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	resp = decodeJSON[jsonrpc.ClientResponse](t, rec)
	assert.JSONEq(t, `{"echo":true}`, string(resp.Result))
}

func TestRPCHandler_CallTimeout(t *testing.T) {
	// A child that swallows requests without answering trips the call
	// deadline.
	a := newTestAPI(t, config.GatewayConfig{CallTimeoutSeconds: 1}, map[string]config.ServerConfig{
		"mute": shellServer("cat > /dev/null"),
	}, nil)
	a.startChild(t, "mute")

	rec := a.do(t, http.MethodPost, "/mute/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "ping",
	}, nil)
	assertErrorBody(t, rec, http.StatusGatewayTimeout, "timeout")
}
