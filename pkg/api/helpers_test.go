package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/health"
	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/supervisor"
	"github.com/fluidmcp/fluidmcp/pkg/telemetry"
)

// echoChild is a shell loop that answers every JSON-RPC request with a fixed
// result, assigning sequential ids to mirror the gateway's id counter.
const echoChild = `i=0
while IFS= read -r line; do
  i=$((i+1))
  printf '{"jsonrpc":"2.0","id":%d,"result":{"echo":true}}\n' "$i"
done`

// notifyingChild emits one progress notification before each reply.
const notifyingChild = `i=0
while IFS= read -r line; do
  i=$((i+1))
  printf '{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}\n'
  printf '{"jsonrpc":"2.0","id":%d,"result":{"done":true}}\n' "$i"
done`

func shellServer(script string) config.ServerConfig {
	return config.ServerConfig{
		Command:       "sh",
		Args:          []string{"-c", script},
		RestartPolicy: config.RestartNo,
	}
}

type testAPI struct {
	srv    *Server
	router *echo.Echo
	sup    *supervisor.Supervisor
	reg    *config.ServerRegistry
}

func newTestAPI(t *testing.T, gw config.GatewayConfig, servers map[string]config.ServerConfig, models map[string]config.ModelConfig) *testAPI {
	t.Helper()
	if servers == nil {
		servers = map[string]config.ServerConfig{}
	}
	if models == nil {
		models = map[string]config.ModelConfig{}
	}

	reg := config.NewServerRegistry(servers)
	exporter := telemetry.NewRegistry()
	metrics := telemetry.NewGatewayMetrics(exporter)
	sup := supervisor.New(reg, metrics, 2*time.Second)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.StopAll(ctx)
	})

	monitor := health.New(sup, reg, time.Minute)
	svc := llm.NewService(config.NewModelRegistry(models), metrics)
	srv := NewServer(gw, reg, sup, monitor, svc, nil, metrics, exporter)
	return &testAPI{srv: srv, router: srv.Router(), sup: sup, reg: reg}
}

// startChild brings one registered server up and fails the test if it cannot.
func (a *testAPI) startChild(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, a.sup.Start(context.Background(), id))
}

// do runs one request through the full router, JSON-encoding body when it is
// not nil.
func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func assertErrorBody(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, wantKind string) {
	t.Helper()
	require.Equal(t, wantStatus, rec.Code, "body: %s", rec.Body.String())
	body := decodeJSON[ErrorBody](t, rec)
	require.Equal(t, wantKind, body.ErrorKind)
}
