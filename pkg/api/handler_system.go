package api

import (
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fluidmcp/fluidmcp/pkg/version"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// healthHandler reports gateway liveness plus the state of its dependencies.
// Degraded dependencies turn the overall status and the HTTP code unhealthy;
// supervised children being down does not, since that is a normal state the
// admin surface manages.
func (s *Server) healthHandler(c *echo.Context) error {
	checks := map[string]string{}
	status := "healthy"

	if s.store == nil {
		checks["persistence"] = "disabled"
	} else if err := s.store.Health(c.Request().Context()); err != nil {
		checks["persistence"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		checks["persistence"] = "healthy"
	}

	running := 0
	snaps := s.sup.List()
	for _, snap := range snaps {
		if snap.Running {
			running++
		}
	}
	checks["servers"] = fmt.Sprintf("%d/%d running", running, len(snaps))

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, HealthResponse{
		Status:  status,
		Version: version.Full(),
		Checks:  checks,
	})
}

// RouteDoc describes one endpoint for the machine-readable docs listing.
type RouteDoc struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// docsHandler serves the static endpoint catalogue at GET /docs.
func (s *Server) docsHandler(c *echo.Context) error {
	routes := []RouteDoc{
		{http.MethodGet, "/health", "Gateway health with dependency checks"},
		{http.MethodGet, "/metrics", "Prometheus metrics"},
		{http.MethodGet, "/docs", "This endpoint catalogue"},

		{http.MethodPost, "/:serverId/mcp", "Synchronous JSON-RPC exchange with a child server"},
		{http.MethodPost, "/:serverId/sse", "JSON-RPC exchange streamed over SSE with child notifications"},
		{http.MethodGet, "/:serverId/mcp/tools/list", "List the child server's tools"},
		{http.MethodPost, "/:serverId/mcp/tools/call", "Invoke one tool on the child server"},

		{http.MethodPost, "/api/llm/:model/v1/chat/completions", "OpenAI-compatible chat completion, streaming or buffered"},
		{http.MethodPost, "/api/llm/:model/v1/generate/image", "Text to image prediction"},
		{http.MethodPost, "/api/llm/:model/v1/generate/video", "Text to video prediction"},
		{http.MethodPost, "/api/llm/:model/v1/animate", "Image to video prediction"},
		{http.MethodGet, "/api/llm/predictions/:id", "Status of an async prediction"},
		{http.MethodGet, "/api/llm/models", "List configured models with engine status"},
		{http.MethodGet, "/api/llm/models/:id", "One model with engine status"},
		{http.MethodPost, "/api/llm/models/:id/restart", "Restart a supervised engine"},
		{http.MethodPost, "/api/llm/models/:id/stop", "Stop a supervised engine"},
		{http.MethodPost, "/api/llm/models/:id/health-check", "Probe a supervised engine immediately"},
		{http.MethodGet, "/api/llm/models/:id/logs", "Tail a supervised engine's stderr"},

		{http.MethodGet, "/api/servers", "List server records"},
		{http.MethodPost, "/api/servers", "Create a server record"},
		{http.MethodGet, "/api/servers/:id", "One server record with live snapshot"},
		{http.MethodPut, "/api/servers/:id", "Replace a server record's configuration"},
		{http.MethodDelete, "/api/servers/:id", "Delete a server record, stopping it first"},
		{http.MethodPost, "/api/servers/:id/start", "Start a child server"},
		{http.MethodPost, "/api/servers/:id/stop", "Stop a child server"},
		{http.MethodPost, "/api/servers/:id/restart", "Restart a child server"},
		{http.MethodGet, "/api/servers/:id/logs", "Tail a child server's stderr"},
	}
	return c.JSON(http.StatusOK, map[string]any{
		"name":   version.AppName,
		"routes": routes,
	})
}
