// Package api is the gateway's HTTP surface: per-server JSON-RPC and SSE
// endpoints, the OpenAI-compatible LLM namespace, admin CRUD, and the
// system endpoints (health, metrics, docs).
package api

import (
	"log/slog"
	"sync"

	echo "github.com/labstack/echo/v5"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/database"
	"github.com/fluidmcp/fluidmcp/pkg/health"
	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/supervisor"
	"github.com/fluidmcp/fluidmcp/pkg/telemetry"
)

// Server bundles the component handles the handlers dispatch into.
type Server struct {
	gateway  config.GatewayConfig
	registry *config.ServerRegistry
	sup      *supervisor.Supervisor
	monitor  *health.Monitor
	llm      *llm.Service
	store    *database.Store // nil when persistence is disabled
	metrics  *telemetry.GatewayMetrics
	exporter *telemetry.Registry
	logger   *slog.Logger

	// adminLocks serialises admin mutations per server record so concurrent
	// updates to the same id cannot interleave with lifecycle transitions.
	adminLocks sync.Map
}

// NewServer creates the HTTP surface over the given components. store may be
// nil.
func NewServer(
	gateway config.GatewayConfig,
	registry *config.ServerRegistry,
	sup *supervisor.Supervisor,
	monitor *health.Monitor,
	llmSvc *llm.Service,
	store *database.Store,
	metrics *telemetry.GatewayMetrics,
	exporter *telemetry.Registry,
) *Server {
	return &Server{
		gateway:  gateway,
		registry: registry,
		sup:      sup,
		monitor:  monitor,
		llm:      llmSvc,
		store:    store,
		metrics:  metrics,
		exporter: exporter,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router builds the echo instance with the full route table.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())
	e.Use(corsMiddleware(s.gateway.CORSOrigins))

	// System surface.
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(s.exporter.Handler()))
	e.GET("/docs", s.docsHandler)

	// LLM namespace.
	llmGroup := e.Group("/api/llm")
	llmGroup.POST("/:model/v1/chat/completions", s.chatCompletionsHandler)
	llmGroup.POST("/:model/v1/generate/:kind", s.generateHandler)
	llmGroup.POST("/:model/v1/animate", s.animateHandler)
	llmGroup.GET("/predictions/:id", s.predictionHandler)
	llmGroup.GET("/models", s.listModelsHandler)
	llmGroup.GET("/models/:id", s.getModelHandler)
	llmGroup.POST("/models/:id/restart", s.modelRestartHandler)
	llmGroup.POST("/models/:id/stop", s.modelStopHandler)
	llmGroup.POST("/models/:id/health-check", s.modelHealthCheckHandler)
	llmGroup.GET("/models/:id/logs", s.modelLogsHandler)

	// Admin surface; bearer auth applies only here.
	admin := e.Group("/api/servers", s.bearerAuth())
	admin.GET("", s.listServersHandler)
	admin.POST("", s.createServerHandler)
	admin.GET("/:id", s.getServerHandler)
	admin.PUT("/:id", s.updateServerHandler)
	admin.DELETE("/:id", s.deleteServerHandler)
	admin.POST("/:id/start", s.startServerHandler)
	admin.POST("/:id/stop", s.stopServerHandler)
	admin.POST("/:id/restart", s.restartServerHandler)
	admin.GET("/:id/logs", s.serverLogsHandler)

	// Per-server MCP surface, last so static prefixes win.
	e.POST("/:serverId/mcp", s.rpcHandler)
	e.POST("/:serverId/sse", s.sseHandler)
	e.GET("/:serverId/mcp/tools/list", s.toolsListHandler)
	e.POST("/:serverId/mcp/tools/call", s.toolsCallHandler)

	return e
}

// adminLock returns the mutation lock for one server record.
func (s *Server) adminLock(id string) *sync.Mutex {
	mu, _ := s.adminLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
