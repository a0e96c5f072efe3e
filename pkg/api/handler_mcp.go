package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
	"github.com/fluidmcp/fluidmcp/pkg/jsonrpc"
	"github.com/fluidmcp/fluidmcp/pkg/telemetry"
)

// rpcHandler handles POST /:serverId/mcp: one synchronous JSON-RPC exchange
// with the child. The client's id is echoed back verbatim; the stdio-side id
// is the gateway's own.
func (s *Server) rpcHandler(c *echo.Context) error {
	serverID := c.Param("serverId")

	var req jsonrpc.ClientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "malformed JSON-RPC request body",
		})
	}
	if req.Method == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "method is required",
		})
	}

	frame, err := s.callChild(c.Request().Context(), serverID, req.Method, req.Params)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, jsonrpc.ClientResponse{
		JSONRPC: jsonrpc.Version,
		ID:      req.ID,
		Result:  frame.Result,
		Error:   frame.Error,
	})
}

// toolsListHandler handles GET /:serverId/mcp/tools/list.
func (s *Server) toolsListHandler(c *echo.Context) error {
	frame, err := s.callChild(c.Request().Context(), c.Param("serverId"), "tools/list", nil)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, jsonrpc.ClientResponse{
		JSONRPC: jsonrpc.Version,
		Result:  frame.Result,
		Error:   frame.Error,
	})
}

// toolsCallHandler handles POST /:serverId/mcp/tools/call; the body is the
// tools/call params object ({name, arguments}).
func (s *Server) toolsCallHandler(c *echo.Context) error {
	var params json.RawMessage
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{
			ErrorKind: "client_error", Message: "malformed tool call body",
		})
	}

	frame, err := s.callChild(c.Request().Context(), c.Param("serverId"), "tools/call", params)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, jsonrpc.ClientResponse{
		JSONRPC: jsonrpc.Version,
		Result:  frame.Result,
		Error:   frame.Error,
	})
}

// callChild forwards one request through the child's multiplexer with the
// standard deadline, telemetry, and tracing.
func (s *Server) callChild(ctx context.Context, serverID, method string, params json.RawMessage) (*jsonrpc.Frame, error) {
	mux, _, err := s.sup.Attach(serverID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "mcp.dispatch", "server", serverID, "method", method)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.gateway.CallTimeout())
	defer cancel()

	s.metrics.ActiveRequests.WithLabelValues(serverID).Inc()
	defer s.metrics.ActiveRequests.WithLabelValues(serverID).Dec()

	start := time.Now()
	frame, err := mux.Call(ctx, method, params)
	s.metrics.RequestDuration.WithLabelValues(serverID, method).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		s.metrics.RequestsTotal.WithLabelValues(serverID, method, "error").Inc()
		s.metrics.ErrorsTotal.WithLabelValues(serverID, string(fluiderr.KindOf(err))).Inc()
		return nil, err
	case frame.Error != nil:
		// The child answered with a JSON-RPC error object; the transport
		// worked, so the HTTP status stays 200.
		s.metrics.RequestsTotal.WithLabelValues(serverID, method, "rpc_error").Inc()
	default:
		s.metrics.RequestsTotal.WithLabelValues(serverID, method, "ok").Inc()
	}
	return frame, nil
}
